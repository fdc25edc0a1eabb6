package permission

import "fmt"

// Hooks are host-provided functions keyed by name. A restricted method
// factory only ever sees the hooks its specification names.
type Hooks map[string]any

// SelectHooks returns exactly the named hooks from all. It fails with
// ErrHookMissing if any name is absent.
func SelectHooks(all Hooks, names []string) (Hooks, error) {
	selected := make(Hooks, len(names))
	for _, name := range names {
		h, ok := all[name]
		if !ok || h == nil {
			return nil, fmt.Errorf("%w: %s", ErrHookMissing, name)
		}
		selected[name] = h
	}
	return selected, nil
}

// Hook returns the named hook as a T.
func Hook[T any](hooks Hooks, name string) (T, error) {
	var zero T
	h, ok := hooks[name]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrHookMissing, name)
	}
	typed, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrHookType, name, h)
	}
	return typed, nil
}
