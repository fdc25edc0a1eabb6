package permission

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// TargetName names a grantable capability, e.g. "snap_dialog" or
// "endowment:network-access".
type TargetName string

// Type distinguishes callable capabilities from endowments.
type Type int

// Capability types.
const (
	// RestrictedMethod targets are called through ExecuteRestrictedMethod.
	RestrictedMethod Type = iota + 1
	// Endowment targets grant host globals to the sandbox and have no
	// callable method.
	Endowment
)

func (t Type) String() string {
	switch t {
	case RestrictedMethod:
		return "restricted"
	case Endowment:
		return "endowment"
	default:
		return "unknown"
	}
}

// Specification describes one grantable target.
type Specification struct {
	Target TargetName
	Type   Type

	// AllowedCaveats lists the caveat types a grant may carry. Nil means
	// no caveats are permitted.
	AllowedCaveats []string

	// HookNames lists the host hooks MethodFactory needs.
	HookNames []string

	// MethodFactory builds the restricted method from the selected hooks.
	MethodFactory func(hooks Hooks) (Method, error)

	// EndowmentGetter returns the global names an endowment grants.
	EndowmentGetter func() []string

	// Validator checks the assembled permission, typically caveat count.
	Validator func(p Permission) error

	// CaveatMapper turns the raw value a snap declares for this target
	// into caveats. Nil means the raw value is ignored and no caveats
	// are attached.
	CaveatMapper func(value json.RawMessage) ([]Caveat, error)
}

func (s Specification) allowsCaveat(typ string) bool {
	return s.AllowedCaveats != nil && slices.Contains(s.AllowedCaveats, typ)
}

// Registry is the static table of targets and caveat types. It is built
// once and read concurrently afterwards.
type Registry struct {
	targets map[TargetName]Specification
	caveats map[string]CaveatSpecification
}

// NewRegistry checks and indexes the given specifications. Every caveat
// type a target allows must be among caveats.
func NewRegistry(targets []Specification, caveats []CaveatSpecification) (*Registry, error) {
	r := &Registry{
		targets: make(map[TargetName]Specification, len(targets)),
		caveats: make(map[string]CaveatSpecification, len(caveats)),
	}

	for _, c := range caveats {
		if c.Type == "" {
			return nil, fmt.Errorf("%w: caveat with empty type", ErrInvalidSpec)
		}
		if _, dup := r.caveats[c.Type]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCaveat, c.Type)
		}
		r.caveats[c.Type] = c
	}

	for _, s := range targets {
		if s.Target == "" {
			return nil, fmt.Errorf("%w: target with empty name", ErrInvalidSpec)
		}
		if _, dup := r.targets[s.Target]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, s.Target)
		}
		switch s.Type {
		case RestrictedMethod:
			if s.MethodFactory == nil {
				return nil, fmt.Errorf("%w: %s has no method factory", ErrInvalidSpec, s.Target)
			}
		case Endowment:
			if s.EndowmentGetter == nil {
				return nil, fmt.Errorf("%w: %s has no endowment getter", ErrInvalidSpec, s.Target)
			}
		default:
			return nil, fmt.Errorf("%w: %s has type %d", ErrInvalidSpec, s.Target, s.Type)
		}
		for _, typ := range s.AllowedCaveats {
			if _, ok := r.caveats[typ]; !ok {
				return nil, fmt.Errorf("%w: %s allows %s", ErrUnknownCaveat, s.Target, typ)
			}
		}
		r.targets[s.Target] = s
	}
	return r, nil
}

// Target returns the specification for name.
func (r *Registry) Target(name TargetName) (Specification, bool) {
	s, ok := r.targets[name]
	return s, ok
}

// Caveat returns the specification for a caveat type.
func (r *Registry) Caveat(typ string) (CaveatSpecification, bool) {
	c, ok := r.caveats[typ]
	return c, ok
}

// Targets returns all target names sorted.
func (r *Registry) Targets() []TargetName {
	names := make([]TargetName, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b TargetName) int { return cmp.Compare(a, b) })
	return names
}
