package permission

import (
	"slices"

	"github.com/flemzord/snaphost/internal/rpc"
)

// Permission is a granted capability held by a subject (a snap ID).
type Permission struct {
	ID      string     `json:"id"`
	Subject string     `json:"subject"`
	Target  TargetName `json:"target"`
	Caveats []Caveat   `json:"caveats,omitempty"`
	// Date is the grant time in Unix milliseconds.
	Date int64 `json:"date"`
}

// Caveat returns the caveat of the given type.
func (p Permission) Caveat(typ string) (Caveat, bool) {
	for _, c := range p.Caveats {
		if c.Type == typ {
			return c, true
		}
	}
	return Caveat{}, false
}

func (p Permission) clone() Permission {
	p.Caveats = cloneCaveats(p.Caveats)
	return p
}

// cloneCaveats deep-copies caveats so no caller shares value bytes with
// the controller.
func cloneCaveats(in []Caveat) []Caveat {
	if in == nil {
		return nil
	}
	out := make([]Caveat, len(in))
	for i, c := range in {
		out[i] = Caveat{Type: c.Type, Value: slices.Clone(c.Value)}
	}
	return out
}

// RequestedPermission is what a subject asks for before validation.
type RequestedPermission struct {
	Caveats []Caveat `json:"caveats,omitempty"`
}

// RequireCaveats returns a Validator that accepts exactly the given caveat
// types, each once, and nothing else. It is the usual shape check for
// targets whose caveats carry mandatory data.
func RequireCaveats(types ...string) func(Permission) error {
	return func(p Permission) error {
		if len(p.Caveats) != len(types) {
			return rpc.InvalidParams("expected %d caveat(s) %v for %s, got %d", len(types), types, p.Target, len(p.Caveats))
		}
		for _, typ := range types {
			if _, ok := p.Caveat(typ); !ok {
				return rpc.InvalidParams("expected a single %q caveat for %s", typ, p.Target)
			}
		}
		return nil
	}
}

// RequireCaveatsOf returns a Validator that requires each of required
// exactly once and allows the optional types at most once.
func RequireCaveatsOf(required []string, optional ...string) func(Permission) error {
	return func(p Permission) error {
		seen := make(map[string]bool, len(p.Caveats))
		for _, c := range p.Caveats {
			if !slices.Contains(required, c.Type) && !slices.Contains(optional, c.Type) {
				return rpc.InvalidParams("caveat %q is not valid for %s", c.Type, p.Target)
			}
			seen[c.Type] = true
		}
		for _, typ := range required {
			if !seen[typ] {
				return rpc.InvalidParams("expected a %q caveat for %s", typ, p.Target)
			}
		}
		return nil
	}
}
