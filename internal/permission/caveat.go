package permission

import (
	"encoding/json"
	"fmt"

	"github.com/flemzord/snaphost/internal/rpc"
)

// Caveat is a typed constraint attached to a granted permission. Its
// Value is fixed at grant time and only changes through
// Controller.UpdateCaveat, which re-validates it.
type Caveat struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// NewCaveat encodes value into a Caveat of the given type.
func NewCaveat(typ string, value any) (Caveat, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Caveat{}, fmt.Errorf("permission: encoding %s caveat: %w", typ, err)
	}
	return Caveat{Type: typ, Value: raw}, nil
}

// CaveatSpecification describes one caveat type.
type CaveatSpecification struct {
	Type string

	// Validator checks the caveat value shape. It runs whenever a caveat
	// is granted or updated.
	Validator func(c Caveat) error

	// Decorator wraps a method so that every call is re-checked against
	// the caveat value. Nil for caveats that only carry data (endowment
	// caveats read by other components).
	Decorator func(next Method, c Caveat) Method
}

// middleware binds the decorator to a concrete caveat value.
func (s CaveatSpecification) middleware(c Caveat) Middleware {
	if s.Decorator == nil {
		return nil
	}
	return func(next Method) Method {
		return s.Decorator(next, c)
	}
}

// DecodeValue decodes a caveat value, reporting shape errors as
// rpc.InvalidParams.
func DecodeValue[T any](c Caveat) (T, error) {
	var v T
	if len(c.Value) == 0 {
		return v, rpc.InvalidParams("caveat %q has no value", c.Type)
	}
	if err := json.Unmarshal(c.Value, &v); err != nil {
		return v, rpc.InvalidParams("caveat %q has an invalid value: %s", c.Type, err.Error())
	}
	return v, nil
}
