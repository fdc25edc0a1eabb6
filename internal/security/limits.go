package security

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Default bounds for JSON messages crossing into the host.
const (
	DefaultMaxMessageSize = 1 << 20
	DefaultMaxJSONDepth   = 32
)

// Message validation errors.
var (
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrJSONTooDeep     = errors.New("JSON nesting exceeds maximum depth")
	ErrInvalidJSON     = errors.New("invalid JSON")
)

// MessageLimits bounds the size and nesting of a JSON message. Zero
// fields use the defaults.
type MessageLimits struct {
	MaxSize  int
	MaxDepth int
}

func (l MessageLimits) withDefaults() MessageLimits {
	if l.MaxSize <= 0 {
		l.MaxSize = DefaultMaxMessageSize
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxJSONDepth
	}
	return l
}

// Validate checks data against the limits, cheapest check first: size,
// then nesting, then syntax. Nesting is measured before parsing so that a
// deeply nested payload is refused without being decoded.
func (l MessageLimits) Validate(data []byte) error {
	l = l.withDefaults()
	if len(data) > l.MaxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(data), l.MaxSize)
	}
	if depth := maxDepth(data, l.MaxDepth); depth > l.MaxDepth {
		return fmt.Errorf("%w: more than %d levels", ErrJSONTooDeep, l.MaxDepth)
	}
	if !json.Valid(data) {
		return ErrInvalidJSON
	}
	return nil
}

// maxDepth returns the deepest object or array nesting in data, stopping
// as soon as it exceeds limit. Brackets inside strings are skipped.
func maxDepth(data []byte, limit int) int {
	var depth, deepest int
	inString, escaped := false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > deepest {
				deepest = depth
				if deepest > limit {
					return deepest
				}
			}
		case '}', ']':
			depth--
		}
	}
	return deepest
}
