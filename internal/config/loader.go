package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, expands environment references
// and decodes it. Unknown top-level keys are errors.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := expandEnv(raw, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables in %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// expandEnv substitutes environment references line by line:
//
//	${VAR}           value of VAR, an error when unset
//	${VAR:-default}  default when VAR is unset or empty
//	${VAR:?message}  an error carrying message when VAR is unset or empty
//	$$               a literal $
//
// Comment lines are copied untouched. Every failure is reported, not only
// the first.
func expandEnv(raw []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var (
		out  bytes.Buffer
		errs []error
	)
	out.Grow(len(raw))

	for line := range bytes.Lines(raw) {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
			out.Write(line)
			continue
		}
		for i := 0; i < len(line); i++ {
			c := line[i]
			if c != '$' || i+1 >= len(line) {
				out.WriteByte(c)
				continue
			}
			switch line[i+1] {
			case '$':
				out.WriteByte('$')
				i++
			case '{':
				end := bytes.IndexByte(line[i+2:], '}')
				if end < 0 {
					errs = append(errs, fmt.Errorf("unterminated reference %q", strings.TrimSpace(string(line[i:]))))
					out.Write(line[i:])
					i = len(line)
					continue
				}
				expr := string(line[i+2 : i+2+end])
				value, err := resolveRef(expr, lookup)
				if err != nil {
					errs = append(errs, err)
					value = "${" + expr + "}"
				}
				out.WriteString(value)
				i += end + 2
			default:
				out.WriteByte(c)
			}
		}
	}
	return out.Bytes(), errors.Join(errs...)
}

func resolveRef(expr string, lookup func(string) (string, bool)) (string, error) {
	name, op, arg := expr, "", ""
	if i := strings.Index(expr, ":"); i >= 0 && i+1 < len(expr) && (expr[i+1] == '-' || expr[i+1] == '?') {
		name, op, arg = expr[:i], expr[i:i+2], expr[i+2:]
	}
	if !validVarName(name) {
		return "", fmt.Errorf("invalid variable name %q", name)
	}

	value, ok := lookup(name)
	switch op {
	case ":-":
		if !ok || value == "" {
			return arg, nil
		}
	case ":?":
		if !ok || value == "" {
			if arg == "" {
				arg = "required"
			}
			return "", fmt.Errorf("variable %s: %s", name, arg)
		}
	default:
		if !ok {
			return "", fmt.Errorf("unresolved variable: %s", name)
		}
	}
	return value, nil
}

func validVarName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
