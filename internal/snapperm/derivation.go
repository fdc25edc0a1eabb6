package snapperm

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Supported curves.
const (
	CurveSecp256k1 = "secp256k1"
	CurveEd25519   = "ed25519"
)

const hardenedOffset = 1 << 31

var segmentPattern = regexp.MustCompile(`^(?:bip32:)?(\d+)('?)$`)

// DerivationPath is a BIP-32 path plus curve, as granted by the
// permittedDerivationPaths caveat and requested by snap_getBip32*.
type DerivationPath struct {
	Path  []string `json:"path"`
	Curve string   `json:"curve,omitempty"`
}

// Normalize returns the canonical form: a leading "m" segment, every
// index written as bip32:N or bip32:N', and an explicit curve
// (secp256k1 by default). "44'" and "bip32:44'" are the same segment.
func (d DerivationPath) Normalize() (DerivationPath, error) {
	curve := d.Curve
	if curve == "" {
		curve = CurveSecp256k1
	}
	if curve != CurveSecp256k1 && curve != CurveEd25519 {
		return DerivationPath{}, fmt.Errorf("unsupported curve %q", d.Curve)
	}

	segments := d.Path
	if len(segments) > 0 && segments[0] == "m" {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return DerivationPath{}, fmt.Errorf("derivation path %v has no indices", d.Path)
	}

	out := make([]string, 0, len(segments)+1)
	out = append(out, "m")
	for _, seg := range segments {
		m := segmentPattern.FindStringSubmatch(seg)
		if m == nil {
			return DerivationPath{}, fmt.Errorf("invalid derivation path segment %q", seg)
		}
		index, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil || index >= hardenedOffset {
			return DerivationPath{}, fmt.Errorf("derivation index %q out of range", seg)
		}
		hardened := m[2] == "'"
		if curve == CurveEd25519 && !hardened {
			return DerivationPath{}, fmt.Errorf("ed25519 requires hardened indices, got %q", seg)
		}
		out = append(out, "bip32:"+strconv.FormatUint(index, 10)+m[2])
	}
	return DerivationPath{Path: out, Curve: curve}, nil
}

// Equal reports whether two normalized paths are identical.
func (d DerivationPath) Equal(o DerivationPath) bool {
	return d.Curve == o.Curve && slices.Equal(d.Path, o.Path)
}

func (d DerivationPath) String() string {
	return d.Curve + ":" + strings.Join(d.Path, "/")
}
