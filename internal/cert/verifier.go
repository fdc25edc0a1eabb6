package cert

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// VerifyConfig mirrors the security.require_signed_snaps and
// security.trusted_snap_keys settings.
type VerifyConfig struct {
	RequireSigned bool
	// TrustedKeys are hex Ed25519 public keys.
	TrustedKeys []string
}

// Verifier checks bundle signatures against the trusted keys.
type Verifier struct {
	required bool
	keys     []ed25519.PublicKey
}

// ParsePublicKey decodes a hex Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	switch {
	case err != nil:
		return nil, fmt.Errorf("cert: public key %q is not hex: %w", s, err)
	case len(raw) != ed25519.PublicKeySize:
		return nil, fmt.Errorf("cert: public key %q has %d bytes, want %d", s, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// NewVerifier parses cfg. Requiring signatures with no trusted key is an
// error, since nothing could ever load.
func NewVerifier(cfg VerifyConfig) (*Verifier, error) {
	v := &Verifier{required: cfg.RequireSigned}
	for _, s := range cfg.TrustedKeys {
		k, err := ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		v.keys = append(v.keys, k)
	}
	if v.required && len(v.keys) == 0 {
		return nil, errors.New("cert: signed snaps are required but no trusted keys are configured")
	}
	return v, nil
}

// Verify checks signatureHex over source. Unsigned bundles pass unless
// signatures are required; a present signature must always verify.
func (v *Verifier) Verify(snapID string, source []byte, signatureHex string) error {
	if signatureHex == "" {
		if v.required {
			return fmt.Errorf("%s: %w", snapID, ErrUnsigned)
		}
		return nil
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%s: %w: malformed signature", snapID, ErrBadSignature)
	}
	digest := Digest(source)
	if slices.ContainsFunc(v.keys, func(k ed25519.PublicKey) bool { return ed25519.Verify(k, digest, sig) }) {
		return nil
	}
	return fmt.Errorf("%s: %w", snapID, ErrBadSignature)
}
