// Package cert signs and verifies snap bundles with Ed25519. A signature
// covers the BLAKE3 digest of the bundle source, the same digest the
// execution service logs for every started snap.
package cert

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/flemzord/snaphost/internal/security"
)

var (
	// ErrUnsigned is returned when a signature is required but missing.
	ErrUnsigned = errors.New("cert: snap bundle is not signed")
	// ErrBadSignature is returned when no trusted key verifies a signature.
	ErrBadSignature = errors.New("cert: no trusted key verified the signature")
)

// Digest returns the BLAKE3-256 digest of a bundle.
func Digest(source []byte) []byte {
	sum := blake3.Sum256(source)
	return sum[:]
}

// Sign returns the Ed25519 signature of the bundle's digest.
func Sign(key ed25519.PrivateKey, source []byte) []byte {
	return ed25519.Sign(key, Digest(source))
}

// GenerateKey returns a new key pair, hex encoded. The private half is the
// 32-byte seed.
func GenerateKey() (public, seed string, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", "", fmt.Errorf("cert: generating key: %w", err)
	}
	return hex.EncodeToString(pub), hex.EncodeToString(priv.Seed()), nil
}

// LoadPrivateKey reads a hex-encoded seed written by GenerateKey.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	if err := security.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("cert: key file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cert: reading key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("cert: decoding key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("cert: key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
