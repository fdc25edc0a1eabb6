package cert

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newKey(t *testing.T, dir string) (pub, keyPath string) {
	t.Helper()
	pub, seed, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	keyPath = filepath.Join(dir, "snap.key")
	if err := os.WriteFile(keyPath, []byte(seed+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return pub, keyPath
}

func TestNewVerifier_RequiredNoKeys(t *testing.T) {
	t.Parallel()
	if _, err := NewVerifier(VerifyConfig{RequireSigned: true}); err == nil {
		t.Error("expected error when signatures are required with no keys")
	}
}

func TestNewVerifier_InvalidKeys(t *testing.T) {
	t.Parallel()
	for name, key := range map[string]string{
		"not hex": "not-hex",
		"short":   hex.EncodeToString([]byte("short")),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewVerifier(VerifyConfig{TrustedKeys: []string{key}}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVerifier(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pub, keyPath := newKey(t, dir)
	_, otherPath := newKey(t, t.TempDir())

	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	other, err := LoadPrivateKey(otherPath)
	if err != nil {
		t.Fatal(err)
	}

	source := []byte("module.exports.onRpcRequest = () => 1;")
	good := hex.EncodeToString(Sign(key, source))
	foreign := hex.EncodeToString(Sign(other, source))

	optional, err := NewVerifier(VerifyConfig{TrustedKeys: []string{pub}})
	if err != nil {
		t.Fatal(err)
	}
	required, err := NewVerifier(VerifyConfig{RequireSigned: true, TrustedKeys: []string{pub}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		v       *Verifier
		source  []byte
		sig     string
		wantErr error
	}{
		{"optional unsigned", optional, source, "", nil},
		{"optional signed", optional, source, good, nil},
		{"optional foreign key", optional, source, foreign, ErrBadSignature},
		{"required unsigned", required, source, "", ErrUnsigned},
		{"required signed", required, source, good, nil},
		{"tampered source", required, append(source, ' '), good, ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.v.Verify("local:test", tt.source, tt.sig)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := required.Verify("local:test", source, "zz"); err == nil {
		t.Error("expected error for non-hex signature")
	}
}

func TestLoadPrivateKey_Invalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"not hex":    "zz",
		"wrong size": hex.EncodeToString([]byte("tiny")),
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPrivateKey(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadPrivateKey(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
