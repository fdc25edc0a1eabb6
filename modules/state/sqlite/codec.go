package sqlite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/flemzord/snaphost/internal/security"
)

// ErrNoIdentity is returned when an encrypted blob is read without an
// age identity configured.
var ErrNoIdentity = errors.New("sqlite: state is encrypted but no age identity is configured")

// codec turns snap state into the stored blob: zstd first, then age when
// an identity is set. Compressing before encrypting is the only order
// that compresses at all.
type codec struct {
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	identity *age.X25519Identity
}

func newCodec(identity *age.X25519Identity) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("sqlite: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec, identity: identity}, nil
}

func (c *codec) close() {
	c.decoder.Close()
	_ = c.encoder.Close()
}

// seal encodes plaintext and reports whether the result is encrypted.
func (c *codec) seal(plaintext []byte) ([]byte, bool, error) {
	compressed := c.encoder.EncodeAll(plaintext, nil)
	if c.identity == nil {
		return compressed, false, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.identity.Recipient())
	if err != nil {
		return nil, false, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, false, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), true, nil
}

// open reverses seal.
func (c *codec) open(blob []byte, encrypted bool) ([]byte, error) {
	if encrypted {
		if c.identity == nil {
			return nil, ErrNoIdentity
		}
		r, err := age.Decrypt(bytes.NewReader(blob), c.identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting: %w", err)
		}
		if blob, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted state: %w", err)
		}
	}
	plaintext, err := c.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return plaintext, nil
}

// LoadIdentity reads an age X25519 identity from path. Comment and blank
// lines are skipped, as in files written by age-keygen.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	if err := security.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("sqlite: age_identity_file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading age identity: %w", err)
	}
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parsing age identity: %w", err)
		}
		return id, nil
	}
	return nil, fmt.Errorf("sqlite: %s holds no age identity", path)
}
