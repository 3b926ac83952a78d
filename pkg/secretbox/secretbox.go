// Package secretbox implements the envelope AEAD encryption of at-rest
// secrets described in spec §4.2: AES-256-GCM, iv(12) || tag(16) || ct,
// base64-wrapped with literal prefix "enc:v1:".
//
// No third-party AEAD library is used — golang.org/x/crypto does not add an
// AES-GCM implementation beyond what crypto/cipher already provides (see
// DESIGN.md), and the teacher repo does no client-side encryption of its
// own to imitate here.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix identifies an envelope-encrypted secret.
const Prefix = "enc:v1:"

// KeySize is the required raw AES-256 key length in bytes.
const KeySize = 32

// Box encrypts and decrypts secrets at rest with a single 32-byte key.
// A nil or zero-value Box (no key loaded) causes Decrypt to return nil per
// spec's "on missing key return null" rule, and Encrypt to return the
// plaintext unchanged (so settings without MAGIC_LINK_SETTINGS_KEY_HEX
// configured still round-trip through load/save).
type Box struct {
	key []byte // nil means "no key configured"
}

// New wraps a raw 32-byte AEAD key.
func New(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secretbox: key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// NoKey returns a Box with no encryption key configured.
func NoKey() *Box {
	return &Box{}
}

// HasKey reports whether an AEAD key is configured.
func (b *Box) HasKey() bool {
	return b != nil && len(b.key) == KeySize
}

// Encrypt wraps plaintext in the enc:v1: envelope. If no key is configured,
// the plaintext is returned unchanged — callers persist it as-is, matching
// "plaintext secrets are encrypted if a settings-key is available".
func (b *Box) Encrypt(plaintext string) (string, error) {
	if !b.HasKey() {
		return plaintext, nil
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secretbox: creating gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("secretbox: reading nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// sealed = ciphertext || tag(16); spec wants iv(12) || tag(16) || ct.
	tagStart := len(sealed) - gcm.Overhead()
	ct := sealed[:tagStart]
	tag := sealed[tagStart:]

	payload := make([]byte, 0, len(iv)+len(tag)+len(ct))
	payload = append(payload, iv...)
	payload = append(payload, tag...)
	payload = append(payload, ct...)

	return Prefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt unwraps an enc:v1: envelope. Per spec: input lacking the prefix is
// returned verbatim (plaintext legacy); a missing key or an authentication
// failure both return ("", nil) — the caller treats that as "secret
// unavailable", never an error, and never logs the envelope bytes.
func (b *Box) Decrypt(input string) (string, error) {
	if !strings.HasPrefix(input, Prefix) {
		return input, nil
	}
	if !b.HasKey() {
		return "", nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(input, Prefix))
	if err != nil {
		return "", nil
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secretbox: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secretbox: creating gcm: %w", err)
	}

	ivLen := gcm.NonceSize()
	tagLen := gcm.Overhead()
	if len(payload) < ivLen+tagLen {
		return "", nil
	}

	iv := payload[:ivLen]
	tag := payload[ivLen : ivLen+tagLen]
	ct := payload[ivLen+tagLen:]

	// Reassemble into Go's "ciphertext || tag" expectation for gcm.Open.
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", nil // auth failure: return null, never propagate the error
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether s carries the enc:v1: envelope prefix.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// ErrInvalidKeyHex is returned by ParseKeyHex on malformed input.
var ErrInvalidKeyHex = errors.New("secretbox: key hex must decode to 32 bytes")

// ParseKeyHex decodes MAGIC_LINK_SETTINGS_KEY_HEX (64 hex chars) into a Box.
// An empty string yields NoKey() rather than an error, since the key is
// optional.
func ParseKeyHex(hexKey string) (*Box, error) {
	if hexKey == "" {
		return NoKey(), nil
	}
	if len(hexKey) != KeySize*2 {
		return nil, ErrInvalidKeyHex
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKeyHex
	}
	return New(key)
}
