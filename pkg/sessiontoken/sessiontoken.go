// Package sessiontoken implements the buyer session token of spec §4.6: a
// compact base64url(payload).base64url(HMAC-SHA256) token, deliberately not
// a JWT — this is the one place spec.md mandates a bespoke wire format, so
// unlike internal/adminauth (which reuses the teacher's go-jose JWT
// approach for operator logins) this package hand-rolls HMAC-SHA256 over
// crypto/hmac, matching internal/auth/session.go's signing primitive without
// its JOSE framing.
package sessiontoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion tags the payload shape.
const SchemaVersion = "MagicLinkBuyerSession.v1"

// MinKeyLength is the minimum accepted HMAC signing key length.
const MinKeyLength = 16

// Error codes from spec §7.
var (
	ErrSessionKeyMissing  = errors.New("SESSION_KEY_MISSING")
	ErrInvalidSessionInput = errors.New("INVALID_SESSION_INPUT")
	ErrSessionInvalid     = errors.New("SESSION_INVALID")
	ErrSessionExpired     = errors.New("SESSION_EXPIRED")
)

// Payload is the JSON embedded in the token's first segment.
type Payload struct {
	SchemaVersion string    `json:"schemaVersion"`
	TenantID      string    `json:"tenantId"`
	Email         string    `json:"email"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Nonce         string    `json:"nonce"`
}

// Signer issues and verifies buyer session tokens with a single HMAC key.
type Signer struct {
	key []byte
}

// New creates a Signer. The key must be at least MinKeyLength bytes.
func New(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, ErrSessionKeyMissing
	}
	return &Signer{key: key}, nil
}

// Create issues a token for (tenantID, email) valid for ttl.
func (s *Signer) Create(tenantID, email string, ttl time.Duration) (string, error) {
	if tenantID == "" || email == "" {
		return "", ErrInvalidSessionInput
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("sessiontoken: reading nonce: %w", err)
	}

	now := time.Now().UTC()
	payload := Payload{
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
		Nonce:         hex.EncodeToString(nonce),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("sessiontoken: marshaling payload: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	sig := s.sign(payloadB64)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return payloadB64 + "." + sigB64, nil
}

func (s *Signer) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// Verify validates a token's signature and expiry and returns its payload.
func (s *Signer) Verify(token string) (*Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrSessionInvalid
	}

	wantSig := s.sign(parts[0])
	gotSig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrSessionInvalid
	}
	if subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return nil, ErrSessionInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrSessionInvalid
	}

	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, ErrSessionInvalid
	}
	if payload.SchemaVersion != SchemaVersion {
		return nil, ErrSessionInvalid
	}

	payload.Email = strings.ToLower(payload.Email)

	if time.Now().UTC().After(payload.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	return &payload, nil
}
