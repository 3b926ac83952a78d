package adminauth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// LocalOperator is a single bcrypt-hashed operator credential, configured via
// environment variables. There is no multi-user operator table: the ops API
// fronts one settlement backend, not a multi-tenant console.
type LocalOperator struct {
	Email        string
	PasswordHash string
}

// Authenticate verifies email/password against the configured local
// operator. Returns an error for any mismatch, never distinguishing "unknown
// email" from "wrong password" in the message.
func (o LocalOperator) Authenticate(email, password string) error {
	if o.PasswordHash == "" {
		return fmt.Errorf("adminauth: local operator not configured")
	}
	if email != o.Email {
		return fmt.Errorf("adminauth: invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(o.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("adminauth: invalid email or password")
	}
	return nil
}

// HashPassword bcrypt-hashes a plaintext operator password for storage in
// configuration (OPS_LOCAL_PASSWORD_HASH).
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("adminauth: hashing password: %w", err)
	}
	return string(hash), nil
}
