package adminauth

import "testing"

func TestLocalOperatorAuthenticate(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	op := LocalOperator{Email: "op@example.com", PasswordHash: hash}

	if err := op.Authenticate("op@example.com", "correct-horse-battery-staple"); err != nil {
		t.Errorf("Authenticate() with correct credentials error = %v", err)
	}
	if err := op.Authenticate("op@example.com", "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}
	if err := op.Authenticate("other@example.com", "correct-horse-battery-staple"); err == nil {
		t.Error("expected error for wrong email")
	}
}

func TestLocalOperatorUnconfigured(t *testing.T) {
	var op LocalOperator
	if err := op.Authenticate("op@example.com", "x"); err == nil {
		t.Error("expected error when local operator is unconfigured")
	}
}
