package adminauth

import (
	"strings"
	"testing"
	"time"
)

func TestNewSessionManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewSessionManager("short", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), time.Hour)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}

	token, err := sm.IssueToken(SessionClaims{Subject: "op@example.com", Email: "op@example.com", Method: MethodLocal})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("expected a compact JWS, got %q", token)
	}

	claims, err := sm.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Email != "op@example.com" || claims.Method != MethodLocal {
		t.Errorf("claims = %+v, unexpected", claims)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	sm, err := NewSessionManager(GenerateDevSecret(), -time.Minute)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	token, err := sm.IssueToken(SessionClaims{Subject: "op@example.com"})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := sm.ValidateToken(token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	sm1, _ := NewSessionManager(GenerateDevSecret(), time.Hour)
	sm2, _ := NewSessionManager(GenerateDevSecret(), time.Hour)

	token, err := sm1.IssueToken(SessionClaims{Subject: "op@example.com"})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := sm2.ValidateToken(token); err == nil {
		t.Fatal("expected error validating token signed with a different key")
	}
}
