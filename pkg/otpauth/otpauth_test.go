package otpauth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/settld/backend/pkg/tenantid"
)

func testTenant(t *testing.T) tenantid.ID {
	t.Helper()
	id, err := tenantid.Parse("acme")
	if err != nil {
		t.Fatalf("tenantid.Parse() error = %v", err)
	}
	return id
}

func readOutboxCode(t *testing.T, store *Store, tenantID tenantid.ID, email string) string {
	t.Helper()
	raw, err := os.ReadFile(store.outboxPath(tenantID, email))
	if err != nil {
		t.Fatalf("reading outbox: %v", err)
	}
	var doc struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshaling outbox: %v", err)
	}
	return doc.Code
}

func TestIssueAndVerifyHappyPath(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	tenant := testTenant(t)

	if err := Issue(context.Background(), store, tenant, "Buyer@Example.com", 300, DeliveryRecord); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	code := readOutboxCode(t, store, tenant, "buyer@example.com")

	if err := VerifyAndConsume(store, tenant, "buyer@example.com", code, 3); err != nil {
		t.Fatalf("VerifyAndConsume() error = %v", err)
	}

	if err := VerifyAndConsume(store, tenant, "buyer@example.com", code, 3); !errors.Is(err, ErrOTPConsumed) {
		t.Fatalf("second VerifyAndConsume() error = %v, want ErrOTPConsumed", err)
	}
}

func TestVerifyMissing(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	tenant := testTenant(t)

	if err := VerifyAndConsume(store, tenant, "nobody@example.com", "000000", 3); !errors.Is(err, ErrOTPMissing) {
		t.Fatalf("error = %v, want ErrOTPMissing", err)
	}
}

func TestVerifyLockout(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	tenant := testTenant(t)

	if err := Issue(context.Background(), store, tenant, "buyer@example.com", 300, DeliveryRecord); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		err := VerifyAndConsume(store, tenant, "buyer@example.com", "wrong0"+string(rune('0'+i)), 3)
		if i < 2 && !errors.Is(err, ErrOTPInvalid) {
			t.Fatalf("attempt %d: error = %v, want ErrOTPInvalid", i, err)
		}
		if i == 2 && !errors.Is(err, ErrOTPLocked) {
			t.Fatalf("attempt %d: error = %v, want ErrOTPLocked", i, err)
		}
	}

	code := readOutboxCode(t, store, tenant, "buyer@example.com")
	if err := VerifyAndConsume(store, tenant, "buyer@example.com", code, 3); !errors.Is(err, ErrOTPLocked) {
		t.Fatalf("correct code after lockout: error = %v, want ErrOTPLocked", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		email   string
		wantErr bool
	}{
		{"Foo@Bar.com", false},
		{"  foo@bar.com  ", false},
		{"no-at-sign", true},
		{"two@at@signs.com", true},
		{"has space@bar.com", true},
	}
	for _, tt := range tests {
		_, err := NormalizeEmail(tt.email)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
		}
	}
}

func TestIssueInvalidTTL(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)
	tenant := testTenant(t)
	if err := Issue(context.Background(), store, tenant, "buyer@example.com", 0, DeliveryRecord); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("error = %v, want ErrInvalidTTL", err)
	}
}
