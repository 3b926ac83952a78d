package runrecordstore

import (
	"context"
	"testing"
	"time"
)

func sampleRecord(tenantID, token string, createdAt time.Time) Record {
	return Record{
		TenantID:           tenantID,
		Token:              token,
		CreatedAt:          createdAt,
		VerificationStatus: StatusGreen,
		RecordJSON:         []byte(`{"ok":true}`),
	}
}

func TestFSSaveAndGet(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	record := sampleRecord("acme", "ml_abc", time.Now())

	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Get(context.Background(), "acme", "ml_abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Token != "ml_abc" {
		t.Errorf("Get().Token = %q, want ml_abc", got.Token)
	}
}

func TestFSGetNotFound(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	if _, err := store.Get(context.Background(), "acme", "missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDBModeWithoutConnectionErrors(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeDB, nil)
	record := sampleRecord("acme", "ml_abc", time.Now())
	if err := store.Save(context.Background(), record); err == nil {
		t.Fatal("Save() error = nil, want error for db mode without connection")
	}
}

func TestDualModeFallsBackToFSWhenDBEmpty(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeDual, nil)
	record := sampleRecord("acme", "ml_abc", time.Now())
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Get(context.Background(), "acme", "ml_abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Token != "ml_abc" {
		t.Errorf("Get().Token = %q, want ml_abc", got.Token)
	}
}

func TestUpdateDecisionIsAdditive(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	record := sampleRecord("acme", "ml_abc", time.Now())
	record.EvidenceCount = 7
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	decidedAt := time.Now()
	if err := store.UpdateDecision(context.Background(), "acme", "ml_abc", Decision{
		Decision: "approve", DecidedAt: &decidedAt, DecidedByEmail: "ops@acme.com",
	}); err != nil {
		t.Fatalf("UpdateDecision() error = %v", err)
	}

	got, err := store.Get(context.Background(), "acme", "ml_abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Decision.Decision != "approve" {
		t.Errorf("Decision.Decision = %q, want approve", got.Decision.Decision)
	}
	if got.EvidenceCount != 7 {
		t.Errorf("EvidenceCount = %d, want 7 (should be preserved)", got.EvidenceCount)
	}
}

func TestListOrdersByCreatedAtDescThenTokenDesc(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	now := time.Now()
	store.Save(context.Background(), sampleRecord("acme", "ml_1", now.Add(-time.Hour)))
	store.Save(context.Background(), sampleRecord("acme", "ml_2", now))
	store.Save(context.Background(), sampleRecord("acme", "ml_3", now))

	records, err := store.List(context.Background(), "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(records))
	}
	if records[0].Token != "ml_3" || records[1].Token != "ml_2" {
		t.Errorf("List() order = %v, want ml_3, ml_2 first (same createdAt, token desc)", []string{records[0].Token, records[1].Token})
	}
	if records[2].Token != "ml_1" {
		t.Errorf("List()[2] = %q, want ml_1 (oldest last)", records[2].Token)
	}
}

func TestDeleteRunRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	store.Save(context.Background(), sampleRecord("acme", "ml_abc", time.Now()))

	if err := store.DeleteRun(context.Background(), "acme", "ml_abc"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := store.Get(context.Background(), "acme", "ml_abc"); err != ErrNotFound {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestListTenants(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, ModeFS, nil)
	store.Save(context.Background(), sampleRecord("acme", "ml_1", time.Now()))
	store.Save(context.Background(), sampleRecord("globex", "ml_2", time.Now()))

	tenants, err := store.ListTenants(context.Background())
	if err != nil {
		t.Fatalf("ListTenants() error = %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("ListTenants() = %v, want 2 entries", tenants)
	}
}
