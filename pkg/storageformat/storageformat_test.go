package storageformat

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestEnsureUpToDateUninitialized(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureUpToDate(dir, false); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
}

func TestEnsureUpToDateCreatesMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	m, err := EnsureUpToDate(dir, true)
	if err != nil {
		t.Fatalf("EnsureUpToDate() error = %v", err)
	}
	if m.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", m.Version, CurrentVersion)
	}

	// Idempotent: a second call at the same version succeeds without change.
	m2, err := EnsureUpToDate(dir, false)
	if err != nil {
		t.Fatalf("second EnsureUpToDate() error = %v", err)
	}
	if m2.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", m2.Version, CurrentVersion)
	}
}

func TestEnsureUpToDateTooNew(t *testing.T) {
	dir := t.TempDir()
	if _, err := writeMarker(dir, CurrentVersion+1); err != nil {
		t.Fatalf("writeMarker() error = %v", err)
	}
	if _, err := EnsureUpToDate(dir, true); !errors.Is(err, ErrTooNew) {
		t.Fatalf("err = %v, want ErrTooNew", err)
	}
}

func TestCheckNeverWrites(t *testing.T) {
	dir := t.TempDir()
	if _, err := Check(dir); !errors.Is(err, ErrUninitialized) {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
	m, err := readMarker(dir)
	if err != nil {
		t.Fatalf("readMarker() error = %v", err)
	}
	if m != nil {
		t.Fatalf("Check() wrote a format marker: %+v", m)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrUninitialized, 3},
		{ErrTooNew, 4},
		{ErrFormatInvalid, 5},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
