// Package storageformat implements the data-dir version marker and
// startup check/migrate protocol of spec §4.1. A single format.json file
// records the schema version; every other write path in the process must
// refuse to proceed if this check fails.
package storageformat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SchemaVersion is the format.json schemaVersion tag.
const SchemaVersion = "MagicLinkDataFormat.v1"

// CurrentVersion is the latest data-dir layout version this binary
// understands.
const CurrentVersion = 1

// Marker is the on-disk format.json document.
type Marker struct {
	SchemaVersion string    `json:"schemaVersion"`
	Version       int       `json:"version"`
	WrittenAt     time.Time `json:"writtenAt"`
}

// Error codes from spec §7 Storage taxonomy.
var (
	ErrUninitialized   = errors.New("DATA_DIR_UNINITIALIZED")
	ErrTooNew          = errors.New("DATA_DIR_TOO_NEW")
	ErrFormatInvalid   = errors.New("DATA_DIR_FORMAT_INVALID")
	ErrMigrationsOff   = errors.New("MIGRATIONS_DISABLED")
)

func markerPath(dataDir string) string {
	return filepath.Join(dataDir, "format.json")
}

// migration applies an in-place upgrade from one version to the next.
// Registered in order; index i upgrades version i+1 to i+2.
type migration func(dataDir string) error

var migrations = []migration{
	// v1 has no predecessor; CURRENT starts at 1. Future migrations append
	// here, e.g. func(dataDir string) error { ... } for v1 -> v2.
}

// Check performs a non-writing validation of the data directory's format
// marker, used by `storage-cli check`. It never mutates the data directory.
func Check(dataDir string) (*Marker, error) {
	m, err := readMarker(dataDir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUninitialized
	}
	if m.Version > CurrentVersion {
		return nil, ErrTooNew
	}
	return m, nil
}

// EnsureUpToDate performs the startup check described in spec §4.1: if the
// marker is absent and migrateOnStartup is set, it is written at
// CurrentVersion; if it is older than CurrentVersion, registered migrations
// run in order and the marker is rewritten; if it is newer, startup fails
// with ErrTooNew.
func EnsureUpToDate(dataDir string, migrateOnStartup bool) (*Marker, error) {
	m, err := readMarker(dataDir)
	if err != nil {
		return nil, err
	}

	if m == nil {
		if !migrateOnStartup {
			return nil, ErrUninitialized
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return writeMarker(dataDir, CurrentVersion)
	}

	if m.Version > CurrentVersion {
		return nil, ErrTooNew
	}

	if m.Version < CurrentVersion {
		if !migrateOnStartup {
			return nil, ErrMigrationsOff
		}
		for v := m.Version; v < CurrentVersion; v++ {
			if v-1 < 0 || v-1 >= len(migrations) {
				continue
			}
			if err := migrations[v-1](dataDir); err != nil {
				return nil, fmt.Errorf("applying migration to v%d: %w", v+1, err)
			}
		}
		return writeMarker(dataDir, CurrentVersion)
	}

	return m, nil
}

// Migrate is the writing counterpart used by `storage-cli migrate`: it
// always attempts EnsureUpToDate with migrations enabled.
func Migrate(dataDir string) (*Marker, error) {
	return EnsureUpToDate(dataDir, true)
}

func readMarker(dataDir string) (*Marker, error) {
	raw, err := os.ReadFile(markerPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading format marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormatInvalid, err)
	}
	return &m, nil
}

func writeMarker(dataDir string, version int) (*Marker, error) {
	m := &Marker{
		SchemaVersion: SchemaVersion,
		Version:       version,
		WrittenAt:     time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling format marker: %w", err)
	}
	tmp := markerPath(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return nil, fmt.Errorf("writing format marker: %w", err)
	}
	if err := os.Rename(tmp, markerPath(dataDir)); err != nil {
		return nil, fmt.Errorf("renaming format marker: %w", err)
	}
	return m, nil
}

// ExitCode maps a Check error to the `storage-cli check` exit-code taxonomy
// of spec §6: 0 success, 3 uninitialized, 4 too new, 5 invalid format, 1 any
// other failure. `storage-cli migrate` does not use it; it exits 0 on
// success and 1 on any failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUninitialized):
		return 3
	case errors.Is(err, ErrTooNew):
		return 4
	case errors.Is(err, ErrFormatInvalid):
		return 5
	default:
		return 1
	}
}
