// Package tenantid validates and carries tenant identifiers. Every component
// that touches the data directory takes a validated ID rather than a raw
// string, the same way the teacher's pkg/tenant centralizes identifier
// handling ahead of schema/path resolution.
package tenantid

import (
	"fmt"
	"regexp"
)

var pattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ID is a validated tenant identifier.
type ID string

// Parse validates a raw tenant identifier against spec §3's
// [A-Za-z0-9_-]{1,64} pattern.
func Parse(raw string) (ID, error) {
	if !pattern.MatchString(raw) {
		return "", fmt.Errorf("INVALID_TENANT: %q does not match [A-Za-z0-9_-]{1,64}", raw)
	}
	return ID(raw), nil
}

// String returns the raw identifier.
func (id ID) String() string {
	return string(id)
}
