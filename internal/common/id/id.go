// Package id generates the short opaque identifiers used for sessions,
// sandboxes, jobs, and workers.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// shortLen is the number of hex characters kept from the UUID. 12 characters
// (48 bits) keeps ids URL-friendly while collisions stay negligible at the
// fleet sizes a single coordination store serves.
const shortLen = 12

// New returns a new short identifier.
func New() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:shortLen]
}

// NewPrefixed returns a short identifier with a type prefix, e.g. "job-3fa8...".
func NewPrefixed(prefix string) string {
	return prefix + "-" + New()
}
