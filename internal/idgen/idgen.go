// Package idgen generates identifiers for scored events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random UUID (e.g. "evt_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s, minus an optional prefix, is a UUID.
func Valid(s, prefix string) bool {
	s = strings.TrimPrefix(s, prefix)
	_, err := uuid.Parse(s)
	return err == nil
}
