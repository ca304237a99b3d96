// Package idgen mints identifiers for holds, funding requests and
// transactions.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered (version 7) UUID so ids sort roughly by
// creation. It falls back to a random v4 if the clock source fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix followed by New, e.g. "hold-0190...".
func WithPrefix(prefix string) string {
	return prefix + New()
}
