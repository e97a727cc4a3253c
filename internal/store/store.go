// Package store implements the hybrid persistence policy: a badger-backed
// hot store written on every accepted mutation, and a redis-backed cold
// store written at session-idle boundaries and on REST writes.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/stepseq/stepseq/internal/doc"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("store: not found")

// SchemaVersion gates future migrations of persisted documents.
const SchemaVersion = 1

// SessionRecord is the cold-store layout under key "session:{id}".
type SessionRecord struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
	LastAccessedAt  time.Time            `json:"lastAccessedAt"`
	RemixedFrom     string               `json:"remixedFrom,omitempty"`
	RemixedFromName string               `json:"remixedFromName,omitempty"`
	RemixCount      int                  `json:"remixCount"`
	Immutable       bool                 `json:"immutable"`
	State           *doc.SessionDocument `json:"state"`
}

// QuotaError signals a storage write rejected for quota reasons. RetryAfter
// tells REST callers what to put on the 503 Retry-After header; the quota
// window resets at midnight UTC.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("store: write quota exceeded, retry after %s", e.RetryAfter)
}

// UntilMidnightUTC returns the remaining time in the current UTC day.
func UntilMidnightUTC(now time.Time) time.Duration {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}

// IsQuota reports whether err is a quota rejection.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
