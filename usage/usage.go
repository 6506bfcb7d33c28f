// Package usage defines the append-only audit trail of metered calls.
// Usage records are diagnostic, not authoritative: quota decisions come
// from the entitlement row, never from counting usage rows.
package usage

import (
	"time"

	"github.com/resumly/metering/id"
)

// Record is one metered call. Records are created once and never mutated.
type Record struct {
	ID        id.UsageID `json:"id"`
	UserID    string     `json:"user_id"`
	Route     string     `json:"route"`
	CreatedAt time.Time  `json:"created_at"`
}

// New creates a usage record for a metered call happening now.
func New(userID, route string, at time.Time) *Record {
	return &Record{
		ID:        id.NewUsageID(),
		UserID:    userID,
		Route:     route,
		CreatedAt: at.UTC(),
	}
}

// QueryOpts filters usage audit queries.
type QueryOpts struct {
	Route  string
	Start  time.Time
	End    time.Time
	Limit  int
	Offset int
}
