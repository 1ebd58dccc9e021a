package audit

import (
	"context"
	"time"
)

// Store persists audit records.
// Interface owned by domain per hexagonal architecture.
// Implementation handles batching and async writes.
type Store interface {
	// Append stores audit records. Must be non-blocking from caller perspective.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for audit queries.
type Filter struct {
	// StartTime is the beginning of the time range (optional).
	StartTime time.Time
	// EndTime is the end of the time range (optional).
	EndTime time.Time
	// ActorID filters by actor (optional).
	ActorID string
	// EndpointID filters by endpoint key (optional).
	EndpointID string
	// EventName filters by event name (optional).
	EventName string
	// Decision filters by decision (optional).
	Decision string
	// Limit is the maximum number of records to return (default 100, max 1000).
	Limit int
}

// Matches reports whether rec satisfies every set field of f. Limit is
// ignored.
func (f Filter) Matches(rec Record) bool {
	if !f.StartTime.IsZero() && rec.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.Timestamp.After(f.EndTime) {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.EndpointID != "" && rec.EndpointID != f.EndpointID {
		return false
	}
	if f.EventName != "" && rec.EventName != f.EventName {
		return false
	}
	return f.Decision == "" || rec.Decision == f.Decision
}

// QueryStore provides read access to recent audit records.
type QueryStore interface {
	// GetRecent returns the n most recent records, newest first.
	GetRecent(n int) []Record

	// Query returns records matching the filter, newest first.
	Query(filter Filter) []Record
}
