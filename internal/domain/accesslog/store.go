package accesslog

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidQuery is returned when a query is missing its actor or endpoint,
// or its time range is inverted.
var ErrInvalidQuery = errors.New("invalid access log query")

// Query selects the entries of one actor against one endpoint whose
// timestamps fall in [Start, End).
type Query struct {
	ActorID    string
	EndpointID string
	Start      time.Time
	End        time.Time
}

// Validate checks the query.
func (q Query) Validate() error {
	if q.ActorID == "" || q.EndpointID == "" {
		return ErrInvalidQuery
	}
	if !q.End.IsZero() && q.End.Before(q.Start) {
		return ErrInvalidQuery
	}
	return nil
}

// Store archives access log entries outside the registry.
// Interface owned by domain per hexagonal architecture. The registry keeps
// its own embedded logs for admission; a Store serves queries and analytics.
type Store interface {
	// Append stores entries.
	Append(ctx context.Context, entries ...Entry) error

	// QueryWindow returns the matching entries in ascending time order.
	QueryWindow(ctx context.Context, q Query) ([]Entry, error)

	// CountInWindow returns the number of entries QueryWindow would return.
	CountInWindow(ctx context.Context, q Query) (int64, error)

	// DeleteBefore removes entries older than before, across all actors
	// and endpoints. Returns the number of entries deleted.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
