// Package accesslog contains the access log entry recorded for every admitted
// request, and the port used to archive entries outside the registry.
package accesslog

import "time"

// Metadata carries optional request attributes. Fields are fixed; there is
// no open-ended bag.
type Metadata struct {
	// IP is the client address as seen by the transport.
	IP string `json:"ip,omitempty"`
	// UserAgent is the client User-Agent header.
	UserAgent string `json:"user_agent,omitempty"`
	// CorrelationID ties the entry to a request ID.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Entry is one admitted request by an actor against an endpoint.
// Entries are append-only.
type Entry struct {
	// ActorID identifies the caller.
	ActorID string `json:"actor_id"`
	// EndpointID is the endpoint key, e.g. "GET /api/users/:id".
	EndpointID string `json:"endpoint_id"`
	// Timestamp is when the request was admitted.
	Timestamp time.Time `json:"timestamp"`
	// Metadata holds optional request attributes.
	Metadata Metadata `json:"metadata,omitzero"`
}

// Timestamps extracts the timestamps of entries, preserving order.
func Timestamps(entries []Entry) []time.Time {
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.Timestamp
	}
	return out
}
