// Package audit contains domain types for the admission audit journal.
package audit

import (
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

// Decision constants for audit records.
const (
	// DecisionAllow marks an admitted request.
	DecisionAllow = "allow"
	// DecisionDeny marks a request denied by its quota.
	DecisionDeny = "deny"
	// DecisionInvalid marks a request rejected before quota evaluation.
	DecisionInvalid = "invalid"
	// DecisionNone marks events that carry no verdict.
	DecisionNone = ""
)

// Record is one journaled domain event, flattened for output and queries.
type Record struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// EventID is the event envelope id.
	EventID string `json:"event_id"`
	// EventName is the stable event name, e.g. "access.limit_exceeded".
	EventName string `json:"event"`
	// AggregateID and Version identify the emitting registry and ordering.
	AggregateID string `json:"aggregate_id"`
	Version     uint64 `json:"version"`

	ActorID    string `json:"actor_id"`
	EndpointID string `json:"endpoint_id,omitempty"`
	Path       string `json:"path,omitempty"`
	Verb       string `json:"verb,omitempty"`
	Tier       string `json:"tier,omitempty"`

	// Decision is allow, deny, invalid or empty.
	Decision string `json:"decision,omitempty"`
	// Reason is the reason code of an invalid access.
	Reason string `json:"reason,omitempty"`

	Count             int `json:"count,omitempty"`
	Limit             int `json:"limit,omitempty"`
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	SourceIP  string `json:"source_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// FromEvent flattens a domain event into a Record.
func FromEvent(e event.Event) Record {
	r := Record{
		Timestamp:   e.OccurredAt,
		EventID:     e.ID,
		EventName:   string(e.Name),
		AggregateID: e.AggregateID,
		Version:     e.Version,
		ActorID:     e.ActorID(),
	}
	switch p := e.Payload.(type) {
	case event.AccessRequested:
		r.EndpointID = p.EndpointID
		r.Path = p.Path
		r.Verb = p.Verb
		r.Tier = p.Tier
	case event.InvalidAccess:
		r.Path = p.Path
		r.Verb = p.Verb
		r.Decision = DecisionInvalid
		r.Reason = p.ReasonCode
	case event.LimitExceeded:
		r.EndpointID = p.EndpointID
		r.Decision = DecisionDeny
		r.Count = p.Count
		r.Limit = p.Limit
		r.RetryAfterSeconds = p.RetryAfterSeconds
	case event.AccessRecorded:
		r.EndpointID = p.EndpointID
		r.Decision = DecisionAllow
		r.SourceIP = p.Metadata.IP
		r.UserAgent = p.Metadata.UserAgent
		r.RequestID = p.Metadata.CorrelationID
	}
	return r
}
