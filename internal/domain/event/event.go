// Package event defines the domain events emitted by admission control.
//
// Events share one envelope and carry exactly one payload from a closed set.
// Consumers dispatch on Name or with a type switch over Payload.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
)

// Name is the stable event name used for subscription.
type Name string

// Stable event names.
const (
	NameAccessRequested Name = "access.requested"
	NameInvalidAccess   Name = "access.invalid"
	NameLimitExceeded   Name = "access.limit_exceeded"
	NameAccessRecorded  Name = "access.recorded"
)

// PayloadVersion is bumped whenever a payload shape changes incompatibly.
const PayloadVersion = 1

// Names lists every event name.
var Names = []Name{NameAccessRequested, NameInvalidAccess, NameLimitExceeded, NameAccessRecorded}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	EventName() Name
	payload()
}

// AccessRequested is emitted once a request passed authorization.
type AccessRequested struct {
	ActorID    string `json:"actor_id"`
	EndpointID string `json:"endpoint_id"`
	Path       string `json:"path"`
	Verb       string `json:"verb"`
	Tier       string `json:"tier"`
}

// InvalidAccess is emitted before a security-relevant rejection is returned.
type InvalidAccess struct {
	ActorID    string `json:"actor_id"`
	Path       string `json:"path"`
	Verb       string `json:"verb"`
	ReasonCode string `json:"reason_code"`
}

// LimitExceeded is emitted when a request is denied by its quota.
type LimitExceeded struct {
	ActorID           string `json:"actor_id"`
	EndpointID        string `json:"endpoint_id"`
	Count             int    `json:"count"`
	Limit             int    `json:"limit"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// AccessRecorded is emitted after an access log entry was appended.
type AccessRecorded struct {
	ActorID    string             `json:"actor_id"`
	EndpointID string             `json:"endpoint_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Metadata   accesslog.Metadata `json:"metadata,omitzero"`
}

func (AccessRequested) EventName() Name { return NameAccessRequested }
func (InvalidAccess) EventName() Name   { return NameInvalidAccess }
func (LimitExceeded) EventName() Name   { return NameLimitExceeded }
func (AccessRecorded) EventName() Name  { return NameAccessRecorded }

func (AccessRequested) payload() {}
func (InvalidAccess) payload()   {}
func (LimitExceeded) payload()   {}
func (AccessRecorded) payload()  {}

// Entry returns the access log entry described by the event.
func (p AccessRecorded) Entry() accesslog.Entry {
	return accesslog.Entry{
		ActorID:    p.ActorID,
		EndpointID: p.EndpointID,
		Timestamp:  p.Timestamp,
		Metadata:   p.Metadata,
	}
}

// Event is the envelope shared by all domain events.
type Event struct {
	ID             string    `json:"id"`
	Name           Name      `json:"name"`
	AggregateID    string    `json:"aggregate_id"`
	Version        uint64    `json:"version"`
	PayloadVersion int       `json:"payload_version"`
	OccurredAt     time.Time `json:"occurred_at"`
	Payload        Payload   `json:"payload"`
}

// New wraps p in an envelope with a fresh id.
func New(aggregateID string, version uint64, occurredAt time.Time, p Payload) Event {
	return Event{
		ID:             uuid.NewString(),
		Name:           p.EventName(),
		AggregateID:    aggregateID,
		Version:        version,
		PayloadVersion: PayloadVersion,
		OccurredAt:     occurredAt,
		Payload:        p,
	}
}

// ActorID returns the actor carried by the payload.
func (e Event) ActorID() string {
	switch p := e.Payload.(type) {
	case AccessRequested:
		return p.ActorID
	case InvalidAccess:
		return p.ActorID
	case LimitExceeded:
		return p.ActorID
	case AccessRecorded:
		return p.ActorID
	}
	return ""
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event) error

// Publisher delivers events to subscribers. Delivery guarantees belong to
// the implementation; publishers must preserve the order of events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}
