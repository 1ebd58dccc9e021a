// Package service contains application services.
package service

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

type outcome int

const (
	outcomeRequested outcome = iota
	outcomeAllowed
	outcomeInvalid
	outcomeLimited
	outcomeError
	numOutcomes
)

// tally is a set of named counters.
type tally struct {
	mu sync.Mutex
	m  map[string]int64
}

func (t *tally) inc(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[string]int64)
	}
	t.m[key]++
	t.mu.Unlock()
}

func (t *tally) snapshot() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		return map[string]int64{}
	}
	return maps.Clone(t.m)
}

func (t *tally) clear() {
	t.mu.Lock()
	t.m = nil
	t.mu.Unlock()
}

// StatsService counts admission outcomes. It is fed by the event bus and by
// the HTTP adapter for internal failures; every method is safe for
// concurrent use.
type StatsService struct {
	totals     [numOutcomes]atomic.Int64
	byReason   tally
	byEndpoint tally
}

// NewStatsService returns a StatsService with every counter at zero.
func NewStatsService() *StatsService {
	return &StatsService{}
}

// HandleEvent has the event.Handler signature and never fails.
func (s *StatsService) HandleEvent(_ context.Context, e event.Event) error {
	switch p := e.Payload.(type) {
	case event.AccessRequested:
		s.totals[outcomeRequested].Add(1)
	case event.AccessRecorded:
		s.RecordAllow(p.EndpointID)
	case event.LimitExceeded:
		s.RecordRateLimited()
	case event.InvalidAccess:
		s.RecordInvalid(p.ReasonCode)
	}
	return nil
}

// RecordAllow counts an admitted request against endpointID.
func (s *StatsService) RecordAllow(endpointID string) {
	s.totals[outcomeAllowed].Add(1)
	s.byEndpoint.inc(endpointID)
}

// RecordInvalid counts a rejected request under its reason code.
func (s *StatsService) RecordInvalid(reason string) {
	s.totals[outcomeInvalid].Add(1)
	s.byReason.inc(reason)
}

// RecordRateLimited counts a request denied by its quota.
func (s *StatsService) RecordRateLimited() {
	s.totals[outcomeLimited].Add(1)
}

// RecordError counts an admission check that failed internally.
func (s *StatsService) RecordError() {
	s.totals[outcomeError].Add(1)
}

// Stats is a point-in-time copy of the counters. Each counter is read
// atomically; the set as a whole is not.
type Stats struct {
	Requested      int64            `json:"requested"`
	Allowed        int64            `json:"allowed"`
	Invalid        int64            `json:"invalid"`
	RateLimited    int64            `json:"rate_limited"`
	Errors         int64            `json:"errors"`
	ReasonCounts   map[string]int64 `json:"reason_counts"`
	EndpointCounts map[string]int64 `json:"endpoint_counts"`
}

// GetStats returns the current counters.
func (s *StatsService) GetStats() Stats {
	return Stats{
		Requested:      s.totals[outcomeRequested].Load(),
		Allowed:        s.totals[outcomeAllowed].Load(),
		Invalid:        s.totals[outcomeInvalid].Load(),
		RateLimited:    s.totals[outcomeLimited].Load(),
		Errors:         s.totals[outcomeError].Load(),
		ReasonCounts:   s.byReason.snapshot(),
		EndpointCounts: s.byEndpoint.snapshot(),
	}
}

// Reset zeroes every counter.
func (s *StatsService) Reset() {
	for i := range s.totals {
		s.totals[i].Store(0)
	}
	s.byReason.clear()
	s.byEndpoint.clear()
}
