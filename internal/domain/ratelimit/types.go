// Package ratelimit provides the quota value types used by admission control:
// tiers, limits, counting windows and the resulting decision.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidLimit is returned when a limit has a non-positive request count
// or window size.
var ErrInvalidLimit = errors.New("invalid rate limit")

// Tier is a named quota class assigned to an actor upstream.
type Tier string

const (
	// TierAnonymous is the tier of an unidentified caller.
	TierAnonymous Tier = ""

	// Tier1 is the entry tier.
	Tier1 Tier = "TIER1"

	// Tier2 is the intermediate tier.
	Tier2 Tier = "TIER2"

	// Tier3 is the top tier. Only Tier3 may reach internal endpoints.
	Tier3 Tier = "TIER3"
)

// KnownTiers lists the authenticated tiers in ascending order.
var KnownTiers = []Tier{Tier1, Tier2, Tier3}

// TopTier is the highest authenticated tier.
const TopTier = Tier3

// ParseTier parses a tier name case-insensitively. The empty string parses
// to TierAnonymous.
func ParseTier(s string) (Tier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TierAnonymous, nil
	}
	t := Tier(strings.ToUpper(s))
	if !t.Known() {
		return TierAnonymous, fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Known reports whether t is one of the authenticated tiers.
func (t Tier) Known() bool {
	for _, k := range KnownTiers {
		if t == k {
			return true
		}
	}
	return false
}

// String returns the tier name, or "anonymous" for the empty tier.
func (t Tier) String() string {
	if t == TierAnonymous {
		return "anonymous"
	}
	return string(t)
}

// Limit is a request quota: at most MaxRequests within Window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// NewLimit builds a validated Limit from a request count and a window size
// in seconds.
func NewLimit(maxRequests, windowSeconds int) (Limit, error) {
	l := Limit{MaxRequests: maxRequests, Window: time.Duration(windowSeconds) * time.Second}
	if err := l.Validate(); err != nil {
		return Limit{}, err
	}
	return l, nil
}

// Validate checks that the limit is usable.
func (l Limit) Validate() error {
	if l.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidLimit, l.MaxRequests)
	}
	if l.Window < time.Second {
		return fmt.Errorf("%w: window must be at least 1s, got %s", ErrInvalidLimit, l.Window)
	}
	return nil
}

// WindowSeconds returns the window size in whole seconds.
func (l Limit) WindowSeconds() int {
	return int(l.Window / time.Second)
}

// String formats the limit as "60/60s".
func (l Limit) String() string {
	return fmt.Sprintf("%d/%ds", l.MaxRequests, l.WindowSeconds())
}

// Spec returns the serializable form of the limit.
func (l Limit) Spec() LimitSpec {
	return LimitSpec{MaxRequests: l.MaxRequests, WindowSeconds: l.WindowSeconds()}
}

// LimitSpec is the serializable form of a Limit used in snapshots, config
// and YAML exports.
type LimitSpec struct {
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Limit converts the spec into a validated Limit.
func (s LimitSpec) Limit() (Limit, error) {
	return NewLimit(s.MaxRequests, s.WindowSeconds)
}

// DefaultTierLimits returns the stock tier quotas.
func DefaultTierLimits() map[Tier]Limit {
	return map[Tier]Limit{
		Tier1: {MaxRequests: 60, Window: 60 * time.Second},
		Tier2: {MaxRequests: 120, Window: 60 * time.Second},
		Tier3: {MaxRequests: 300, Window: 60 * time.Second},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Exceeded is true when the request must not proceed.
	Exceeded bool

	// Unbounded is true when no quota applies (public endpoints).
	// Remaining is math.MaxInt when set.
	Unbounded bool

	// Count is the number of in-window requests for the actor.
	Count Count

	// Limit is the quota that was applied.
	Limit Limit

	// Remaining is max(0, limit - count).
	Remaining int

	// RetryAfterSeconds is the ceiling of the time until the oldest
	// in-window request expires. Zero means absent: it is only set when
	// Exceeded is true and at least one in-window entry exists.
	RetryAfterSeconds int

	// ResetAfter is the time until the oldest in-window request stops
	// counting. Zero when the window is empty.
	ResetAfter time.Duration
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return !d.Exceeded
}

// UnboundedDecision is returned for endpoints that skip quota evaluation.
func UnboundedDecision() Decision {
	return Decision{Unbounded: true, Remaining: math.MaxInt}
}
