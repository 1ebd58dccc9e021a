package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// WindowPolicy selects how a counting window is built from a reference time.
type WindowPolicy string

const (
	// PolicySliding counts the interval [now-size, now]. An entry stops
	// counting once it is more than size old.
	PolicySliding WindowPolicy = "sliding"

	// PolicyFixed counts the wall-clock aligned bucket [start, start+size)
	// containing now. Entries stop counting at the end of their bucket.
	PolicyFixed WindowPolicy = "fixed"
)

// DefaultWindowPolicy is used when no policy is configured.
const DefaultWindowPolicy = PolicySliding

// ParseWindowPolicy parses a policy name. The empty string yields the default.
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch WindowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultWindowPolicy, nil
	case PolicySliding:
		return PolicySliding, nil
	case PolicyFixed:
		return PolicyFixed, nil
	default:
		return "", fmt.Errorf("unknown window policy %q", s)
	}
}

// Window is a counting interval derived from a size, a reference time and a
// policy. It is rebuilt on every check and never cached.
type Window struct {
	Policy WindowPolicy
	Size   time.Duration
	Start  time.Time
	End    time.Time
	ref    time.Time
}

// NewWindow builds the window of the given size around now.
func NewWindow(size time.Duration, now time.Time, policy WindowPolicy) Window {
	w := Window{Policy: policy, Size: size, ref: now}
	switch policy {
	case PolicyFixed:
		w.Start = bucketStart(now, size)
		w.End = w.Start.Add(size)
	default:
		w.Policy = PolicySliding
		w.Start = now.Add(-size)
		w.End = now
	}
	return w
}

// bucketStart floors t to a multiple of size since the Unix epoch.
func bucketStart(t time.Time, size time.Duration) time.Time {
	if size <= 0 {
		return t
	}
	n := t.UnixNano()
	s := int64(size)
	floor := n / s * s
	if n < 0 && n%s != 0 {
		floor -= s
	}
	return time.Unix(0, floor).In(t.Location())
}

// Contains reports whether t falls inside the window. Both policies
// include their start. Fixed windows exclude their end; sliding windows
// include it, since their end is now and a request recorded at now counts
// immediately.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	if w.Policy == PolicyFixed {
		return t.Before(w.End)
	}
	return !t.After(w.End)
}

// ExpiresAt returns when an entry recorded at t stops counting: the end of
// its bucket for fixed windows, and for sliding windows the last instant it
// is still counted.
func (w Window) ExpiresAt(t time.Time) time.Time {
	if w.Policy == PolicyFixed {
		return bucketStart(t, w.Size).Add(w.Size)
	}
	return t.Add(w.Size)
}

// ExpiresIn returns the time from the reference instant until an entry
// recorded at t stops counting. A non-positive result means it no longer
// blocks.
func (w Window) ExpiresIn(t time.Time) time.Duration {
	return w.ExpiresAt(t).Sub(w.ref)
}

// SecondsUntilExpires returns End-t in whole seconds, rounded up. A
// timestamp at the window start reports the full size; one past the end is
// negative and must be treated as already expired.
func (w Window) SecondsUntilExpires(t time.Time) int {
	return ceilSeconds(w.End.Sub(t))
}

// ceilSeconds rounds positive durations up and the rest down, so any time
// left is at least one second and any overshoot is below zero.
func ceilSeconds(d time.Duration) int {
	if d > 0 {
		return int(math.Ceil(d.Seconds()))
	}
	return int(math.Floor(d.Seconds()))
}

// Evaluate counts the in-window timestamps against limit. timestamps must be
// in ascending order.
func Evaluate(timestamps []time.Time, limit Limit, now time.Time, policy WindowPolicy) Decision {
	w := NewWindow(limit.Window, now, policy)

	var oldest time.Time
	n := 0
	for _, ts := range timestamps {
		if !w.Contains(ts) {
			continue
		}
		if n == 0 {
			oldest = ts
		}
		n++
	}

	count := Count(n)
	d := Decision{
		Count:     count,
		Limit:     limit,
		Exceeded:  count.Exceeds(limit.MaxRequests),
		Remaining: count.Remaining(limit.MaxRequests),
	}
	if n > 0 {
		d.ResetAfter = w.ExpiresIn(oldest)
		if d.Exceeded {
			d.RetryAfterSeconds = max(ceilSeconds(d.ResetAfter), 1)
		}
	}
	return d
}
