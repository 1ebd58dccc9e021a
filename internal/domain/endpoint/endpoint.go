package endpoint

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// Sentinel errors for endpoint construction.
var (
	// ErrInvalidVerb is returned for an unsupported HTTP method.
	ErrInvalidVerb = errors.New("invalid verb")
	// ErrInvalidVisibility is returned for an unknown visibility class.
	ErrInvalidVisibility = errors.New("invalid visibility")
)

// Visibility classifies which tiers may reach an endpoint.
type Visibility string

const (
	// VisibilityPublic endpoints accept any tier, including anonymous callers,
	// and are never quota limited.
	VisibilityPublic Visibility = "public"
	// VisibilityProtected endpoints accept any authenticated tier.
	VisibilityProtected Visibility = "protected"
	// VisibilityInternal endpoints accept only the top tier.
	VisibilityInternal Visibility = "internal"
	// VisibilityAdmin endpoints are never reachable through admission checks.
	VisibilityAdmin Visibility = "admin"
)

// ParseVisibility parses a visibility name case-insensitively.
func ParseVisibility(s string) (Visibility, error) {
	v := Visibility(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case VisibilityPublic, VisibilityProtected, VisibilityInternal, VisibilityAdmin:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVisibility, s)
}

// AllowsTier reports whether a caller of the given tier may access an
// endpoint with this visibility.
func (v Visibility) AllowsTier(t ratelimit.Tier) bool {
	switch v {
	case VisibilityPublic:
		return true
	case VisibilityProtected:
		return t.Known()
	case VisibilityInternal:
		return t == ratelimit.TopTier
	default:
		return false
	}
}

var verbs = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

// ParseVerb upper-cases and validates an HTTP method.
func ParseVerb(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !slices.Contains(verbs, v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVerb, s)
	}
	return v, nil
}

// Key identifies an endpoint by verb and normalized path, e.g.
// "GET /api/users/:id". The key doubles as the endpoint id.
type Key string

// MakeKey builds the key for a parsed path and verb.
func MakeKey(path Path, verb string) Key {
	return Key(verb + " " + path.String())
}

// Endpoint is one registered route and the access log of every actor that
// reached it.
type Endpoint struct {
	path        Path
	verb        string
	visibility  Visibility
	description string
	active      bool
	rateLimit   *ratelimit.Limit

	logs map[string][]accesslog.Entry
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint)

// WithDescription sets the human-readable description.
func WithDescription(d string) Option {
	return func(e *Endpoint) { e.description = d }
}

// WithRateLimit sets an endpoint-specific quota overriding tier defaults.
func WithRateLimit(l ratelimit.Limit) Option {
	return func(e *Endpoint) { e.rateLimit = &l }
}

// Inactive creates the endpoint deactivated.
func Inactive() Option {
	return func(e *Endpoint) { e.active = false }
}

// New creates an active endpoint after validating its path, verb and
// visibility.
func New(rawPath, verb string, visibility Visibility, opts ...Option) (*Endpoint, error) {
	p, err := ParsePath(rawPath)
	if err != nil {
		return nil, err
	}
	v, err := ParseVerb(verb)
	if err != nil {
		return nil, err
	}
	vis, err := ParseVisibility(string(visibility))
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		path:       p,
		verb:       v,
		visibility: vis,
		active:     true,
		logs:       make(map[string][]accesslog.Entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rateLimit != nil {
		if err := e.rateLimit.Validate(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Path returns the route pattern.
func (e *Endpoint) Path() Path { return e.path }

// Verb returns the HTTP method.
func (e *Endpoint) Verb() string { return e.verb }

// Visibility returns the visibility class.
func (e *Endpoint) Visibility() Visibility { return e.visibility }

// Description returns the description.
func (e *Endpoint) Description() string { return e.description }

// Active reports whether the endpoint accepts requests.
func (e *Endpoint) Active() bool { return e.active }

// Key returns the endpoint key.
func (e *Endpoint) Key() Key { return MakeKey(e.path, e.verb) }

// ID returns the key as a string, the id carried in events.
func (e *Endpoint) ID() string { return string(e.Key()) }

// RateLimit returns the endpoint override, if any.
func (e *Endpoint) RateLimit() (ratelimit.Limit, bool) {
	if e.rateLimit == nil {
		return ratelimit.Limit{}, false
	}
	return *e.rateLimit, true
}

// SetRateLimit replaces the override. A nil limit clears it.
func (e *Endpoint) SetRateLimit(l *ratelimit.Limit) error {
	if l == nil {
		e.rateLimit = nil
		return nil
	}
	if err := l.Validate(); err != nil {
		return err
	}
	c := *l
	e.rateLimit = &c
	return nil
}

// MatchesPath reports whether candidate matches the endpoint's pattern.
func (e *Endpoint) MatchesPath(candidate string) bool {
	return e.path.Matches(candidate)
}

// Activate marks the endpoint active. It is idempotent and reports whether
// the state changed.
func (e *Endpoint) Activate() bool {
	if e.active {
		return false
	}
	e.active = true
	return true
}

// Deactivate marks the endpoint inactive. It is idempotent and reports
// whether the state changed.
func (e *Endpoint) Deactivate() bool {
	if !e.active {
		return false
	}
	e.active = false
	return true
}

// RecordAccess appends entry to its actor's log in time order, then evicts
// entries older than the newest entry minus horizon. A non-positive horizon
// disables eviction.
func (e *Endpoint) RecordAccess(entry accesslog.Entry, horizon time.Duration) {
	log := e.logs[entry.ActorID]
	i := sort.Search(len(log), func(i int) bool {
		return log[i].Timestamp.After(entry.Timestamp)
	})
	log = slices.Insert(log, i, entry)

	if horizon > 0 {
		cutoff := log[len(log)-1].Timestamp.Add(-horizon)
		log = dropBefore(log, cutoff)
	}
	e.logs[entry.ActorID] = log
}

// CheckWindow evaluates the actor's log against limit at now.
func (e *Endpoint) CheckWindow(actorID string, limit ratelimit.Limit, now time.Time, policy ratelimit.WindowPolicy) ratelimit.Decision {
	return ratelimit.Evaluate(accesslog.Timestamps(e.logs[actorID]), limit, now, policy)
}

// PruneUntil removes the actor's entries recorded at or before cutoff and
// returns how many were removed. An empty actorID prunes every actor.
func (e *Endpoint) PruneUntil(actorID string, cutoff time.Time) int {
	if actorID == "" {
		removed := 0
		for id := range e.logs {
			removed += e.pruneActor(id, cutoff)
		}
		return removed
	}
	return e.pruneActor(actorID, cutoff)
}

func (e *Endpoint) pruneActor(actorID string, cutoff time.Time) int {
	log, ok := e.logs[actorID]
	if !ok {
		return 0
	}
	kept := dropBefore(log, cutoff.Add(time.Nanosecond))
	removed := len(log) - len(kept)
	if len(kept) == 0 {
		delete(e.logs, actorID)
	} else {
		e.logs[actorID] = kept
	}
	return removed
}

// dropBefore returns the suffix of the sorted log with timestamps at or
// after cutoff.
func dropBefore(log []accesslog.Entry, cutoff time.Time) []accesslog.Entry {
	i := sort.Search(len(log), func(i int) bool {
		return !log[i].Timestamp.Before(cutoff)
	})
	if i == 0 {
		return log
	}
	return slices.Clone(log[i:])
}

// LogSize returns the number of entries held for actorID, or for all actors
// when actorID is empty.
func (e *Endpoint) LogSize(actorID string) int {
	if actorID != "" {
		return len(e.logs[actorID])
	}
	n := 0
	for _, log := range e.logs {
		n += len(log)
	}
	return n
}

// InheritLogs moves the access logs of from into e. Used when a definition
// is replaced while its history must be kept.
func (e *Endpoint) InheritLogs(from *Endpoint) {
	e.logs = from.logs
	from.logs = make(map[string][]accesslog.Entry)
}

// Entries returns a copy of the actor's log.
func (e *Endpoint) Entries(actorID string) []accesslog.Entry {
	return slices.Clone(e.logs[actorID])
}

// Descriptor is the persisted definition of an endpoint, without logs.
type Descriptor struct {
	Path        string               `json:"path" yaml:"path"`
	Verb        string               `json:"verb" yaml:"verb"`
	Visibility  Visibility           `json:"visibility" yaml:"visibility"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Active      bool                 `json:"active" yaml:"active"`
	RateLimit   *ratelimit.LimitSpec `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Key returns the key the descriptor would produce, or an error when its
// path or verb are invalid.
func (d Descriptor) Key() (Key, error) {
	p, err := ParsePath(d.Path)
	if err != nil {
		return "", err
	}
	v, err := ParseVerb(d.Verb)
	if err != nil {
		return "", err
	}
	return MakeKey(p, v), nil
}

// Descriptor returns the endpoint definition.
func (e *Endpoint) Descriptor() Descriptor {
	d := Descriptor{
		Path:        e.path.String(),
		Verb:        e.verb,
		Visibility:  e.visibility,
		Description: e.description,
		Active:      e.active,
	}
	if e.rateLimit != nil {
		spec := e.rateLimit.Spec()
		d.RateLimit = &spec
	}
	return d
}

// FromDescriptor rebuilds an endpoint with an empty log.
func FromDescriptor(d Descriptor) (*Endpoint, error) {
	opts := []Option{WithDescription(d.Description)}
	if !d.Active {
		opts = append(opts, Inactive())
	}
	if d.RateLimit != nil {
		l, err := d.RateLimit.Limit()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRateLimit(l))
	}
	return New(d.Path, d.Verb, d.Visibility, opts...)
}
