// Package access contains the admission-control aggregate: the registry of
// endpoints, tier quota defaults and the decision procedure that resolves,
// authorizes and counts each request while emitting domain events.
//
// A Registry performs no locking. Callers must serialize every operation on
// one instance.
package access

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// fallbackWindow sizes the housekeeping horizon when no limit is configured.
const fallbackWindow = time.Minute

// Request is one inbound call to admit.
type Request struct {
	ActorID  string
	Path     string
	Verb     string
	Tier     ratelimit.Tier
	Now      time.Time
	Metadata accesslog.Metadata
}

// Registry owns the endpoints and tier defaults of one admission domain.
type Registry struct {
	id        string
	policy    ratelimit.WindowPolicy
	endpoints []*endpoint.Endpoint
	index     map[endpoint.Key]*endpoint.Endpoint
	defaults  map[ratelimit.Tier]ratelimit.Limit

	version uint64
	pending []event.Event
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithID sets the aggregate id carried by events. A random id is used
// otherwise.
func WithID(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.id = id
		}
	}
}

// WithWindowPolicy selects how counting windows are built.
func WithWindowPolicy(p ratelimit.WindowPolicy) RegistryOption {
	return func(r *Registry) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithDefaultLimits replaces the seeded tier defaults. Pass an empty map to
// start without defaults.
func WithDefaultLimits(limits map[ratelimit.Tier]ratelimit.Limit) RegistryOption {
	return func(r *Registry) {
		r.defaults = maps.Clone(limits)
		if r.defaults == nil {
			r.defaults = make(map[ratelimit.Tier]ratelimit.Limit)
		}
	}
}

// NewRegistry creates a registry seeded with ratelimit.DefaultTierLimits and
// the sliding window policy.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		id:       uuid.NewString(),
		policy:   ratelimit.DefaultWindowPolicy,
		index:    make(map[endpoint.Key]*endpoint.Endpoint),
		defaults: ratelimit.DefaultTierLimits(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the aggregate id.
func (r *Registry) ID() string { return r.id }

// Version returns the version of the last emitted event.
func (r *Registry) Version() uint64 { return r.version }

// WindowPolicy returns the configured window policy.
func (r *Registry) WindowPolicy() ratelimit.WindowPolicy { return r.policy }

// Len returns the number of registered endpoints.
func (r *Registry) Len() int { return len(r.endpoints) }

// AddEndpoint registers e. Fails with DUPLICATE_ENDPOINT when its key is
// already present.
func (r *Registry) AddEndpoint(e *endpoint.Endpoint) error {
	if e == nil {
		return newError(KindValidation, CodeInvalidRequest, nil, "endpoint is nil")
	}
	key := e.Key()
	if _, exists := r.index[key]; exists {
		return newError(KindConflict, CodeDuplicateEndpoint, nil, "endpoint %q already registered", key)
	}
	r.endpoints = append(r.endpoints, e)
	r.index[key] = e
	return nil
}

// RemoveEndpoint unregisters the endpoint with exactly this path and verb.
func (r *Registry) RemoveEndpoint(path, verb string) error {
	key, err := keyOf(path, verb)
	if err != nil {
		return err
	}
	if _, ok := r.index[key]; !ok {
		return newError(KindNotFound, CodeEndpointNotFound, nil, "endpoint %q not found", key)
	}
	delete(r.index, key)
	r.endpoints = slices.DeleteFunc(r.endpoints, func(e *endpoint.Endpoint) bool {
		return e.Key() == key
	})
	return nil
}

// Endpoint returns the endpoint registered under exactly this path and verb.
func (r *Registry) Endpoint(path, verb string) (*endpoint.Endpoint, error) {
	key, err := keyOf(path, verb)
	if err != nil {
		return nil, err
	}
	e, ok := r.index[key]
	if !ok {
		return nil, newError(KindNotFound, CodeEndpointNotFound, nil, "endpoint %q not found", key)
	}
	return e, nil
}

// Endpoints returns the descriptors of all endpoints in registration order.
func (r *Registry) Endpoints() []endpoint.Descriptor {
	out := make([]endpoint.Descriptor, len(r.endpoints))
	for i, e := range r.endpoints {
		out[i] = e.Descriptor()
	}
	return out
}

// Resolve finds the endpoint serving a request. An exact key lookup runs
// first; otherwise the first endpoint in registration order with the same
// verb whose pattern matches wins. There is no specificity ranking, so an
// earlier "/api/*" shadows a later "/api/:id".
func (r *Registry) Resolve(path, verb string) (*endpoint.Endpoint, error) {
	verb = normalizeVerb(verb)
	normalized := endpoint.NormalizePath(path)

	if e, ok := r.index[endpoint.Key(verb+" "+normalized)]; ok {
		return e, nil
	}
	for _, e := range r.endpoints {
		if e.Verb() == verb && e.MatchesPath(normalized) {
			return e, nil
		}
	}
	return nil, newError(KindNotFound, CodeEndpointNotFound, nil, "no endpoint for %s %s", verb, normalized)
}

// ActivateEndpoint activates an endpoint and reports whether it changed.
func (r *Registry) ActivateEndpoint(path, verb string) (bool, error) {
	e, err := r.Endpoint(path, verb)
	if err != nil {
		return false, err
	}
	return e.Activate(), nil
}

// DeactivateEndpoint deactivates an endpoint and reports whether it changed.
func (r *Registry) DeactivateEndpoint(path, verb string) (bool, error) {
	e, err := r.Endpoint(path, verb)
	if err != nil {
		return false, err
	}
	return e.Deactivate(), nil
}

// SetEndpointRateLimit sets or, with a nil limit, clears an endpoint override.
func (r *Registry) SetEndpointRateLimit(path, verb string, limit *ratelimit.Limit) error {
	e, err := r.Endpoint(path, verb)
	if err != nil {
		return err
	}
	if err := e.SetRateLimit(limit); err != nil {
		return validationError(err)
	}
	return nil
}

// SetDefaultRateLimit sets the default quota of an authenticated tier.
func (r *Registry) SetDefaultRateLimit(tier ratelimit.Tier, limit ratelimit.Limit) error {
	if !tier.Known() {
		return newError(KindValidation, CodeInvalidRateLimit, nil, "unknown tier %q", tier)
	}
	if err := limit.Validate(); err != nil {
		return validationError(err)
	}
	r.defaults[tier] = limit
	return nil
}

// DefaultRateLimits returns a copy of the tier defaults.
func (r *Registry) DefaultRateLimits() map[ratelimit.Tier]ratelimit.Limit {
	return maps.Clone(r.defaults)
}

// ProcessAccess runs the admission decision for req. Rejections by path,
// activity or tier emit InvalidAccess before the typed error is returned.
// A quota denial is a successful decision with Exceeded set, not an error.
func (r *Registry) ProcessAccess(req Request) (ratelimit.Decision, error) {
	if req.ActorID == "" {
		return ratelimit.Decision{}, newError(KindValidation, CodeInvalidRequest, nil, "actor id is required")
	}
	if req.Now.IsZero() {
		return ratelimit.Decision{}, newError(KindValidation, CodeInvalidRequest, nil, "request time is required")
	}
	verb := normalizeVerb(req.Verb)
	path := endpoint.NormalizePath(req.Path)

	e, err := r.Resolve(path, verb)
	if err != nil {
		r.reject(req, path, verb, CodeEndpointNotFound)
		return ratelimit.Decision{}, err
	}
	if !e.Active() {
		r.reject(req, path, verb, CodeEndpointInactive)
		return ratelimit.Decision{}, newError(KindForbidden, CodeEndpointInactive, nil, "endpoint %q is inactive", e.Key())
	}
	if !e.Visibility().AllowsTier(req.Tier) {
		r.reject(req, path, verb, CodeInsufficientTier)
		return ratelimit.Decision{}, newError(KindForbidden, CodeInsufficientTier, nil,
			"tier %s cannot access %s endpoint %q", req.Tier, e.Visibility(), e.Key())
	}

	r.emit(req.Now, event.AccessRequested{
		ActorID:    req.ActorID,
		EndpointID: e.ID(),
		Path:       path,
		Verb:       verb,
		Tier:       string(req.Tier),
	})

	if e.Visibility() == endpoint.VisibilityPublic {
		r.record(e, req)
		return ratelimit.UnboundedDecision(), nil
	}

	limit, ok := r.limitFor(e, req.Tier)
	if !ok {
		return ratelimit.Decision{}, newError(KindInternal, CodeNoRateLimitDefined, nil,
			"no rate limit for tier %s on %q", req.Tier, e.Key())
	}

	before := e.CheckWindow(req.ActorID, limit, req.Now, r.policy)
	if before.Exceeded {
		r.emit(req.Now, event.LimitExceeded{
			ActorID:           req.ActorID,
			EndpointID:        e.ID(),
			Count:             before.Count.Int(),
			Limit:             limit.MaxRequests,
			RetryAfterSeconds: before.RetryAfterSeconds,
		})
		return before, nil
	}

	r.record(e, req)
	after := e.CheckWindow(req.ActorID, limit, req.Now, r.policy)
	// The request was admitted; reaching the limit only affects the next one.
	after.Exceeded = false
	after.RetryAfterSeconds = 0
	return after, nil
}

// CleanupLogs removes entries recorded at or before now-retention from every
// endpoint, for one actor or for all actors when actorID is empty. Returns
// the number of entries removed.
func (r *Registry) CleanupLogs(actorID string, retention time.Duration, now time.Time) int {
	cutoff := now.Add(-max(retention, 0))
	removed := 0
	for _, e := range r.endpoints {
		removed += e.PruneUntil(actorID, cutoff)
	}
	return removed
}

// LogSize returns the number of access log entries held across endpoints.
func (r *Registry) LogSize() int {
	n := 0
	for _, e := range r.endpoints {
		n += e.LogSize("")
	}
	return n
}

// PullEvents returns the events emitted since the last call, in order, and
// clears the buffer.
func (r *Registry) PullEvents() []event.Event {
	out := r.pending
	r.pending = nil
	return out
}

// Snapshot captures endpoint definitions and tier defaults.
func (r *Registry) Snapshot() Snapshot {
	defaults := make(map[ratelimit.Tier]ratelimit.LimitSpec, len(r.defaults))
	for tier, l := range r.defaults {
		defaults[tier] = l.Spec()
	}
	return Snapshot{
		ID:            r.id,
		WindowPolicy:  r.policy,
		Endpoints:     r.Endpoints(),
		DefaultLimits: defaults,
	}
}

// Restore replaces endpoints and tier defaults with the snapshot contents.
// Access logs of endpoints that survive the restore are kept. On error the
// registry is left unchanged.
func (r *Registry) Restore(s Snapshot) error {
	defaults := make(map[ratelimit.Tier]ratelimit.Limit, len(s.DefaultLimits))
	for tier, spec := range s.DefaultLimits {
		l, err := spec.Limit()
		if err != nil {
			return validationError(err)
		}
		defaults[tier] = l
	}

	endpoints := make([]*endpoint.Endpoint, 0, len(s.Endpoints))
	index := make(map[endpoint.Key]*endpoint.Endpoint, len(s.Endpoints))
	for _, d := range s.Endpoints {
		e, err := endpoint.FromDescriptor(d)
		if err != nil {
			return validationError(err)
		}
		if _, dup := index[e.Key()]; dup {
			return newError(KindConflict, CodeDuplicateEndpoint, nil, "endpoint %q appears twice", e.Key())
		}
		endpoints = append(endpoints, e)
		index[e.Key()] = e
	}

	for key, e := range index {
		if old, ok := r.index[key]; ok {
			e.InheritLogs(old)
		}
	}

	if s.ID != "" {
		r.id = s.ID
	}
	if s.WindowPolicy != "" {
		r.policy = s.WindowPolicy
	}
	r.endpoints = endpoints
	r.index = index
	r.defaults = defaults
	return nil
}

func (r *Registry) limitFor(e *endpoint.Endpoint, tier ratelimit.Tier) (ratelimit.Limit, bool) {
	if l, ok := e.RateLimit(); ok {
		return l, true
	}
	l, ok := r.defaults[tier]
	return l, ok
}

// horizon is the housekeeping eviction age: twice the widest window in use.
func (r *Registry) horizon() time.Duration {
	var widest time.Duration
	for _, l := range r.defaults {
		widest = max(widest, l.Window)
	}
	for _, e := range r.endpoints {
		if l, ok := e.RateLimit(); ok {
			widest = max(widest, l.Window)
		}
	}
	if widest == 0 {
		widest = fallbackWindow
	}
	return 2 * widest
}

func (r *Registry) record(e *endpoint.Endpoint, req Request) {
	entry := accesslog.Entry{
		ActorID:    req.ActorID,
		EndpointID: e.ID(),
		Timestamp:  req.Now,
		Metadata:   req.Metadata,
	}
	e.RecordAccess(entry, r.horizon())
	r.emit(req.Now, event.AccessRecorded{
		ActorID:    entry.ActorID,
		EndpointID: entry.EndpointID,
		Timestamp:  entry.Timestamp,
		Metadata:   entry.Metadata,
	})
}

func (r *Registry) reject(req Request, path, verb string, code Code) {
	r.emit(req.Now, event.InvalidAccess{
		ActorID:    req.ActorID,
		Path:       path,
		Verb:       verb,
		ReasonCode: string(code),
	})
}

func (r *Registry) emit(at time.Time, p event.Payload) {
	r.version++
	r.pending = append(r.pending, event.New(r.id, r.version, at, p))
}

func keyOf(path, verb string) (endpoint.Key, error) {
	p, err := endpoint.ParsePath(path)
	if err != nil {
		return "", validationError(err)
	}
	v, err := endpoint.ParseVerb(verb)
	if err != nil {
		return "", validationError(err)
	}
	return endpoint.MakeKey(p, v), nil
}

func normalizeVerb(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
