package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/quotagate/internal/tracing"
)

// shard is one registry and the lock serializing it.
type shard struct {
	mu  sync.Mutex
	reg *access.Registry
}

// AccessService runs admission checks against a set of registry shards.
//
// Each actor is routed to one shard by hash, so all of an actor's logs live
// behind one mutex and check-then-append is atomic per actor. Endpoint and
// quota changes are applied to every shard. Events are published after the
// shard lock is released, in emission order.
type AccessService struct {
	shards []*shard
	mutMu  sync.Mutex // serializes broadcast mutations

	idMu       sync.RWMutex
	registryID string

	store     access.Store
	publisher event.Publisher
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	regOpts         []access.RegistryOption
	shardCount      int
	retention       time.Duration
	cleanupInterval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// AccessOption configures AccessService.
type AccessOption func(*AccessService)

// WithShards sets the number of registry shards. Values below 1 are ignored.
func WithShards(n int) AccessOption {
	return func(s *AccessService) {
		if n >= 1 {
			s.shardCount = n
		}
	}
}

// WithRegistryID sets the registry id carried by events.
func WithRegistryID(id string) AccessOption {
	return func(s *AccessService) {
		if id != "" {
			s.registryID = id
		}
	}
}

// WithRegistryOptions passes options to every shard registry.
func WithRegistryOptions(opts ...access.RegistryOption) AccessOption {
	return func(s *AccessService) {
		s.regOpts = append(s.regOpts, opts...)
	}
}

// WithSnapshotStore persists the registry definition after every mutation.
func WithSnapshotStore(store access.Store) AccessOption {
	return func(s *AccessService) {
		s.store = store
	}
}

// WithPublisher sets where drained events are published.
func WithPublisher(p event.Publisher) AccessOption {
	return func(s *AccessService) {
		s.publisher = p
	}
}

// WithTracer overrides the tracer used for admission spans.
func WithTracer(t trace.Tracer) AccessOption {
	return func(s *AccessService) {
		s.tracer = t
	}
}

// WithLogRetention configures the background sweep of in-memory logs.
func WithLogRetention(retention, interval time.Duration) AccessOption {
	return func(s *AccessService) {
		s.retention = retention
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithClock overrides the time source used when a request has no time.
func WithClock(now func() time.Time) AccessOption {
	return func(s *AccessService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAccessService creates the service with empty shard registries.
func NewAccessService(logger *slog.Logger, opts ...AccessOption) *AccessService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AccessService{
		registryID:      uuid.NewString(),
		logger:          logger,
		now:             time.Now,
		shardCount:      1,
		cleanupInterval: time.Minute,
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.GetTracerProvider().Tracer(tracing.TracerName)
	}

	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		regOpts := append([]access.RegistryOption{}, s.regOpts...)
		regOpts = append(regOpts, access.WithID(s.shardID(s.registryID, i)))
		s.shards[i] = &shard{reg: access.NewRegistry(regOpts...)}
	}
	return s
}

// shardID names shard i of registry id. A single shard uses the id itself.
func (s *AccessService) shardID(id string, i int) string {
	if s.shardCount == 1 {
		return id
	}
	return fmt.Sprintf("%s/%d", id, i)
}

func (s *AccessService) shardFor(actorID string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[xxhash.Sum64String(actorID)%uint64(len(s.shards))]
}

// RegistryID returns the registry id.
func (s *AccessService) RegistryID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.registryID
}

// ShardCount returns the number of shards.
func (s *AccessService) ShardCount() int { return len(s.shards) }

// WindowPolicy returns the window policy in effect.
func (s *AccessService) WindowPolicy() ratelimit.WindowPolicy {
	return s.read(func(r *access.Registry) any { return r.WindowPolicy() }).(ratelimit.WindowPolicy)
}

// Check runs the admission decision for req and publishes the resulting
// events. A quota denial is returned as a decision with Exceeded set.
func (s *AccessService) Check(ctx context.Context, req access.Request) (ratelimit.Decision, error) {
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	ctx, span := s.tracer.Start(ctx, "access.check", trace.WithAttributes(
		attribute.String("actor.id", req.ActorID),
		attribute.String("actor.tier", req.Tier.String()),
		attribute.String("http.method", req.Verb),
		attribute.String("http.path", req.Path),
	))
	defer span.End()

	sh := s.shardFor(req.ActorID)
	sh.mu.Lock()
	decision, err := sh.reg.ProcessAccess(req)
	events := sh.reg.PullEvents()
	sh.mu.Unlock()

	s.publish(ctx, events)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(access.CodeOf(err)))
		s.logger.Warn("access rejected",
			"actor_id", req.ActorID,
			"verb", req.Verb,
			"path", req.Path,
			"tier", req.Tier.String(),
			"code", access.CodeOf(err),
		)
		return decision, err
	}

	span.SetAttributes(
		attribute.Bool("ratelimit.exceeded", decision.Exceeded),
		attribute.Int("ratelimit.count", decision.Count.Int()),
		attribute.Int("ratelimit.remaining", decision.Remaining),
	)
	if decision.Exceeded {
		s.logger.Warn("rate limit exceeded",
			"actor_id", req.ActorID,
			"verb", req.Verb,
			"path", req.Path,
			"count", decision.Count.Int(),
			"limit", decision.Limit.MaxRequests,
			"retry_after", decision.RetryAfterSeconds,
		)
	} else {
		s.logger.Debug("access allowed",
			"actor_id", req.ActorID,
			"verb", req.Verb,
			"path", req.Path,
			"remaining", decision.Remaining,
		)
	}
	return decision, nil
}

// publish hands events to the publisher. Failures are logged only.
func (s *AccessService) publish(ctx context.Context, events []event.Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		s.logger.Error("failed to publish access events", "count", len(events), "error", err)
	}
}

// read runs fn on the first shard. Definitions are identical across shards.
func (s *AccessService) read(fn func(*access.Registry) any) any {
	sh := s.shards[0]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return fn(sh.reg)
}

// mutate applies fn to every shard, then persists the definition. The first
// shard validates the change. If any shard rejects it or the save fails,
// the shards already changed are restored to their previous definition.
func (s *AccessService) mutate(ctx context.Context, fn func(*access.Registry) error) error {
	return s.apply(ctx, "", fn)
}

// apply is mutate with the registry id to persist under. An empty id keeps
// the current one; a new id takes effect only once the save succeeded.
func (s *AccessService) apply(ctx context.Context, id string, fn func(*access.Registry) error) error {
	s.mutMu.Lock()
	defer s.mutMu.Unlock()

	if id == "" {
		id = s.RegistryID()
	}
	before := make([]access.Snapshot, 0, len(s.shards))
	for i, sh := range s.shards {
		sh.mu.Lock()
		prev := sh.reg.Snapshot()
		err := fn(sh.reg)
		sh.mu.Unlock()
		if err != nil {
			if i > 0 {
				s.logger.Error("registry shards diverged", "shard", i, "error", err)
			}
			s.rollback(before)
			return err
		}
		before = append(before, prev)
	}
	if err := s.persist(ctx, id); err != nil {
		s.rollback(before)
		return err
	}

	s.idMu.Lock()
	s.registryID = id
	s.idMu.Unlock()
	return nil
}

// rollback restores the first len(before) shards. Logs of endpoints that
// come back after a failed removal start empty.
func (s *AccessService) rollback(before []access.Snapshot) {
	for i, snap := range before {
		sh := s.shards[i]
		sh.mu.Lock()
		if err := sh.reg.Restore(snap); err != nil {
			s.logger.Error("failed to roll back registry shard", "shard", i, "error", err)
		}
		sh.mu.Unlock()
	}
}

func (s *AccessService) persist(ctx context.Context, id string) error {
	if s.store == nil {
		return nil
	}
	snap := s.read(func(r *access.Registry) any { return r.Snapshot() }).(access.Snapshot)
	snap.ID = id
	if err := s.store.Save(ctx, snap); err != nil {
		s.logger.Error("failed to persist registry", "error", err)
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}

// AddEndpoint registers an endpoint on every shard.
func (s *AccessService) AddEndpoint(ctx context.Context, d endpoint.Descriptor) (endpoint.Descriptor, error) {
	// Validate once before touching any shard.
	probe, err := endpoint.FromDescriptor(d)
	if err != nil {
		return endpoint.Descriptor{}, access.AsValidationError(err)
	}
	err = s.mutate(ctx, func(r *access.Registry) error {
		e, err := endpoint.FromDescriptor(d)
		if err != nil {
			return access.AsValidationError(err)
		}
		return r.AddEndpoint(e)
	})
	if err != nil {
		return endpoint.Descriptor{}, err
	}
	s.logger.Info("endpoint registered", "endpoint", probe.ID(), "visibility", probe.Visibility())
	return probe.Descriptor(), nil
}

// RemoveEndpoint unregisters an endpoint from every shard.
func (s *AccessService) RemoveEndpoint(ctx context.Context, path, verb string) error {
	err := s.mutate(ctx, func(r *access.Registry) error {
		return r.RemoveEndpoint(path, verb)
	})
	if err == nil {
		s.logger.Info("endpoint removed", "verb", verb, "path", path)
	}
	return err
}

// ActivateEndpoint activates an endpoint and reports whether it changed.
func (s *AccessService) ActivateEndpoint(ctx context.Context, path, verb string) (bool, error) {
	return s.toggle(ctx, path, verb, (*access.Registry).ActivateEndpoint)
}

// DeactivateEndpoint deactivates an endpoint and reports whether it changed.
func (s *AccessService) DeactivateEndpoint(ctx context.Context, path, verb string) (bool, error) {
	return s.toggle(ctx, path, verb, (*access.Registry).DeactivateEndpoint)
}

func (s *AccessService) toggle(ctx context.Context, path, verb string, fn func(*access.Registry, string, string) (bool, error)) (bool, error) {
	var changed bool
	first := true
	err := s.mutate(ctx, func(r *access.Registry) error {
		c, err := fn(r, path, verb)
		if first {
			changed = c
			first = false
		}
		return err
	})
	return changed, err
}

// SetEndpointRateLimit sets or, with nil, clears an endpoint override.
func (s *AccessService) SetEndpointRateLimit(ctx context.Context, path, verb string, limit *ratelimit.Limit) error {
	return s.mutate(ctx, func(r *access.Registry) error {
		return r.SetEndpointRateLimit(path, verb, limit)
	})
}

// SetDefaultRateLimit sets the default quota of a tier.
func (s *AccessService) SetDefaultRateLimit(ctx context.Context, tier ratelimit.Tier, limit ratelimit.Limit) error {
	return s.mutate(ctx, func(r *access.Registry) error {
		return r.SetDefaultRateLimit(tier, limit)
	})
}

// DefaultRateLimits returns the tier defaults.
func (s *AccessService) DefaultRateLimits() map[ratelimit.Tier]ratelimit.Limit {
	return s.read(func(r *access.Registry) any { return r.DefaultRateLimits() }).(map[ratelimit.Tier]ratelimit.Limit)
}

// Endpoints returns all endpoint descriptors in registration order.
func (s *AccessService) Endpoints() []endpoint.Descriptor {
	return s.read(func(r *access.Registry) any { return r.Endpoints() }).([]endpoint.Descriptor)
}

// Endpoint returns the descriptor registered under exactly path and verb.
func (s *AccessService) Endpoint(path, verb string) (endpoint.Descriptor, error) {
	var (
		d   endpoint.Descriptor
		err error
	)
	s.read(func(r *access.Registry) any {
		var e *endpoint.Endpoint
		if e, err = r.Endpoint(path, verb); err == nil {
			d = e.Descriptor()
		}
		return nil
	})
	return d, err
}

// Resolve returns the descriptor that would serve a request for path and
// verb, without recording anything.
func (s *AccessService) Resolve(path, verb string) (endpoint.Descriptor, error) {
	var (
		d   endpoint.Descriptor
		err error
	)
	s.read(func(r *access.Registry) any {
		var e *endpoint.Endpoint
		if e, err = r.Resolve(path, verb); err == nil {
			d = e.Descriptor()
		}
		return nil
	})
	return d, err
}

// Seed registers the descriptors whose keys are not yet present and returns
// how many were added. Existing definitions win.
func (s *AccessService) Seed(ctx context.Context, descriptors []endpoint.Descriptor) (int, error) {
	added := 0
	for _, d := range descriptors {
		_, err := s.AddEndpoint(ctx, d)
		switch {
		case err == nil:
			added++
		case errors.Is(err, access.ErrConflict):
		default:
			return added, err
		}
	}
	return added, nil
}

// CleanupLogs removes in-memory log entries older than retention, for one
// actor or all actors when actorID is empty. Shards are locked one at a time.
func (s *AccessService) CleanupLogs(actorID string, retention time.Duration) int {
	now := s.now()
	if actorID != "" {
		sh := s.shardFor(actorID)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		return sh.reg.CleanupLogs(actorID, retention, now)
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += sh.reg.CleanupLogs("", retention, now)
		sh.mu.Unlock()
	}
	return removed
}

// LogSize returns the number of in-memory log entries across shards.
func (s *AccessService) LogSize() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.reg.LogSize()
		sh.mu.Unlock()
	}
	return n
}

// Snapshot returns the registry definition under the registry id.
func (s *AccessService) Snapshot() access.Snapshot {
	snap := s.read(func(r *access.Registry) any { return r.Snapshot() }).(access.Snapshot)
	snap.ID = s.RegistryID()
	return snap
}

// Restore replaces the definition on every shard and persists it.
func (s *AccessService) Restore(ctx context.Context, snap access.Snapshot) error {
	id := snap.ID
	if id == "" {
		id = s.RegistryID()
	}
	i := 0
	return s.apply(ctx, id, func(r *access.Registry) error {
		shardSnap := snap
		shardSnap.ID = s.shardID(id, i)
		i++
		return r.Restore(shardSnap)
	})
}

// Load restores the stored snapshot. It reports false when the store holds
// none, leaving the registry as configured.
func (s *AccessService) Load(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	snap, err := s.store.Load(ctx)
	if errors.Is(err, access.ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load registry: %w", err)
	}
	if err := s.Restore(ctx, *snap); err != nil {
		return false, err
	}
	s.logger.Info("registry restored", "registry_id", s.RegistryID(), "endpoints", len(snap.Endpoints))
	return true, nil
}

// StartCleanup starts the background retention goroutine.
// It stops when ctx is cancelled or Stop() is called. Does nothing when
// retention is not positive.
func (s *AccessService) StartCleanup(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				if removed := s.CleanupLogs("", s.retention); removed > 0 {
					s.logger.Debug("access log cleanup completed",
						"removed_entries", removed,
						"remaining_entries", s.LogSize())
				}
			}
		}
	}()
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *AccessService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
