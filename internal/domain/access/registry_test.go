package access

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustEndpoint(t *testing.T, path, verb string, vis endpoint.Visibility, opts ...endpoint.Option) *endpoint.Endpoint {
	t.Helper()
	e, err := endpoint.New(path, verb, vis, opts...)
	if err != nil {
		t.Fatalf("endpoint.New(%q, %q) error = %v", path, verb, err)
	}
	return e
}

func newTestRegistry(t *testing.T, endpoints ...*endpoint.Endpoint) *Registry {
	t.Helper()
	r := NewRegistry(WithID("reg-1"))
	for _, e := range endpoints {
		if err := r.AddEndpoint(e); err != nil {
			t.Fatalf("AddEndpoint(%s) error = %v", e.Key(), err)
		}
	}
	return r
}

func eventNames(events []event.Event) []event.Name {
	out := make([]event.Name, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/api/users", "GET", endpoint.VisibilityProtected))

	err := r.AddEndpoint(mustEndpoint(t, "/api/users/", "get", endpoint.VisibilityPublic))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("AddEndpoint duplicate error = %v, want conflict", err)
	}
	if CodeOf(err) != CodeDuplicateEndpoint {
		t.Errorf("code = %q, want %q", CodeOf(err), CodeDuplicateEndpoint)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	// Same path with a different verb is a different endpoint.
	if err := r.AddEndpoint(mustEndpoint(t, "/api/users", "POST", endpoint.VisibilityProtected)); err != nil {
		t.Errorf("AddEndpoint POST error = %v", err)
	}
}

func TestRegistry_RegisterResolveRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	limit := ratelimit.Limit{MaxRequests: 3, Window: 10 * time.Second}
	e := mustEndpoint(t, "/api/orders/:id", "PUT", endpoint.VisibilityInternal,
		endpoint.WithDescription("update order"), endpoint.WithRateLimit(limit))
	want := e.Descriptor()
	r := newTestRegistry(t, e)

	got, err := r.Resolve("/api/orders/:id", "PUT")
	if err != nil {
		t.Fatalf("Resolve error = %v", err)
	}
	if !reflect.DeepEqual(got.Descriptor(), want) {
		t.Errorf("Resolve = %+v, want %+v", got.Descriptor(), want)
	}

	if err := r.RemoveEndpoint("/api/orders/:id", "PUT"); err != nil {
		t.Fatalf("RemoveEndpoint error = %v", err)
	}
	if _, err := r.Resolve("/api/orders/:id", "PUT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve after remove error = %v, want not found", err)
	}
	if err := r.RemoveEndpoint("/api/orders/:id", "PUT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveEndpoint error = %v, want not found", err)
	}
	if err := r.RemoveEndpoint("orders", "PUT"); !errors.Is(err, ErrValidation) {
		t.Errorf("RemoveEndpoint bad path error = %v, want validation", err)
	}
}

func TestRegistry_ResolveExactBeforePattern(t *testing.T) {
	t.Parallel()

	wild := mustEndpoint(t, "/api/users/*", "GET", endpoint.VisibilityProtected)
	exact := mustEndpoint(t, "/api/users/me", "GET", endpoint.VisibilityProtected)
	r := newTestRegistry(t, wild, exact)

	got, err := r.Resolve("/api/users/me", "GET")
	if err != nil || got != exact {
		t.Fatalf("Resolve(/api/users/me) = %v, %v; want exact endpoint", got, err)
	}
	got, err = r.Resolve("/api/users/42", "get")
	if err != nil || got != wild {
		t.Fatalf("Resolve(/api/users/42) = %v, %v; want wildcard endpoint", got, err)
	}
	if _, err := r.Resolve("/api/users/42", "DELETE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve with other verb error = %v", err)
	}
}

func TestRegistry_ResolveFirstMatchWins(t *testing.T) {
	t.Parallel()

	first := mustEndpoint(t, "/api/*", "GET", endpoint.VisibilityPublic)
	second := mustEndpoint(t, "/api/:name", "GET", endpoint.VisibilityProtected)
	r := newTestRegistry(t, first, second)

	got, err := r.Resolve("/api/users", "GET")
	if err != nil {
		t.Fatal(err)
	}
	if got != first {
		t.Errorf("Resolve picked %s, want the first registered match %s", got.Key(), first.Key())
	}
}

func TestProcessAccess_AllowsThenLimits(t *testing.T) {
	t.Parallel()

	limit := ratelimit.Limit{MaxRequests: 2, Window: time.Minute}
	r := newTestRegistry(t, mustEndpoint(t, "/api/items/:id", "GET", endpoint.VisibilityProtected, endpoint.WithRateLimit(limit)))

	req := Request{ActorID: "alice", Path: "/api/items/1", Verb: "GET", Tier: ratelimit.Tier1}

	req.Now = now.Add(-20 * time.Second)
	d, err := r.ProcessAccess(req)
	if err != nil || d.Exceeded || d.Count != 1 || d.Remaining != 1 {
		t.Fatalf("first = %+v, %v", d, err)
	}

	req.Now = now.Add(-10 * time.Second)
	d, err = r.ProcessAccess(req)
	if err != nil || d.Exceeded || d.Count != 2 || d.Remaining != 0 {
		t.Fatalf("second = %+v, %v", d, err)
	}

	req.Now = now
	d, err = r.ProcessAccess(req)
	if err != nil {
		t.Fatalf("third error = %v", err)
	}
	if !d.Exceeded || d.Remaining != 0 || d.RetryAfterSeconds != 40 {
		t.Errorf("third = %+v, want exceeded with retry after 40s", d)
	}

	e, _ := r.Endpoint("/api/items/:id", "GET")
	if e.LogSize("alice") != 2 {
		t.Errorf("denied request must not be logged, LogSize = %d", e.LogSize("alice"))
	}

	names := eventNames(r.PullEvents())
	want := []event.Name{
		event.NameAccessRequested, event.NameAccessRecorded,
		event.NameAccessRequested, event.NameAccessRecorded,
		event.NameAccessRequested, event.NameLimitExceeded,
	}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("events = %v, want %v", names, want)
	}
	if len(r.PullEvents()) != 0 {
		t.Error("PullEvents must drain the buffer")
	}
	if r.Version() != uint64(len(want)) {
		t.Errorf("Version = %d, want %d", r.Version(), len(want))
	}
}

func TestProcessAccess_UsesTierDefaults(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDefaultLimits(map[ratelimit.Tier]ratelimit.Limit{
		ratelimit.Tier1: {MaxRequests: 1, Window: time.Minute},
		ratelimit.Tier2: {MaxRequests: 5, Window: time.Minute},
	}))
	if err := r.AddEndpoint(mustEndpoint(t, "/api/data", "GET", endpoint.VisibilityProtected)); err != nil {
		t.Fatal(err)
	}

	for _, actor := range []string{"t1", "t2"} {
		tier := ratelimit.Tier1
		if actor == "t2" {
			tier = ratelimit.Tier2
		}
		for i := range 2 {
			d, err := r.ProcessAccess(Request{ActorID: actor, Path: "/api/data", Verb: "GET", Tier: tier, Now: now.Add(time.Duration(i) * time.Second)})
			if err != nil {
				t.Fatal(err)
			}
			wantExceeded := actor == "t1" && i == 1
			if d.Exceeded != wantExceeded {
				t.Errorf("%s request %d exceeded = %v, want %v", actor, i, d.Exceeded, wantExceeded)
			}
		}
	}

	_, err := r.ProcessAccess(Request{ActorID: "t3", Path: "/api/data", Verb: "GET", Tier: ratelimit.Tier3, Now: now})
	if !errors.Is(err, ErrInternal) || CodeOf(err) != CodeNoRateLimitDefined {
		t.Errorf("missing tier default error = %v, want NO_RATE_LIMIT_DEFINED", err)
	}
}

// Public endpoints never evaluate quota.
func TestProcessAccess_PublicIsUnbounded(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDefaultLimits(map[ratelimit.Tier]ratelimit.Limit{
		ratelimit.Tier1: {MaxRequests: 1, Window: time.Minute},
	}))
	if err := r.AddEndpoint(mustEndpoint(t, "/health", "GET", endpoint.VisibilityPublic)); err != nil {
		t.Fatal(err)
	}

	for i := range 50 {
		tier := ratelimit.Tier1
		if i%2 == 0 {
			tier = ratelimit.TierAnonymous
		}
		d, err := r.ProcessAccess(Request{ActorID: "bob", Path: "/health", Verb: "GET", Tier: tier, Now: now.Add(time.Duration(i) * time.Millisecond)})
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
		if d.Exceeded || !d.Unbounded {
			t.Fatalf("request %d decision = %+v, want unbounded", i, d)
		}
	}

	for _, ev := range r.PullEvents() {
		if ev.Name == event.NameLimitExceeded {
			t.Fatal("public endpoint emitted LimitExceeded")
		}
	}
	e, _ := r.Endpoint("/health", "GET")
	if e.LogSize("bob") != 50 {
		t.Errorf("public access must still be recorded, LogSize = %d", e.LogSize("bob"))
	}
}

// An entry-tier actor must not reach an internal endpoint.
func TestProcessAccess_InsufficientTier(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/internal/jobs", "POST", endpoint.VisibilityInternal))

	_, err := r.ProcessAccess(Request{ActorID: "carol", Path: "/internal/jobs", Verb: "POST", Tier: ratelimit.Tier1, Now: now})
	if !errors.Is(err, ErrForbidden) || CodeOf(err) != CodeInsufficientTier {
		t.Fatalf("error = %v, want Forbidden/INSUFFICIENT_TIER", err)
	}

	events := r.PullEvents()
	if len(events) != 1 {
		t.Fatalf("events = %v, want exactly one", eventNames(events))
	}
	inv, ok := events[0].Payload.(event.InvalidAccess)
	if !ok {
		t.Fatalf("payload = %T, want InvalidAccess", events[0].Payload)
	}
	if inv.ReasonCode != string(CodeInsufficientTier) || inv.ActorID != "carol" || inv.Path != "/internal/jobs" {
		t.Errorf("payload = %+v", inv)
	}
	if events[0].AggregateID != "reg-1" || events[0].Version != 1 || events[0].PayloadVersion != event.PayloadVersion {
		t.Errorf("envelope = %+v", events[0])
	}
}

func TestProcessAccess_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		verb     string
		tier     ratelimit.Tier
		wantKind *Error
		wantCode Code
	}{
		{"unknown path", "/nope", "GET", ratelimit.Tier3, ErrNotFound, CodeEndpointNotFound},
		{"wrong verb", "/api/users", "DELETE", ratelimit.Tier3, ErrNotFound, CodeEndpointNotFound},
		{"inactive", "/api/old", "GET", ratelimit.Tier3, ErrForbidden, CodeEndpointInactive},
		{"anonymous on protected", "/api/users", "GET", ratelimit.TierAnonymous, ErrForbidden, CodeInsufficientTier},
		{"admin never admitted", "/admin/keys", "GET", ratelimit.Tier3, ErrForbidden, CodeInsufficientTier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRegistry(t,
				mustEndpoint(t, "/api/users", "GET", endpoint.VisibilityProtected),
				mustEndpoint(t, "/api/old", "GET", endpoint.VisibilityProtected, endpoint.Inactive()),
				mustEndpoint(t, "/admin/keys", "GET", endpoint.VisibilityAdmin),
			)

			_, err := r.ProcessAccess(Request{ActorID: "a", Path: tt.path, Verb: tt.verb, Tier: tt.tier, Now: now})
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("error = %v, want kind %s", err, tt.wantKind.Kind)
			}
			if CodeOf(err) != tt.wantCode {
				t.Errorf("code = %q, want %q", CodeOf(err), tt.wantCode)
			}
			events := r.PullEvents()
			if len(events) != 1 || events[0].Name != event.NameInvalidAccess {
				t.Fatalf("events = %v, want one InvalidAccess", eventNames(events))
			}
			if got := events[0].Payload.(event.InvalidAccess).ReasonCode; got != string(tt.wantCode) {
				t.Errorf("reason = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestProcessAccess_ValidatesRequest(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/x", "GET", endpoint.VisibilityPublic))
	if _, err := r.ProcessAccess(Request{Path: "/x", Verb: "GET", Now: now}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing actor error = %v", err)
	}
	if _, err := r.ProcessAccess(Request{ActorID: "a", Path: "/x", Verb: "GET"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing time error = %v", err)
	}
	if len(r.PullEvents()) != 0 {
		t.Error("malformed requests must not emit events")
	}
}

func TestProcessAccess_RecordsMetadata(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/api/users/:id", "GET", endpoint.VisibilityProtected))
	meta := accesslog.Metadata{IP: "10.0.0.1", UserAgent: "curl/8", CorrelationID: "req-1"}

	if _, err := r.ProcessAccess(Request{ActorID: "a", Path: "/api/users/7", Verb: "GET", Tier: ratelimit.Tier2, Now: now, Metadata: meta}); err != nil {
		t.Fatal(err)
	}

	events := r.PullEvents()
	rec, ok := events[len(events)-1].Payload.(event.AccessRecorded)
	if !ok {
		t.Fatalf("last payload = %T, want AccessRecorded", events[len(events)-1].Payload)
	}
	if rec.Metadata != meta || rec.EndpointID != "GET /api/users/:id" || !rec.Timestamp.Equal(now) {
		t.Errorf("recorded = %+v", rec)
	}
	req := events[0].Payload.(event.AccessRequested)
	if req.Path != "/api/users/7" || req.Tier != "TIER2" {
		t.Errorf("requested = %+v", req)
	}
}

// Retention zero removes every entry.
func TestRegistry_CleanupLogs(t *testing.T) {
	t.Parallel()

	a := mustEndpoint(t, "/a", "GET", endpoint.VisibilityProtected)
	b := mustEndpoint(t, "/b", "GET", endpoint.VisibilityProtected)
	r := newTestRegistry(t, a, b)

	const n = 7
	for i := range n {
		at := now.Add(-time.Duration(n-i) * time.Second)
		a.RecordAccess(accesslog.Entry{ActorID: "x", EndpointID: a.ID(), Timestamp: at}, 0)
		b.RecordAccess(accesslog.Entry{ActorID: "y", EndpointID: b.ID(), Timestamp: at}, 0)
	}

	if got := r.CleanupLogs("x", 0, now); got != n {
		t.Errorf("CleanupLogs(x, 0) = %d, want %d", got, n)
	}
	if a.LogSize("") != 0 || b.LogSize("y") != n {
		t.Errorf("sizes after actor cleanup: a=%d b=%d", a.LogSize(""), b.LogSize("y"))
	}
	if got := r.CleanupLogs("", 3*time.Second, now); got != 5 {
		t.Errorf("CleanupLogs(all, 3s) = %d, want 5", got)
	}
	if got := r.CleanupLogs("", 0, now); got != 2 {
		t.Errorf("CleanupLogs(all, 0) = %d, want 2", got)
	}
	if r.LogSize() != 0 {
		t.Errorf("LogSize = %d, want 0", r.LogSize())
	}
}

func TestRegistry_HousekeepingBoundsLogs(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDefaultLimits(map[ratelimit.Tier]ratelimit.Limit{
		ratelimit.Tier1: {MaxRequests: 1000, Window: 10 * time.Second},
	}))
	if err := r.AddEndpoint(mustEndpoint(t, "/a", "GET", endpoint.VisibilityProtected)); err != nil {
		t.Fatal(err)
	}

	for i := range 100 {
		if _, err := r.ProcessAccess(Request{ActorID: "x", Path: "/a", Verb: "GET", Tier: ratelimit.Tier1, Now: now.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}

	// Horizon is twice the 10s window.
	if got := r.LogSize(); got != 21 {
		t.Errorf("LogSize = %d, want 21", got)
	}
}

func TestRegistry_ActivateDeactivate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/a", "GET", endpoint.VisibilityProtected))

	changed, err := r.DeactivateEndpoint("/a", "GET")
	if err != nil || !changed {
		t.Fatalf("Deactivate = %v, %v", changed, err)
	}
	changed, err = r.DeactivateEndpoint("/a", "GET")
	if err != nil || changed {
		t.Fatalf("second Deactivate = %v, %v; want no change and no error", changed, err)
	}
	if _, err := r.ActivateEndpoint("/missing", "GET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Activate missing error = %v", err)
	}
	changed, err = r.ActivateEndpoint("/a", "GET")
	if err != nil || !changed {
		t.Fatalf("Activate = %v, %v", changed, err)
	}
}

func TestRegistry_SetRateLimits(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, mustEndpoint(t, "/a", "GET", endpoint.VisibilityProtected))

	if err := r.SetDefaultRateLimit(ratelimit.Tier1, ratelimit.Limit{MaxRequests: 0, Window: time.Minute}); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid default error = %v", err)
	}
	if err := r.SetDefaultRateLimit("GOLD", ratelimit.Limit{MaxRequests: 1, Window: time.Minute}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown tier error = %v", err)
	}
	if err := r.SetDefaultRateLimit(ratelimit.Tier1, ratelimit.Limit{MaxRequests: 7, Window: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if r.DefaultRateLimits()[ratelimit.Tier1].MaxRequests != 7 {
		t.Error("default not updated")
	}

	override := ratelimit.Limit{MaxRequests: 2, Window: 5 * time.Second}
	if err := r.SetEndpointRateLimit("/a", "GET", &override); err != nil {
		t.Fatal(err)
	}
	d, _ := r.ProcessAccess(Request{ActorID: "x", Path: "/a", Verb: "GET", Tier: ratelimit.Tier1, Now: now})
	if d.Limit != override {
		t.Errorf("applied limit = %v, want override %v", d.Limit, override)
	}
	if err := r.SetEndpointRateLimit("/a", "GET", nil); err != nil {
		t.Fatal(err)
	}
	d, _ = r.ProcessAccess(Request{ActorID: "x", Path: "/a", Verb: "GET", Tier: ratelimit.Tier1, Now: now})
	if d.Limit.MaxRequests != 7 {
		t.Errorf("applied limit = %v, want tier default", d.Limit)
	}
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	t.Parallel()

	src := NewRegistry(WithID("snap"), WithWindowPolicy(ratelimit.PolicyFixed))
	for _, e := range []*endpoint.Endpoint{
		mustEndpoint(t, "/b", "GET", endpoint.VisibilityPublic),
		mustEndpoint(t, "/a/:id", "POST", endpoint.VisibilityInternal, endpoint.Inactive()),
	} {
		if err := src.AddEndpoint(e); err != nil {
			t.Fatal(err)
		}
	}
	snap := src.Snapshot()

	dst := NewRegistry(WithDefaultLimits(nil))
	keep := mustEndpoint(t, "/b", "GET", endpoint.VisibilityPublic)
	keep.RecordAccess(accesslog.Entry{ActorID: "x", EndpointID: keep.ID(), Timestamp: now}, 0)
	if err := dst.AddEndpoint(keep); err != nil {
		t.Fatal(err)
	}

	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore error = %v", err)
	}
	if dst.ID() != "snap" || dst.WindowPolicy() != ratelimit.PolicyFixed {
		t.Errorf("id=%q policy=%q", dst.ID(), dst.WindowPolicy())
	}
	if !reflect.DeepEqual(dst.Endpoints(), src.Endpoints()) {
		t.Errorf("endpoints = %+v, want %+v", dst.Endpoints(), src.Endpoints())
	}
	if !reflect.DeepEqual(dst.DefaultRateLimits(), src.DefaultRateLimits()) {
		t.Errorf("defaults = %v, want %v", dst.DefaultRateLimits(), src.DefaultRateLimits())
	}
	if dst.LogSize() != 1 {
		t.Errorf("logs of surviving endpoints must be kept, LogSize = %d", dst.LogSize())
	}

	bad := snap
	bad.Endpoints = append(bad.Endpoints[:len(bad.Endpoints):len(bad.Endpoints)], bad.Endpoints[0])
	if err := dst.Restore(bad); !errors.Is(err, ErrConflict) {
		t.Errorf("Restore with duplicate error = %v, want conflict", err)
	}
	if dst.Len() != 2 || dst.LogSize() != 1 {
		t.Error("failed Restore must leave the registry unchanged")
	}
}
