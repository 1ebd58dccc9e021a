package quotagate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckAllowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Actor-ID"); got != "alice" {
			t.Errorf("X-Actor-ID = %q, want alice", got)
		}
		if got := r.Header.Get("X-Actor-Tier"); got != "TIER2" {
			t.Errorf("X-Actor-Tier = %q, want TIER2", got)
		}
		if got := r.Header.Get("X-Original-Method"); got != "POST" {
			t.Errorf("X-Original-Method = %q, want POST", got)
		}
		if got := r.Header.Get("X-Original-URI"); got != "/api/reports/q3" {
			t.Errorf("X-Original-URI = %q, want /api/reports/q3", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("admission check must not send the admin key")
		}

		w.Header().Set("X-RateLimit-Limit", "10")
		w.Header().Set("X-RateLimit-Remaining", "7")
		w.Header().Set("X-RateLimit-Reset", "42")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"allowed":true,"count":3,"limit":10,"remaining":7,"tier":"TIER2"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL), WithAPIKey("secret"))
	d, err := client.Check(context.Background(), CheckRequest{
		ActorID: "alice",
		Tier:    Tier2,
		Method:  "post",
		Path:    "/api/reports/q3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Count != 3 || d.Limit != 10 {
		t.Errorf("decision = %+v", d)
	}
	if d.Remaining == nil || *d.Remaining != 7 {
		t.Errorf("remaining = %v, want 7", d.Remaining)
	}

	rl := client.RateLimit()
	if rl.Limit != 10 || rl.Remaining != 7 || rl.Reset != 42*time.Second {
		t.Errorf("RateLimit() = %+v", rl)
	}
	if rl.Observed.IsZero() {
		t.Error("RateLimit().Observed not set")
	}
}

func TestCheckUnboundedKeepsLastRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Limit", "5")
			w.Header().Set("X-RateLimit-Remaining", "4")
			_, _ = w.Write([]byte(`{"allowed":true,"count":1,"limit":5,"remaining":4,"tier":"TIER1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"allowed":true,"unbounded":true,"count":0,"tier":"TIER1"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL), WithActorID("bob"), WithDefaultTier(Tier1))
	if _, err := client.Check(context.Background(), CheckRequest{Path: "/api/a"}); err != nil {
		t.Fatal(err)
	}
	d, err := client.Check(context.Background(), CheckRequest{Path: "/health"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Unbounded || d.Remaining != nil {
		t.Errorf("decision = %+v, want unbounded without remaining", d)
	}
	if rl := client.RateLimit(); rl.Limit != 5 || rl.Remaining != 4 {
		t.Errorf("RateLimit() = %+v, want the bounded check's headers", rl)
	}
}

func TestCheckRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "2")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", "17")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limit of 2/60s exceeded","type":"rate-limit-exceeded"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))
	_, err := client.Check(context.Background(), CheckRequest{ActorID: "alice", Path: "/api/a"})

	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected *RateLimitedError, got %T: %v", err, err)
	}
	if limited.RetryAfter != 17*time.Second || limited.Limit != 2 {
		t.Errorf("limited = %+v", limited)
	}
	if limited.Message != "rate limit of 2/60s exceeded" {
		t.Errorf("message = %q", limited.Message)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false")
	}

	allowed, err := client.Allowed(context.Background(), CheckRequest{ActorID: "alice", Path: "/api/a"})
	if err != nil || allowed {
		t.Errorf("Allowed() = %v, %v; want false, nil", allowed, err)
	}
}

func TestCheckRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no endpoint matches GET /nope","type":"endpoint-not-found"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))
	_, err := client.Check(context.Background(), CheckRequest{ActorID: "alice", Path: "/nope"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Type != "endpoint-not-found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("a 404 must not match ErrRateLimited")
	}
}

func TestCheckRequiresPath(t *testing.T) {
	client := NewClient(WithServerAddr("http://127.0.0.1:1"))
	if _, err := client.Check(context.Background(), CheckRequest{ActorID: "a"}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCheckWithRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limited","type":"rate-limit-exceeded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"allowed":true,"count":1,"limit":1,"remaining":0,"tier":""}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	d, err := client.CheckWithRetry(context.Background(), CheckRequest{ActorID: "a", Path: "/x"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || calls.Load() != 3 {
		t.Errorf("allowed=%v calls=%d, want true after 3 calls", d.Allowed, calls.Load())
	}

	calls.Store(0)
	_, err = client.CheckWithRetry(context.Background(), CheckRequest{ActorID: "a", Path: "/x"}, 1)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited after exhausting retries, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestCheckWithRetryContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.CheckWithRetry(ctx, CheckRequest{ActorID: "a", Path: "/x"}, 5)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry did not stop on context cancellation")
	}
}

func unreachableAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return "http://" + addr
}

func TestFailOpen(t *testing.T) {
	client := NewClient(
		WithServerAddr(unreachableAddr(t)),
		WithFailMode("open"),
		WithTimeout(1*time.Second),
		WithLogger(quietLogger()),
	)

	d, err := client.Check(context.Background(), CheckRequest{ActorID: "a", Path: "/x"})
	if err != nil {
		t.Fatalf("expected no error in fail-open mode, got: %v", err)
	}
	if !d.Allowed || !d.FailOpen {
		t.Errorf("decision = %+v, want allowed fail-open", d)
	}
}

func TestFailClosed(t *testing.T) {
	client := NewClient(
		WithServerAddr(unreachableAddr(t)),
		WithFailMode("closed"),
		WithTimeout(1*time.Second),
	)

	_, err := client.Check(context.Background(), CheckRequest{ActorID: "a", Path: "/x"})
	if !errors.Is(err, ErrServerUnreachable) {
		t.Fatalf("expected ErrServerUnreachable, got %v", err)
	}
	var unreachable *ServerUnreachableError
	if !errors.As(err, &unreachable) || unreachable.Cause == nil {
		t.Errorf("expected *ServerUnreachableError with a cause, got %T", err)
	}
}

func TestEnvVarConfiguration(t *testing.T) {
	t.Setenv("QUOTA_GATE_SERVER_ADDR", "http://gate:8080")
	t.Setenv("QUOTA_GATE_API_KEY", "env-key")
	t.Setenv("QUOTA_GATE_FAIL_MODE", "closed")
	t.Setenv("QUOTA_GATE_TIMEOUT", "10")
	t.Setenv("QUOTA_GATE_ACTOR_ID", "svc-a")
	t.Setenv("QUOTA_GATE_TIER", "TIER3")

	client := NewClient()

	if client.serverAddr != "http://gate:8080" {
		t.Errorf("serverAddr = %s", client.serverAddr)
	}
	if client.apiKey != "env-key" {
		t.Errorf("apiKey = %s", client.apiKey)
	}
	if client.failMode != "closed" {
		t.Errorf("failMode = %s", client.failMode)
	}
	if client.timeout != 10*time.Second {
		t.Errorf("timeout = %v", client.timeout)
	}
	if client.actorID != "svc-a" || client.defaultTier != Tier3 {
		t.Errorf("actorID = %s, defaultTier = %s", client.actorID, client.defaultTier)
	}

	override := NewClient(WithServerAddr("http://other"), WithTimeout(2*time.Second))
	if override.serverAddr != "http://other" || override.timeout != 2*time.Second {
		t.Errorf("options did not override env: %s %v", override.serverAddr, override.timeout)
	}
}

func TestAdminEndpoints(t *testing.T) {
	var sawAuth atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"path":"/api/users/:id","verb":"GET","visibility":"protected","active":true,"rate_limit":{"max_requests":2,"window_seconds":60}}]`))
	})
	mux.HandleFunc("POST /admin/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		var e Endpoint
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		e.Active = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(e)
	})
	mux.HandleFunc("DELETE /admin/api/endpoints", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("path") != "/api/users/:id" || r.URL.Query().Get("verb") != "GET" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /admin/api/endpoints/deactivate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"endpoint":{"path":"/a","verb":"GET","visibility":"public","active":false},"changed":true}`))
	})
	mux.HandleFunc("PUT /admin/api/endpoints/rate-limit", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Path      string     `json:"path"`
			RateLimit *LimitSpec `json:"rate_limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(Endpoint{Path: body.Path, Verb: "GET", RateLimit: body.RateLimit})
	})
	mux.HandleFunc("PUT /admin/api/limits/{tier}", func(w http.ResponseWriter, r *http.Request) {
		var spec LimitSpec
		_ = json.NewDecoder(r.Body).Decode(&spec)
		_ = json.NewEncoder(w).Encode(TierLimit{Tier: r.PathValue("tier"), MaxRequests: spec.MaxRequests, WindowSeconds: spec.WindowSeconds})
	})
	mux.HandleFunc("GET /admin/api/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"requested":5,"allowed":3,"rate_limited":2}`))
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer admin-key" {
			sawAuth.Add(1)
		}
		mux.ServeHTTP(w, r)
	}))
	defer server.Close()

	ctx := context.Background()
	client := NewClient(WithServerAddr(server.URL), WithAPIKey("admin-key"))

	list, err := client.Endpoints(ctx)
	if err != nil || len(list) != 1 || list[0].RateLimit == nil || list[0].RateLimit.MaxRequests != 2 {
		t.Fatalf("Endpoints() = %+v, %v", list, err)
	}

	added, err := client.AddEndpoint(ctx, Endpoint{Path: "/api/b", Verb: "POST", Visibility: "internal"})
	if err != nil || !added.Active || added.Path != "/api/b" {
		t.Errorf("AddEndpoint() = %+v, %v", added, err)
	}

	if err := client.RemoveEndpoint(ctx, "/api/users/:id", "GET"); err != nil {
		t.Errorf("RemoveEndpoint() error = %v", err)
	}

	changed, err := client.DeactivateEndpoint(ctx, "/a", "GET")
	if err != nil || !changed {
		t.Errorf("DeactivateEndpoint() = %v, %v", changed, err)
	}

	updated, err := client.SetEndpointRateLimit(ctx, "/a", "GET", &LimitSpec{MaxRequests: 9, WindowSeconds: 30})
	if err != nil || updated.RateLimit == nil || updated.RateLimit.MaxRequests != 9 {
		t.Errorf("SetEndpointRateLimit() = %+v, %v", updated, err)
	}

	tl, err := client.SetDefaultLimit(ctx, Tier2, LimitSpec{MaxRequests: 50, WindowSeconds: 60})
	if err != nil || tl.Tier != "TIER2" || tl.MaxRequests != 50 {
		t.Errorf("SetDefaultLimit() = %+v, %v", tl, err)
	}

	stats, err := client.Stats(ctx)
	if err != nil || stats.Requested != 5 || stats.RateLimited != 2 {
		t.Errorf("Stats() = %+v, %v", stats, err)
	}

	if sawAuth.Load() != 7 {
		t.Errorf("authorized calls = %d, want 7", sawAuth.Load())
	}
}

func TestAdminErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/api/endpoints/lookup":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"endpoint not found","code":"ENDPOINT_NOT_FOUND"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`<html>bad gateway</html>`))
		}
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	_, err := client.Endpoint(context.Background(), "/missing", "GET")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != "ENDPOINT_NOT_FOUND" || apiErr.Message != "endpoint not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}

	_, err = client.Limits(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "HTTP 502 error" {
		t.Errorf("non-JSON error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","checks":{"registry":"ok","audit":"degraded"}}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if h.Status != "unhealthy" || h.Checks["audit"] != "degraded" {
		t.Errorf("Health() = %+v", h)
	}
}

func TestErrorTypes(t *testing.T) {
	limited := &RateLimitedError{RetryAfter: 3 * time.Second}
	if limited.Error() != "rate limited, retry after 3s" {
		t.Errorf("RateLimitedError.Error() = %q", limited.Error())
	}

	cause := errors.New("connection refused")
	unreachable := &ServerUnreachableError{Cause: cause}
	if !errors.Is(unreachable, cause) {
		t.Error("ServerUnreachableError should unwrap to its cause")
	}

	apiErr := &APIError{StatusCode: 409, Code: "ENDPOINT_CONFLICT", Message: "already registered"}
	if apiErr.Error() != "quota-gate [409 ENDPOINT_CONFLICT]: already registered" {
		t.Errorf("APIError.Error() = %q", apiErr.Error())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5", 5 * time.Second},
		{" 0 ", 0},
		{"", defaultRetryAfter},
		{"Wed, 21 Oct 2015 07:28:00 GMT", defaultRetryAfter},
		{"-1", defaultRetryAfter},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
