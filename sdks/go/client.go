package quotagate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Request headers understood by the admission endpoint.
const (
	headerActorID        = "X-Actor-ID"
	headerActorTier      = "X-Actor-Tier"
	headerOriginalMethod = "X-Original-Method"
	headerOriginalURI    = "X-Original-URI"
)

// defaultRetryAfter is used when a 429 carries no Retry-After header.
const defaultRetryAfter = 60 * time.Second

// Client talks to a quota-gate server. It is safe for concurrent use.
type Client struct {
	serverAddr  string
	apiKey      string
	failMode    string
	timeout     time.Duration
	httpClient  *http.Client
	actorID     string
	defaultTier Tier

	mu        sync.Mutex
	rateLimit RateLimit

	logger *slog.Logger
}

// NewClient creates a new quota-gate client.
// It reads configuration from QUOTA_GATE_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:  os.Getenv("QUOTA_GATE_SERVER_ADDR"),
		apiKey:      os.Getenv("QUOTA_GATE_API_KEY"),
		failMode:    envOrDefault("QUOTA_GATE_FAIL_MODE", "open"),
		timeout:     parseDurationEnv("QUOTA_GATE_TIMEOUT", 5*time.Second),
		actorID:     os.Getenv("QUOTA_GATE_ACTOR_ID"),
		defaultTier: Tier(os.Getenv("QUOTA_GATE_TIER")),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Check asks the server to admit one request. An admitted request returns
// its Decision. An exhausted quota returns a *RateLimitedError; other
// rejections return an *APIError. When the server is unreachable and the
// fail mode is "open", Check returns an allowing Decision with FailOpen set.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	if req.ActorID == "" {
		req.ActorID = c.actorID
	}
	if req.Tier == TierAnonymous {
		req.Tier = c.defaultTier
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Path == "" {
		return nil, errors.New("quota-gate: check path is required")
	}

	headers := http.Header{}
	headers.Set(headerActorID, req.ActorID)
	if req.Tier != TierAnonymous {
		headers.Set(headerActorTier, string(req.Tier))
	}
	headers.Set(headerOriginalMethod, strings.ToUpper(req.Method))
	headers.Set(headerOriginalURI, req.Path)

	resp, body, err := c.do(ctx, http.MethodGet, "/", headers, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.failMode == "closed" {
			return nil, &ServerUnreachableError{Cause: err}
		}
		c.logger.Warn("quota-gate server unreachable, failing open",
			"server_addr", c.serverAddr,
			"error", err,
		)
		return &Decision{Allowed: true, FailOpen: true}, nil
	}

	c.updateRateLimit(resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Limit:      headerInt(resp.Header, "X-RateLimit-Limit"),
			Message:    decodeAPIError(resp.StatusCode, body).Message,
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, decodeAPIError(resp.StatusCode, body)
	}

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return &d, nil
}

// Allowed is a convenience wrapper around Check that reports a rate limit
// as false instead of an error.
func (c *Client) Allowed(ctx context.Context, req CheckRequest) (bool, error) {
	d, err := c.Check(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return false, nil
		}
		return false, err
	}
	return d.Allowed, nil
}

// CheckWithRetry runs Check and, while the request is rate limited, waits
// for the advertised Retry-After before trying again, up to maxRetries times.
func (c *Client) CheckWithRetry(ctx context.Context, req CheckRequest, maxRetries int) (*Decision, error) {
	for attempt := 0; ; attempt++ {
		d, err := c.Check(ctx, req)
		var limited *RateLimitedError
		if err == nil || !errors.As(err, &limited) || attempt >= maxRetries {
			return d, err
		}

		timer := time.NewTimer(limited.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimit returns the quota headers of the most recent bounded check.
func (c *Client) RateLimit() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// Health fetches GET /health. An unhealthy server answers 503, which is
// returned as the Health body rather than an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, &ServerUnreachableError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health: %w", err)
	}
	return &h, nil
}

// Endpoints lists the registered endpoints.
func (c *Client) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	err := c.admin(ctx, http.MethodGet, "/admin/api/endpoints", nil, &out)
	return out, err
}

// AddEndpoint registers an endpoint and returns it as stored.
func (c *Client) AddEndpoint(ctx context.Context, e Endpoint) (*Endpoint, error) {
	var out Endpoint
	if err := c.admin(ctx, http.MethodPost, "/admin/api/endpoints", e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Endpoint looks up the endpoint registered under exactly path and verb.
func (c *Client) Endpoint(ctx context.Context, path, verb string) (*Endpoint, error) {
	var out Endpoint
	if err := c.admin(ctx, http.MethodGet, "/admin/api/endpoints/lookup?"+targetQuery(path, verb), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve reports which endpoint would serve a concrete request path.
func (c *Client) Resolve(ctx context.Context, path, verb string) (*Endpoint, error) {
	var out Endpoint
	if err := c.admin(ctx, http.MethodGet, "/admin/api/endpoints/resolve?"+targetQuery(path, verb), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveEndpoint deletes the endpoint registered under path and verb.
func (c *Client) RemoveEndpoint(ctx context.Context, path, verb string) error {
	return c.admin(ctx, http.MethodDelete, "/admin/api/endpoints?"+targetQuery(path, verb), nil, nil)
}

// ActivateEndpoint enables an endpoint. It reports whether the state changed.
func (c *Client) ActivateEndpoint(ctx context.Context, path, verb string) (bool, error) {
	return c.toggle(ctx, "/admin/api/endpoints/activate", path, verb)
}

// DeactivateEndpoint disables an endpoint. It reports whether the state changed.
func (c *Client) DeactivateEndpoint(ctx context.Context, path, verb string) (bool, error) {
	return c.toggle(ctx, "/admin/api/endpoints/deactivate", path, verb)
}

// SetEndpointRateLimit sets the quota override of an endpoint. A nil limit
// clears the override.
func (c *Client) SetEndpointRateLimit(ctx context.Context, path, verb string, limit *LimitSpec) (*Endpoint, error) {
	body := struct {
		Path      string     `json:"path"`
		Verb      string     `json:"verb"`
		RateLimit *LimitSpec `json:"rate_limit"`
	}{path, verb, limit}
	var out Endpoint
	if err := c.admin(ctx, http.MethodPut, "/admin/api/endpoints/rate-limit", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Limits returns the window policy and the tier defaults.
func (c *Client) Limits(ctx context.Context) (*Limits, error) {
	var out Limits
	if err := c.admin(ctx, http.MethodGet, "/admin/api/limits", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetDefaultLimit replaces the default quota of a tier.
func (c *Client) SetDefaultLimit(ctx context.Context, tier Tier, limit LimitSpec) (*TierLimit, error) {
	var out TierLimit
	if err := c.admin(ctx, http.MethodPut, "/admin/api/limits/"+url.PathEscape(string(tier)), limit, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the admission counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.admin(ctx, http.MethodGet, "/admin/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) toggle(ctx context.Context, route, path, verb string) (bool, error) {
	body := struct {
		Path string `json:"path"`
		Verb string `json:"verb"`
	}{path, verb}
	var out struct {
		Changed bool `json:"changed"`
	}
	if err := c.admin(ctx, http.MethodPost, route, body, &out); err != nil {
		return false, err
	}
	return out.Changed, nil
}

// admin performs an authenticated admin API call and decodes the result.
func (c *Client) admin(ctx context.Context, method, path string, body, result any) error {
	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, respBody, err := c.do(ctx, method, path, headers, body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ServerUnreachableError{Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, respBody)
	}
	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// do sends one request and reads the whole response body.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body any) (*http.Response, []byte, error) {
	target := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header[k] = v
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return httpResp, respBody, nil
}

func (c *Client) updateRateLimit(h http.Header) {
	if h.Get("X-RateLimit-Limit") == "" {
		return
	}
	rl := RateLimit{
		Limit:     headerInt(h, "X-RateLimit-Limit"),
		Remaining: headerInt(h, "X-RateLimit-Remaining"),
		Reset:     time.Duration(headerInt(h, "X-RateLimit-Reset")) * time.Second,
		Observed:  time.Now(),
	}
	c.mu.Lock()
	c.rateLimit = rl
	c.mu.Unlock()
}

// decodeAPIError reads the {"error", "code"|"type"} body of a failed call.
func decodeAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Type  string `json:"type"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d error", status)
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Type = payload.Type
	apiErr.Message = payload.Error
	return apiErr
}

func targetQuery(path, verb string) string {
	return url.Values{"path": {path}, "verb": {verb}}.Encode()
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

func headerInt(h http.Header, key string) int {
	n, _ := strconv.Atoi(h.Get(key))
	return n
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
