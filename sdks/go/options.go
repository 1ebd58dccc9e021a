package quotagate

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the quota-gate server address.
// If not set, defaults to the QUOTA_GATE_SERVER_ADDR environment variable.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the admin API key.
// If not set, defaults to the QUOTA_GATE_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithFailMode sets what Check does when the server is unreachable.
// Valid values are "open" (allow on failure) and "closed" (return an error).
// If not set, defaults to the QUOTA_GATE_FAIL_MODE environment variable or "open".
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout.
// If not set, defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithDefaultTier sets the tier used when a CheckRequest has none.
func WithDefaultTier(tier Tier) Option {
	return func(c *Client) {
		c.defaultTier = tier
	}
}

// WithActorID sets the actor used when a CheckRequest has none.
func WithActorID(id string) Option {
	return func(c *Client) {
		c.actorID = id
	}
}

// WithLogger sets the logger for fail-open warnings. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}
