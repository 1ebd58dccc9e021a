// Package quotagate provides a Go client for the quota-gate admission and
// admin APIs. It uses only the Go standard library (net/http) with zero
// external dependencies.
//
// Quick start:
//
//	// Set QUOTA_GATE_SERVER_ADDR (and QUOTA_GATE_API_KEY for admin calls), then:
//	client := quotagate.NewClient()
//
//	d, err := client.Check(ctx, quotagate.CheckRequest{
//	    ActorID: "user-42",
//	    Tier:    quotagate.Tier1,
//	    Method:  "GET",
//	    Path:    "/api/users/42",
//	})
//	if err != nil {
//	    var limited *quotagate.RateLimitedError
//	    if errors.As(err, &limited) {
//	        fmt.Printf("rate limited, retry in %s\n", limited.RetryAfter)
//	    }
//	}
package quotagate

import "time"

// Tier is the quota tier of an actor. The empty tier is anonymous.
type Tier string

const (
	TierAnonymous Tier = ""
	Tier1         Tier = "TIER1"
	Tier2         Tier = "TIER2"
	Tier3         Tier = "TIER3"
)

// CheckRequest names the request being admitted.
type CheckRequest struct {
	// ActorID identifies the caller. Required by the server.
	ActorID string
	// Tier selects the default quota when the endpoint has no override.
	Tier Tier
	// Method is the HTTP method of the original request. Defaults to GET.
	Method string
	// Path is the path of the original request, e.g. "/api/users/42".
	Path string
}

// Decision is the outcome of an admitted request.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Unbounded is set for public endpoints, which carry no quota.
	Unbounded bool   `json:"unbounded,omitempty"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Tier      string `json:"tier"`

	// FailOpen is set when the server could not be reached and the client
	// is configured to allow on failure.
	FailOpen bool `json:"-"`
}

// RateLimit is the quota state reported by the X-RateLimit-* headers of the
// most recent check.
type RateLimit struct {
	Limit     int
	Remaining int
	// Reset is how long until the window frees capacity.
	Reset time.Duration
	// Observed is when the headers were read. Zero means no headers seen yet.
	Observed time.Time
}

// LimitSpec is a request quota per window.
type LimitSpec struct {
	MaxRequests   int `json:"max_requests"`
	WindowSeconds int `json:"window_seconds"`
}

// Endpoint is an endpoint definition as served by the admin API.
type Endpoint struct {
	Path        string     `json:"path"`
	Verb        string     `json:"verb"`
	Visibility  string     `json:"visibility"`
	Description string     `json:"description,omitempty"`
	Active      bool       `json:"active"`
	RateLimit   *LimitSpec `json:"rate_limit,omitempty"`
}

// TierLimit is the default quota of one tier.
type TierLimit struct {
	Tier          string `json:"tier"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
}

// Limits is the registry-wide quota configuration.
type Limits struct {
	WindowPolicy string      `json:"window_policy"`
	Tiers        []TierLimit `json:"tiers"`
}

// Stats are the admission counters of a running gateway.
type Stats struct {
	Requested      int64            `json:"requested"`
	Allowed        int64            `json:"allowed"`
	Invalid        int64            `json:"invalid"`
	RateLimited    int64            `json:"rate_limited"`
	Errors         int64            `json:"errors"`
	ReasonCounts   map[string]int64 `json:"reason_counts"`
	EndpointCounts map[string]int64 `json:"endpoint_counts"`
	Endpoints      int              `json:"endpoints"`
	LogEntries     int              `json:"log_entries"`
	AuditDropped   int64            `json:"audit_dropped"`
	Archived       int64            `json:"archived"`
	ArchiveFailed  int64            `json:"archive_failed"`
}

// Health is the body of GET /health.
type Health struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}
