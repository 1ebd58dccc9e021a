package http

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// Request headers read by the admission handler.
const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorTier      = "X-Actor-Tier"
	HeaderOriginalMethod = "X-Original-Method"
	HeaderOriginalURI    = "X-Original-URI"
)

// Response headers set by the admission handler.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// ErrorTypeRateLimitExceeded is the error type of a 429 response.
const ErrorTypeRateLimitExceeded = "rate-limit-exceeded"

// AccessChecker runs an admission decision.
type AccessChecker interface {
	Check(ctx context.Context, req access.Request) (ratelimit.Decision, error)
}

// ErrorRecorder counts admission checks that failed internally.
type ErrorRecorder interface {
	RecordError()
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

type decisionResponse struct {
	Allowed   bool   `json:"allowed"`
	Unbounded bool   `json:"unbounded,omitempty"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	Tier      string `json:"tier"`
}

// AdmissionHandler answers each request with the admission decision for its
// actor, tier, method and path.
func AdmissionHandler(checker AccessChecker, metrics *Metrics) http.Handler {
	return admissionHandler(checker, metrics, nil)
}

func admissionHandler(checker AccessChecker, metrics *Metrics, failures ErrorRecorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := LoggerFromContext(r.Context())

		tier, err := ratelimit.ParseTier(r.Header.Get(HeaderActorTier))
		if err != nil {
			recordDecision(metrics, "rejected", tier)
			writeError(w, http.StatusBadRequest, "invalid-tier", err.Error())
			return
		}

		verb, path, err := originalTarget(r)
		if err != nil {
			recordDecision(metrics, "rejected", tier)
			writeError(w, http.StatusBadRequest, "invalid-request", err.Error())
			return
		}

		req := access.Request{
			ActorID: strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Path:    path,
			Verb:    verb,
			Tier:    tier,
			Now:     time.Now(),
			Metadata: accesslog.Metadata{
				IP:            IPFromContext(r.Context()),
				UserAgent:     r.UserAgent(),
				CorrelationID: RequestIDFromContext(r.Context()),
			},
		}

		decision, err := checker.Check(r.Context(), req)
		if err != nil {
			status := statusForKind(access.KindOf(err))
			if status == http.StatusInternalServerError {
				logger.Error("admission check failed", "verb", verb, "path", path, "error", err)
				recordDecision(metrics, "error", tier)
				if failures != nil {
					failures.RecordError()
				}
			} else {
				recordDecision(metrics, "rejected", tier)
			}
			writeError(w, status, errorType(err), err.Error())
			return
		}

		setRateLimitHeaders(w, decision)

		if decision.Exceeded {
			recordDecision(metrics, "limited", tier)
			if metrics != nil {
				metrics.RetryAfterSeconds.Observe(float64(decision.RetryAfterSeconds))
			}
			if decision.RetryAfterSeconds > 0 {
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
			}
			writeError(w, http.StatusTooManyRequests, ErrorTypeRateLimitExceeded,
				"rate limit of "+decision.Limit.String()+" exceeded")
			return
		}

		recordDecision(metrics, "allowed", tier)
		resp := decisionResponse{
			Allowed:   true,
			Unbounded: decision.Unbounded,
			Count:     decision.Count.Int(),
			Tier:      tier.String(),
		}
		if !decision.Unbounded {
			remaining := decision.Remaining
			resp.Limit = decision.Limit.MaxRequests
			resp.Remaining = &remaining
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// originalTarget returns the method and path being authorized. A fronting
// proxy passes them in X-Original-Method and X-Original-URI.
func originalTarget(r *http.Request) (string, string, error) {
	verb := r.Method
	if m := r.Header.Get(HeaderOriginalMethod); m != "" {
		verb = m
	}
	path := r.URL.Path
	if uri := r.Header.Get(HeaderOriginalURI); uri != "" {
		u, err := url.ParseRequestURI(uri)
		if err != nil {
			return "", "", err
		}
		path = u.Path
	}
	return strings.ToUpper(verb), path, nil
}

// setRateLimitHeaders writes the quota headers. Unbounded decisions carry none.
func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Unbounded {
		return
	}
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit.MaxRequests))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderRateLimitReset, strconv.Itoa(int(math.Ceil(d.ResetAfter.Seconds()))))
}

func statusForKind(k access.Kind) int {
	switch k {
	case access.KindValidation:
		return http.StatusBadRequest
	case access.KindNotFound:
		return http.StatusNotFound
	case access.KindForbidden:
		return http.StatusForbidden
	case access.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorType turns an error code such as ENDPOINT_NOT_FOUND into
// "endpoint-not-found".
func errorType(err error) string {
	code := access.CodeOf(err)
	if code == "" {
		return "internal-error"
	}
	return strings.ToLower(strings.ReplaceAll(string(code), "_", "-"))
}

func recordDecision(m *Metrics, result string, tier ratelimit.Tier) {
	if m == nil {
		return
	}
	m.AccessDecisions.WithLabelValues(result, tier.String()).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Type: typ})
}
