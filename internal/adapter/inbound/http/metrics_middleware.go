package http

import (
	"net/http"
	"strings"
	"time"
)

// MetricsMiddleware observes request duration and counts requests by method
// and outcome. The method label is the forwarded X-Original-Method when the
// proxy sends one. Health, metrics and admin traffic is not counted.
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !countedPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			began := time.Now()
			next.ServeHTTP(sw, r)

			method := methodLabel(r)
			metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(began).Seconds())
			metrics.RequestsTotal.WithLabelValues(method, outcomeLabel(sw.code)).Inc()
		})
	}
}

func countedPath(p string) bool {
	switch {
	case p == "/metrics", p == "/health", strings.HasPrefix(p, "/admin/"):
		return false
	}
	return true
}

// methodLabel bounds the label to the standard verbs.
func methodLabel(r *http.Request) string {
	m := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderOriginalMethod)))
	if m == "" {
		m = r.Method
	}
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return m
	}
	return "OTHER"
}

// outcomeLabel maps a status to ok or error. A 429 is a correct answer.
func outcomeLabel(code int) string {
	if code == http.StatusTooManyRequests || (code >= 200 && code < 400) {
		return "ok"
	}
	return "error"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
