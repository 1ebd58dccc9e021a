package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/quotagate/internal/ctxkey"
)

const (
	headerRequestID = "X-Request-ID"

	// maxRequestIDLen caps a client supplied id before it reaches the logs.
	maxRequestIDLen = 128
)

// RequestIDMiddleware propagates X-Request-ID, generating one when the
// client sent none or an unusable one. The id is echoed on the response and
// a logger carrying request_id is put in the context.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerRequestID)
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(headerRequestID, id)

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, id)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger.With("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// RealIPMiddleware stores the client address in the context. The first
// X-Forwarded-For hop wins, then X-Real-IP, then the peer address.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxkey.IPAddressKey{}, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// LoggerFromContext returns the request logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

// IPFromContext returns the address stored by RealIPMiddleware, or "".
func IPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxkey.IPAddressKey{}).(string)
	return ip
}
