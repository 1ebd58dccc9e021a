// Package admin provides the JSON management API for quota-gate.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
	"github.com/Sentinel-Gate/quotagate/internal/service"
)

// AuditReader provides read access to recent audit records for the admin API.
type AuditReader interface {
	// GetRecent returns the N most recent audit records.
	GetRecent(n int) []audit.Record
	// Query returns the buffered records matching the filter.
	Query(filter audit.Filter) []audit.Record
}

// AdminAPIHandler provides JSON API endpoints for managing endpoints,
// tier defaults and retention, and for inspecting events and counters.
type AdminAPIHandler struct {
	accessService  *service.AccessService
	auditService   *service.AuditService
	auditReader    AuditReader
	statsService   *service.StatsService
	archiveService *service.ArchiveService
	buildInfo      *BuildInfo
	apiKeyHash     string
	ratePerMinute  int
	logger         *slog.Logger
	startTime      time.Time
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithAccessService sets the admission service the API manages.
func WithAccessService(s *service.AccessService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.accessService = s }
}

// WithAuditService sets the audit logging service.
func WithAuditService(s *service.AuditService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.auditService = s }
}

// WithAuditReader sets the audit record reader for queries.
func WithAuditReader(r AuditReader) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.auditReader = r }
}

// WithStatsService sets the counters reported by /admin/api/stats.
func WithStatsService(s *service.StatsService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.statsService = s }
}

// WithArchiveService sets the durable access archive.
func WithArchiveService(s *service.ArchiveService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.archiveService = s }
}

// WithAPIKeyHash enables bearer authentication for non-local clients.
// hash is an argon2id PHC string.
func WithAPIKeyHash(hash string) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.apiKeyHash = hash }
}

// WithRatePerMinute sets the per-IP request budget for non-local clients.
func WithRatePerMinute(n int) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		if n > 0 {
			h.ratePerMinute = n
		}
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.buildInfo = info }
}

// WithStartTime sets the server start time for uptime calculation.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.startTime = t }
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:        slog.Default(),
		startTime:     time.Now().UTC(),
		ratePerMinute: 120,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all admin API routes registered.
// Endpoint paths contain slashes, so endpoint routes take path and verb
// from the query string or the JSON body instead of path segments.
func (h *AdminAPIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Auth status is informational and reachable without credentials.
	mux.HandleFunc("GET /admin/api/auth/status", h.handleAuthStatus)

	protectedMux := http.NewServeMux()

	// Endpoint definitions.
	protectedMux.HandleFunc("GET /admin/api/endpoints", h.handleListEndpoints)
	protectedMux.HandleFunc("POST /admin/api/endpoints", h.handleAddEndpoint)
	protectedMux.HandleFunc("DELETE /admin/api/endpoints", h.handleRemoveEndpoint)
	protectedMux.HandleFunc("GET /admin/api/endpoints/lookup", h.handleGetEndpoint)
	protectedMux.HandleFunc("GET /admin/api/endpoints/resolve", h.handleResolveEndpoint)
	protectedMux.HandleFunc("GET /admin/api/endpoints/export", h.handleExportEndpoints)
	protectedMux.HandleFunc("POST /admin/api/endpoints/activate", h.handleActivateEndpoint)
	protectedMux.HandleFunc("POST /admin/api/endpoints/deactivate", h.handleDeactivateEndpoint)
	protectedMux.HandleFunc("PUT /admin/api/endpoints/rate-limit", h.handleSetEndpointRateLimit)

	// Tier defaults.
	protectedMux.HandleFunc("GET /admin/api/limits", h.handleListLimits)
	protectedMux.HandleFunc("PUT /admin/api/limits/{tier}", h.handleSetDefaultLimit)

	// Admission log retention.
	protectedMux.HandleFunc("POST /admin/api/cleanup", h.handleCleanup)

	// Stats, system info, events and archive.
	protectedMux.HandleFunc("GET /admin/api/stats", h.handleGetStats)
	protectedMux.HandleFunc("POST /admin/api/stats/reset", h.handleResetStats)
	protectedMux.HandleFunc("GET /admin/api/system", h.handleSystemInfo)
	protectedMux.HandleFunc("GET /admin/api/events", h.handleQueryEvents)
	protectedMux.HandleFunc("GET /admin/api/archive", h.handleQueryArchive)

	mux.Handle("/admin/api/", h.adminAuthMiddleware(protectedMux))

	limited := apiRateLimitMiddleware(h.ratePerMinute, time.Minute, mux)
	return securityHeadersMiddleware(limited)
}

// kindStatus maps access error kinds onto HTTP statuses. Kinds missing
// here are internal errors.
var kindStatus = map[access.Kind]int{
	access.KindValidation: http.StatusBadRequest,
	access.KindNotFound:   http.StatusNotFound,
	access.KindConflict:   http.StatusConflict,
	access.KindForbidden:  http.StatusForbidden,
}

func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// respondAccessError writes err as {"error","code","detail"}. Anything that
// is not a client error is logged, and an error without a kind is reported
// without its text.
func (h *AdminAPIHandler) respondAccessError(w http.ResponseWriter, err error) {
	var ae *access.Error
	if !errors.As(err, &ae) {
		h.logger.Error("admin operation failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status, ok := kindStatus[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
		h.logger.Error("admin operation failed", "error", err)
	}
	body := map[string]string{"error": ae.Message, "code": string(ae.Code)}
	if ae.Err != nil {
		body["detail"] = ae.Err.Error()
	}
	h.respondJSON(w, status, body)
}

// readJSON decodes the body into v, rejecting unknown fields.
func (h *AdminAPIHandler) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// endpointTarget reads the path and verb query parameters.
func endpointTarget(r *http.Request) (path, verb string, ok bool) {
	q := r.URL.Query()
	path = strings.TrimSpace(q.Get("path"))
	verb = strings.TrimSpace(q.Get("verb"))
	return path, verb, path != "" && verb != ""
}

// requireAccess writes 503 when the access service is missing.
func (h *AdminAPIHandler) requireAccess(w http.ResponseWriter) bool {
	if h.accessService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "access service not configured")
		return false
	}
	return true
}
