package http

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"

	"github.com/Sentinel-Gate/quotagate/internal/service"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	notConfigured   = "not configured"

	// auditDegradedPercent is the audit queue fill level above which the
	// gateway reports itself unhealthy.
	auditDegradedPercent = 90
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports the state of the registry, the audit queue and the
// access log archive. Any of them may be nil.
type HealthChecker struct {
	access  *service.AccessService
	audit   *service.AuditService
	archive *service.ArchiveService
	version string
}

// NewHealthChecker creates a HealthChecker. Pass nil for absent components.
func NewHealthChecker(access *service.AccessService, audit *service.AuditService, archive *service.ArchiveService, version string) *HealthChecker {
	return &HealthChecker{access: access, audit: audit, archive: archive, version: version}
}

// Check runs every component check. Only a backed-up audit queue makes the
// result unhealthy; archive failures degrade analytics, not admission.
func (h *HealthChecker) Check() HealthResponse {
	resp := HealthResponse{
		Status:  statusHealthy,
		Checks:  map[string]string{"goroutines": strconv.Itoa(runtime.NumGoroutine())},
		Version: h.version,
	}

	resp.Checks["registry"] = h.registryCheck()
	resp.Checks["archive"] = h.archiveCheck()

	audit, ok := h.auditCheck()
	resp.Checks["audit"] = audit
	if !ok {
		resp.Status = statusUnhealthy
	}
	if h.audit != nil {
		if drops := h.audit.DroppedRecords(); drops > 0 {
			resp.Checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	}
	if h.archive != nil {
		if drops := h.archive.Dropped(); drops > 0 {
			resp.Checks["archive_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	}
	return resp
}

// registryCheck touches every shard lock through LogSize, so a stuck shard
// hangs the health endpoint.
func (h *HealthChecker) registryCheck() string {
	if h.access == nil {
		return notConfigured
	}
	return fmt.Sprintf("ok: %d endpoints, %d shards, %d log entries",
		len(h.access.Endpoints()), h.access.ShardCount(), h.access.LogSize())
}

func (h *HealthChecker) auditCheck() (string, bool) {
	if h.audit == nil {
		return notConfigured, true
	}
	depth, capacity := h.audit.ChannelDepth(), h.audit.ChannelCapacity()
	pct := 0
	if capacity > 0 {
		pct = depth * 100 / capacity
	}
	if pct > auditDegradedPercent {
		return fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, pct), false
	}
	return fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, pct), true
}

func (h *HealthChecker) archiveCheck() string {
	switch {
	case h.archive == nil:
		return notConfigured
	case h.archive.Failed() > 0:
		return fmt.Sprintf("degraded: %d failed appends", h.archive.Failed())
	default:
		return fmt.Sprintf("ok: %d archived", h.archive.Archived())
	}
}

// Handler serves the health report, with 503 when unhealthy.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := h.Check()
		code := http.StatusOK
		if resp.Status != statusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: statusHealthy, Checks: map[string]string{}})
	})
}
