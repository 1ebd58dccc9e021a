package admin

import (
	"net/http"
)

// StatsResponse is the JSON response for GET /admin/api/stats.
type StatsResponse struct {
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

// handleGetStats returns admission counters alongside registry and
// pipeline gauges.
func (h *AdminAPIHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		ReasonCounts:   map[string]int64{},
		EndpointCounts: map[string]int64{},
	}

	if h.statsService != nil {
		stats := h.statsService.GetStats()
		resp.Requested = stats.Requested
		resp.Allowed = stats.Allowed
		resp.Invalid = stats.Invalid
		resp.RateLimited = stats.RateLimited
		resp.Errors = stats.Errors
		if stats.ReasonCounts != nil {
			resp.ReasonCounts = stats.ReasonCounts
		}
		if stats.EndpointCounts != nil {
			resp.EndpointCounts = stats.EndpointCounts
		}
	}
	if h.accessService != nil {
		resp.Endpoints = len(h.accessService.Endpoints())
		resp.LogEntries = h.accessService.LogSize()
	}
	if h.auditService != nil {
		resp.AuditDropped = h.auditService.DroppedRecords()
	}
	if h.archiveService != nil {
		resp.Archived = h.archiveService.Archived()
		resp.ArchiveFailed = h.archiveService.Failed()
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *AdminAPIHandler) handleResetStats(w http.ResponseWriter, r *http.Request) {
	if h.statsService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "stats service not configured")
		return
	}
	h.statsService.Reset()
	w.WriteHeader(http.StatusNoContent)
}
