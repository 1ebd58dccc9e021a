package admin

import (
	"net/http"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// TierLimit is one tier default in GET /admin/api/limits.
type TierLimit struct {
	Tier          string `json:"tier"`
	MaxRequests   int    `json:"max_requests"`
	WindowSeconds int    `json:"window_seconds"`
}

// LimitsResponse is the JSON response for GET /admin/api/limits.
type LimitsResponse struct {
	WindowPolicy string      `json:"window_policy"`
	Tiers        []TierLimit `json:"tiers"`
}

// CleanupRequest is the body of POST /admin/api/cleanup.
// An empty ActorID cleans every actor.
type CleanupRequest struct {
	ActorID          string `json:"actor_id,omitempty"`
	RetentionSeconds int    `json:"retention_seconds"`
}

// CleanupResponse reports how many in-memory log entries were removed.
type CleanupResponse struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

func (h *AdminAPIHandler) handleListLimits(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	defaults := h.accessService.DefaultRateLimits()
	resp := LimitsResponse{
		WindowPolicy: string(h.accessService.WindowPolicy()),
		Tiers:        make([]TierLimit, 0, len(defaults)),
	}
	for _, tier := range ratelimit.KnownTiers {
		l, ok := defaults[tier]
		if !ok {
			continue
		}
		resp.Tiers = append(resp.Tiers, TierLimit{
			Tier:          tier.String(),
			MaxRequests:   l.MaxRequests,
			WindowSeconds: l.WindowSeconds(),
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *AdminAPIHandler) handleSetDefaultLimit(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	tier, err := ratelimit.ParseTier(r.PathValue("tier"))
	if err != nil || tier == ratelimit.TierAnonymous {
		h.respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown tier",
			"code":  string(access.CodeInvalidRateLimit),
		})
		return
	}
	var spec ratelimit.LimitSpec
	if err := h.readJSON(r, &spec); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit, err := spec.Limit()
	if err != nil {
		h.respondAccessError(w, access.AsValidationError(err))
		return
	}
	if err := h.accessService.SetDefaultRateLimit(r.Context(), tier, limit); err != nil {
		h.respondAccessError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, TierLimit{
		Tier:          tier.String(),
		MaxRequests:   limit.MaxRequests,
		WindowSeconds: limit.WindowSeconds(),
	})
}

// handleCleanup drops in-memory admission log entries older than the
// requested retention.
func (h *AdminAPIHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.requireAccess(w) {
		return
	}
	var req CleanupRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RetentionSeconds < 0 {
		h.respondError(w, http.StatusBadRequest, "retention_seconds must not be negative")
		return
	}
	retention := time.Duration(req.RetentionSeconds) * time.Second
	removed := h.accessService.CleanupLogs(req.ActorID, retention)
	h.logger.Info("admission logs cleaned", "actor_id", req.ActorID, "retention", retention, "removed", removed)
	h.respondJSON(w, http.StatusOK, CleanupResponse{
		Removed:   removed,
		Remaining: h.accessService.LogSize(),
	})
}
