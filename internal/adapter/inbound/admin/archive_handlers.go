package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
)

// ArchiveResponse is the JSON response for GET /admin/api/archive.
type ArchiveResponse struct {
	ActorID    string            `json:"actor_id"`
	EndpointID string            `json:"endpoint_id"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end,omitzero"`
	Count      int64             `json:"count"`
	Entries    []accesslog.Entry `json:"entries,omitempty"`
}

// handleQueryArchive returns archived entries of one actor against one
// endpoint. start defaults to one hour ago. count_only=true skips the
// entries.
func (h *AdminAPIHandler) handleQueryArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiveService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "access archive not configured")
		return
	}

	params := r.URL.Query()
	q := accesslog.Query{
		ActorID:    params.Get("actor_id"),
		EndpointID: params.Get("endpoint"),
		Start:      time.Now().Add(-time.Hour),
	}
	if s := params.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
		q.Start = t
	}
	if s := params.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
		q.End = t
	}
	if err := q.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, "actor_id and endpoint are required and end must not precede start")
		return
	}

	resp := ArchiveResponse{ActorID: q.ActorID, EndpointID: q.EndpointID, Start: q.Start, End: q.End}
	if params.Get("count_only") == "true" {
		n, err := h.archiveService.Count(r.Context(), q)
		if err != nil {
			h.archiveError(w, err)
			return
		}
		resp.Count = n
		h.respondJSON(w, http.StatusOK, resp)
		return
	}

	entries, err := h.archiveService.Query(r.Context(), q)
	if err != nil {
		h.archiveError(w, err)
		return
	}
	resp.Entries = entries
	resp.Count = int64(len(entries))
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *AdminAPIHandler) archiveError(w http.ResponseWriter, err error) {
	if errors.Is(err, accesslog.ErrInvalidQuery) {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error("archive query failed", "error", err)
	h.respondError(w, http.StatusInternalServerError, "archive query failed")
}
