package admin

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
)

// EventsResponse is the JSON response for GET /admin/api/events.
type EventsResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// handleQueryEvents returns buffered audit records, newest first. Without
// filters it returns the most recent records. format=csv streams a CSV file.
func (h *AdminAPIHandler) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditReader == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit reader not configured")
		return
	}
	filter, filtered, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var records []audit.Record
	if filtered {
		records = h.auditReader.Query(filter)
	} else {
		records = h.auditReader.GetRecent(filter.Limit)
	}
	if records == nil {
		records = []audit.Record{}
	}

	if r.URL.Query().Get("format") == "csv" {
		h.writeEventsCSV(w, records)
		return
	}
	h.respondJSON(w, http.StatusOK, EventsResponse{Records: records, Count: len(records)})
}

// parseAuditFilter reads the query parameters of an events request. The
// second result reports whether any filter beyond limit was given.
func parseAuditFilter(r *http.Request) (audit.Filter, bool, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:    q.Get("actor_id"),
		EndpointID: q.Get("endpoint"),
		EventName:  q.Get("event"),
		Decision:   q.Get("decision"),
		Limit:      100,
	}

	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, false, fmt.Errorf("invalid start: %w", err)
		}
		filter.StartTime = t
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return filter, false, fmt.Errorf("invalid end: %w", err)
		}
		filter.EndTime = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return filter, false, fmt.Errorf("invalid limit %q", s)
		}
		filter.Limit = min(n, 1000)
	}

	filtered := filter.ActorID != "" || filter.EndpointID != "" || filter.EventName != "" ||
		filter.Decision != "" || !filter.StartTime.IsZero() || !filter.EndTime.IsZero()
	return filter, filtered, nil
}

func (h *AdminAPIHandler) writeEventsCSV(w http.ResponseWriter, records []audit.Record) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"timestamp", "event", "aggregate_id", "version", "actor_id", "endpoint_id",
		"verb", "path", "tier", "decision", "reason", "count", "limit", "retry_after_seconds",
	})
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.EventName,
			rec.AggregateID,
			strconv.FormatUint(rec.Version, 10),
			rec.ActorID,
			rec.EndpointID,
			rec.Verb,
			rec.Path,
			rec.Tier,
			rec.Decision,
			rec.Reason,
			strconv.Itoa(rec.Count),
			strconv.Itoa(rec.Limit),
			strconv.Itoa(rec.RetryAfterSeconds),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("events CSV export failed", "error", err)
	}
}
