package admin

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo carries the version stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var unknownBuild = BuildInfo{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SystemInfoResponse is the body of GET /admin/api/system.
type SystemInfoResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	RegistryID   string `json:"registry_id,omitempty"`
	Shards       int    `json:"shards,omitempty"`
	WindowPolicy string `json:"window_policy,omitempty"`
	LogEntries   int    `json:"log_entries"`

	AuditQueueDepth    int   `json:"audit_queue_depth,omitempty"`
	AuditQueueCapacity int   `json:"audit_queue_capacity,omitempty"`
	AuditDropped       int64 `json:"audit_dropped,omitempty"`
}

func (h *AdminAPIHandler) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	build := unknownBuild
	if h.buildInfo != nil {
		build = *h.buildInfo
	}
	up := time.Since(h.startTime)

	resp := SystemInfoResponse{
		Version:   build.Version,
		Commit:    build.Commit,
		BuildDate: build.BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    up.Truncate(time.Second).String(),
		UptimeSec: int64(up / time.Second),
	}
	if a := h.accessService; a != nil {
		resp.RegistryID = a.RegistryID()
		resp.Shards = a.ShardCount()
		resp.WindowPolicy = string(a.WindowPolicy())
		resp.LogEntries = a.LogSize()
	}
	if q := h.auditService; q != nil {
		resp.AuditQueueDepth = q.ChannelDepth()
		resp.AuditQueueCapacity = q.ChannelCapacity()
		resp.AuditDropped = q.DroppedRecords()
	}
	h.respondJSON(w, http.StatusOK, resp)
}
