package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ok   bool
		want segment
	}{
		{"audit-2026-03-10.log", true, segment{day: "2026-03-10"}},
		{"audit-2026-03-10-12.log", true, segment{day: "2026-03-10", seq: 12}},
		{"audit-2026-3-10.log", false, segment{}},
		{"audit.log", false, segment{}},
		{"audit-2026-03-10.log.bak", false, segment{}},
	}
	for _, tt := range tests {
		got, ok := parseSegment(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseSegment(%q) = %+v, %v", tt.name, got, ok)
		}
		if ok && got.filename() != tt.name {
			t.Errorf("filename() = %q, want %q", got.filename(), tt.name)
		}
	}
}

func TestSegmentFor_UsesUTCDay(t *testing.T) {
	t.Parallel()
	// 23:30 in UTC-5 is already the next day in UTC.
	ts := time.Date(2026, 3, 10, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := segmentFor(ts); got.day != "2026-03-11" || got.seq != 0 {
		t.Errorf("segmentFor() = %+v", got)
	}
}

func TestListSegments_OrdersAndFilters(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{
		"audit-2026-03-11.log",
		"audit-2026-03-10-2.log",
		"audit-2026-03-10.log",
		"audit-2026-03-10-10.log",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	files, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"audit-2026-03-10.log", "audit-2026-03-10-2.log", "audit-2026-03-10-10.log", "audit-2026-03-11.log"}
	if len(files) != len(want) {
		t.Fatalf("listSegments() = %+v", files)
	}
	for i, f := range files {
		if f.filename() != want[i] || f.size != 1 {
			t.Errorf("files[%d] = %s (%d bytes), want %s", i, f.filename(), f.size, want[i])
		}
	}

	if got := lastSegmentOf(dir, "2026-03-10"); got.seq != 10 {
		t.Errorf("lastSegmentOf(2026-03-10) = %+v, want seq 10", got)
	}
	if got := lastSegmentOf(dir, "2026-04-01"); got != (segment{day: "2026-04-01"}) {
		t.Errorf("lastSegmentOf(new day) = %+v", got)
	}
}

func TestSegment_OlderThan(t *testing.T) {
	t.Parallel()
	cutoff := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !(segment{day: "2026-03-02"}).olderThan(cutoff) {
		t.Error("previous day should be older")
	}
	// The cutoff day itself starts at midnight, before the cutoff instant.
	if !(segment{day: "2026-03-03"}).olderThan(cutoff) {
		t.Error("cutoff day should count as older than a mid-day cutoff")
	}
	if (segment{day: "2026-03-04"}).olderThan(cutoff) {
		t.Error("later day should not be older")
	}
}
