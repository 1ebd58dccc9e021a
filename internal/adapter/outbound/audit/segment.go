package audit

import (
	"cmp"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"
)

const dayLayout = "2006-01-02"

// segmentPattern matches audit-YYYY-MM-DD.log and audit-YYYY-MM-DD-N.log.
var segmentPattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// segment identifies one journal file: the UTC day it covers and its
// size-rotation sequence within that day.
type segment struct {
	day string
	seq int
}

func segmentFor(t time.Time) segment {
	return segment{day: t.UTC().Format(dayLayout)}
}

func parseSegment(name string) (segment, bool) {
	m := segmentPattern.FindStringSubmatch(name)
	if m == nil {
		return segment{}, false
	}
	seg := segment{day: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return segment{}, false
		}
		seg.seq = n
	}
	return seg, true
}

func (s segment) filename() string {
	if s.seq == 0 {
		return "audit-" + s.day + ".log"
	}
	return fmt.Sprintf("audit-%s-%d.log", s.day, s.seq)
}

func (s segment) compare(o segment) int {
	return cmp.Or(cmp.Compare(s.day, o.day), cmp.Compare(s.seq, o.seq))
}

// olderThan reports whether the segment's day is before cutoff.
func (s segment) olderThan(cutoff time.Time) bool {
	d, err := time.Parse(dayLayout, s.day)
	return err == nil && d.Before(cutoff)
}

type segmentFile struct {
	segment
	size int64
}

// listSegments returns the journal files in dir, oldest first. Other files
// are ignored.
func listSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []segmentFile
	for _, e := range entries {
		seg, ok := parseSegment(e.Name())
		if !ok {
			continue
		}
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, segmentFile{segment: seg, size: size})
	}
	slices.SortFunc(out, func(a, b segmentFile) int { return a.compare(b.segment) })
	return out, nil
}

// lastSegmentOf returns the highest-sequence segment on disk for day, or
// sequence 0 when there is none.
func lastSegmentOf(dir, day string) segment {
	last := segment{day: day}
	files, _ := listSegments(dir)
	for _, f := range files {
		if f.day == day && f.seq > last.seq {
			last = f.segment
		}
	}
	return last
}
