package memory

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
)

const (
	defaultRecentCap = 1000
	defaultQueryCap  = 100
	maxQueryCap      = 1000
)

// AuditStore writes audit records as JSON lines and remembers the most
// recent ones in a fixed-size ring for GetRecent and Query.
type AuditStore struct {
	out io.Writer
	enc *json.Encoder

	mu   sync.Mutex
	ring []audit.Record
	next int // slot the next record goes to
	full bool
}

// NewAuditStore returns a store writing to stdout. The optional capacity
// sizes the ring (default 1000).
func NewAuditStore(capacity ...int) *AuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter returns a store writing to w. With a nil w
// records are only kept in memory.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *AuditStore {
	size := defaultRecentCap
	if len(capacity) > 0 && capacity[0] > 0 {
		size = capacity[0]
	}
	s := &AuditStore{out: w, ring: make([]audit.Record, size)}
	if w != nil {
		s.enc = json.NewEncoder(w)
	}
	return s
}

// Append encodes each record and stores it, evicting the oldest once the
// ring is full. An encode error stops the batch.
func (s *AuditStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if s.enc != nil {
			if err := s.enc.Encode(rec); err != nil {
				return err
			}
		}
		s.ring[s.next] = rec
		s.next++
		if s.next == len(s.ring) {
			s.next, s.full = 0, true
		}
	}
	return nil
}

// Flush does nothing: Append writes synchronously.
func (s *AuditStore) Flush(context.Context) error { return nil }

// Close closes the writer if it is a file other than stdout or stderr.
func (s *AuditStore) Close() error {
	f, ok := s.out.(*os.File)
	if !ok || f == os.Stdout || f == os.Stderr {
		return nil
	}
	return f.Close()
}

// GetRecent returns up to n records, newest first.
func (s *AuditStore) GetRecent(n int) []audit.Record {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Record
	for rec := range s.newestFirst() {
		if len(out) == n {
			break
		}
		out = append(out, rec)
	}
	return out
}

// Query returns the remembered records matching filter, newest first. The
// limit defaults to 100 and is capped at 1000.
func (s *AuditStore) Query(filter audit.Filter) []audit.Record {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryCap
	}
	limit = min(limit, maxQueryCap)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []audit.Record
	for rec := range s.newestFirst() {
		if len(out) == limit {
			break
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// newestFirst walks the ring backwards from the last write. s.mu is held.
func (s *AuditStore) newestFirst() iter.Seq[audit.Record] {
	count := s.next
	if s.full {
		count = len(s.ring)
	}
	return func(yield func(audit.Record) bool) {
		for i := 1; i <= count; i++ {
			idx := (s.next - i + len(s.ring)) % len(s.ring)
			if !yield(s.ring[idx]) {
				return
			}
		}
	}
}

var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
