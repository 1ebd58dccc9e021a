// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
)

type logKey struct {
	actorID    string
	endpointID string
}

// AccessLogStore implements accesslog.Store in memory.
// Thread-safe for concurrent access. Entries are kept sorted per
// (actor, endpoint). Includes an optional background retention sweep.
type AccessLogStore struct {
	logs map[logKey][]accesslog.Entry
	mu   sync.RWMutex

	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	retention       time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// NewAccessLogStore creates an in-memory archive. A positive retention
// enables the sweep started by StartCleanup.
func NewAccessLogStore(cleanupInterval, retention time.Duration, logger *slog.Logger) *AccessLogStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &AccessLogStore{
		logs:            make(map[logKey][]accesslog.Entry),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		retention:       retention,
		logger:          logger,
		now:             time.Now,
	}
}

// Append stores entries, keeping each log in time order.
func (s *AccessLogStore) Append(_ context.Context, entries ...accesslog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		k := logKey{e.ActorID, e.EndpointID}
		log := s.logs[k]
		i := sort.Search(len(log), func(i int) bool {
			return log[i].Timestamp.After(e.Timestamp)
		})
		s.logs[k] = slices.Insert(log, i, e)
	}
	return nil
}

// QueryWindow returns the entries in [q.Start, q.End) in time order. A zero
// End is unbounded.
func (s *AccessLogStore) QueryWindow(_ context.Context, q accesslog.Query) ([]accesslog.Entry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := s.bounds(q)
	return slices.Clone(s.logs[logKey{q.ActorID, q.EndpointID}][lo:hi]), nil
}

// CountInWindow counts the entries QueryWindow would return.
func (s *AccessLogStore) CountInWindow(_ context.Context, q accesslog.Query) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := s.bounds(q)
	return int64(hi - lo), nil
}

// bounds returns the slice indexes of q within its log. Caller holds the lock.
func (s *AccessLogStore) bounds(q accesslog.Query) (int, int) {
	log := s.logs[logKey{q.ActorID, q.EndpointID}]
	lo := sort.Search(len(log), func(i int) bool {
		return !log[i].Timestamp.Before(q.Start)
	})
	hi := len(log)
	if !q.End.IsZero() {
		hi = sort.Search(len(log), func(i int) bool {
			return !log[i].Timestamp.Before(q.End)
		})
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// DeleteBefore removes entries older than before from every log.
func (s *AccessLogStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, log := range s.logs {
		i := sort.Search(len(log), func(i int) bool {
			return !log[i].Timestamp.Before(before)
		})
		if i == 0 {
			continue
		}
		removed += int64(i)
		if i == len(log) {
			delete(s.logs, k)
		} else {
			s.logs[k] = slices.Clone(log[i:])
		}
	}
	return removed, nil
}

// StartCleanup starts the background retention goroutine.
// It stops when ctx is cancelled or Stop() is called. Does nothing when
// retention is not positive.
func (s *AccessLogStore) StartCleanup(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.cleanup(ctx)
			}
		}
	}()
}

func (s *AccessLogStore) cleanup(ctx context.Context) {
	removed, _ := s.DeleteBefore(ctx, s.now().Add(-s.retention))
	if removed > 0 {
		s.logger.Debug("access log archive cleanup completed",
			"removed_entries", removed,
			"remaining_entries", s.Size())
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *AccessLogStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Close stops the cleanup goroutine.
func (s *AccessLogStore) Close() error {
	s.Stop()
	return nil
}

// Size returns the total number of archived entries.
func (s *AccessLogStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, log := range s.logs {
		n += len(log)
	}
	return n
}

// Compile-time interface verification.
var _ accesslog.Store = (*AccessLogStore)(nil)
