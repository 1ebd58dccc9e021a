package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

const archiveBatch = 64

// ArchiveService copies admitted entries from AccessRecorded events into an
// accesslog.Store and prunes entries past retention.
//
// Without a queue HandleEvent appends inline. With WithArchiveQueue it only
// enqueues, and a writer started by Start appends in batches, so admission
// never waits on the backend.
type ArchiveService struct {
	store     accesslog.Store
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration
	interval  time.Duration

	queue  chan accesslog.Entry
	qmu    sync.RWMutex
	closed bool

	archived atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// ArchiveOption configures ArchiveService.
type ArchiveOption func(*ArchiveService)

// WithArchiveRetention enables the background prune loop.
func WithArchiveRetention(retention, interval time.Duration) ArchiveOption {
	return func(s *ArchiveService) {
		s.retention = retention
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithArchiveQueue buffers up to size entries for the background writer.
func WithArchiveQueue(size int) ArchiveOption {
	return func(s *ArchiveService) {
		if size > 0 {
			s.queue = make(chan accesslog.Entry, size)
		}
	}
}

// WithArchiveClock overrides the time source of the prune loop.
func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(s *ArchiveService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewArchiveService creates an archive writer for store.
func NewArchiveService(store accesslog.Store, logger *slog.Logger, opts ...ArchiveOption) *ArchiveService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ArchiveService{
		store:    store,
		logger:   logger,
		now:      time.Now,
		interval: 5 * time.Minute,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleEvent archives the entry of an AccessRecorded event and ignores
// every other event. Inline append failures are returned as
// LOG_APPEND_FAILED. A queued entry that finds the queue full or closed is
// dropped and counted.
func (s *ArchiveService) HandleEvent(ctx context.Context, e event.Event) error {
	rec, ok := e.Payload.(event.AccessRecorded)
	if !ok {
		return nil
	}
	entry := rec.Entry()
	if s.queue == nil {
		return s.write(ctx, entry)
	}

	s.qmu.RLock()
	defer s.qmu.RUnlock()
	if !s.closed {
		select {
		case s.queue <- entry:
			return nil
		default:
		}
	}
	n := s.dropped.Add(1)
	s.logger.Warn("access archive entry dropped",
		"actor_id", entry.ActorID,
		"endpoint", entry.EndpointID,
		"total_drops", n,
	)
	return nil
}

func (s *ArchiveService) write(ctx context.Context, entries ...accesslog.Entry) error {
	if err := s.store.Append(ctx, entries...); err != nil {
		s.failed.Add(int64(len(entries)))
		s.logger.Error("failed to archive access entries",
			"count", len(entries),
			"actor_id", entries[0].ActorID,
			"endpoint", entries[0].EndpointID,
			"error", err,
		)
		return &access.Error{
			Kind:    access.KindInternal,
			Code:    access.CodeLogAppendFailed,
			Message: "archive append failed",
			Err:     err,
		}
	}
	s.archived.Add(int64(len(entries)))
	return nil
}

// Start launches the queue writer, when there is a queue, and the
// retention loop.
func (s *ArchiveService) Start(ctx context.Context) {
	if s.queue != nil {
		s.wg.Add(1)
		go s.drain()
	}
	s.StartCleanup(ctx)
}

// drain appends queued entries in batches until the queue is closed. It
// ignores the start context so that Stop can flush what is left.
func (s *ArchiveService) drain() {
	defer s.wg.Done()
	ctx := context.Background()
	batch := make([]accesslog.Entry, 0, archiveBatch)
	for entry := range s.queue {
		batch = append(batch[:0], entry)
	fill:
		for len(batch) < archiveBatch {
			select {
			case next, ok := <-s.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		_ = s.write(ctx, batch...)
	}
}

// Archived returns the number of entries written.
func (s *ArchiveService) Archived() int64 { return s.archived.Load() }

// Failed returns the number of entries whose append failed.
func (s *ArchiveService) Failed() int64 { return s.failed.Load() }

// Dropped returns the number of entries lost to a full queue.
func (s *ArchiveService) Dropped() int64 { return s.dropped.Load() }

// QueueDepth returns the number of entries waiting for the writer.
func (s *ArchiveService) QueueDepth() int { return len(s.queue) }

// Query returns the archived entries matching q.
func (s *ArchiveService) Query(ctx context.Context, q accesslog.Query) ([]accesslog.Entry, error) {
	return s.store.QueryWindow(ctx, q)
}

// Count returns how many archived entries match q.
func (s *ArchiveService) Count(ctx context.Context, q accesslog.Query) (int64, error) {
	return s.store.CountInWindow(ctx, q)
}

// Prune deletes entries older than retention and returns how many went.
func (s *ArchiveService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteBefore(ctx, s.now().Add(-retention))
}

// StartCleanup starts the retention loop. It stops when ctx is cancelled
// or Stop() is called. Does nothing when retention is not positive.
func (s *ArchiveService) StartCleanup(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				removed, err := s.Prune(ctx, s.retention)
				if err != nil {
					s.logger.Warn("access archive prune failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Debug("access archive pruned", "removed_entries", removed)
				}
			}
		}
	}()
}

// Stop closes the queue, waits for the writer to flush it, stops the
// retention loop and closes the store. Safe to call multiple times.
func (s *ArchiveService) Stop() error {
	var err error
	s.once.Do(func() {
		if s.queue != nil {
			s.qmu.Lock()
			s.closed = true
			close(s.queue)
			s.qmu.Unlock()
		}
		close(s.stopChan)
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}
