package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/audit"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

const (
	defaultAuditQueue     = 1000
	defaultAuditBatch     = 100
	finalFlushTimeout     = 5 * time.Second
	depthWarningInterval  = time.Second
	fastFlushDivisor      = 4
	defaultPressureFactor = 80
)

// AuditService journals domain events off the admission path. Events are
// queued on a bounded channel and written to the store in batches by one
// worker goroutine.
type AuditService struct {
	store  audit.Store
	logger *slog.Logger
	wg     sync.WaitGroup

	queue    chan audit.Record
	capacity int

	batchSize     int
	flushInterval time.Duration

	// sendTimeout bounds how long Record blocks on a full queue. Zero drops
	// at once.
	sendTimeout time.Duration
	dropped     atomic.Int64

	// Percentages of capacity. warnAt logs a depth warning, fastFlushAt
	// shortens the flush interval. Zero disables either.
	warnAt      int
	fastFlushAt int
	lastWarnNs  atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets how many records are written per store call.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the queue capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.capacity = size
		}
	}
}

// WithSendTimeout sets how long Record waits on a full queue before
// dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the queue fill percentage that logs a warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warnAt = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the queue fill percentage at which the
// worker flushes four times as often. Zero disables it.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.fastFlushAt = clampPercent(percent)
	}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:         store,
		logger:        logger,
		capacity:      defaultAuditQueue,
		batchSize:     defaultAuditBatch,
		flushInterval: time.Second,
		sendTimeout:   100 * time.Millisecond,
		warnAt:        defaultPressureFactor,
		fastFlushAt:   defaultPressureFactor,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan audit.Record, s.capacity)
	return s
}

// Start launches the batching worker. Cancelling ctx drains the queue.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop closes the queue and waits for the worker to write what is left.
// Record must not be called after Stop.
func (s *AuditService) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// HandleEvent journals a domain event. It has the event.Handler signature
// and never fails.
func (s *AuditService) HandleEvent(_ context.Context, e event.Event) error {
	s.Record(audit.FromEvent(e))
	return nil
}

// Record queues one record. On a full queue it waits up to the send
// timeout, then drops the record and counts it.
func (s *AuditService) Record(rec audit.Record) {
	if s.warnAt > 0 {
		if p := s.pressure(); p >= s.warnAt {
			s.warnDepth(p)
		}
	}

	select {
	case s.queue <- rec:
		return
	default:
	}

	if s.sendTimeout > 0 {
		timer := time.NewTimer(s.sendTimeout)
		defer timer.Stop()
		select {
		case s.queue <- rec:
			return
		case <-timer.C:
		}
	}

	n := s.dropped.Add(1)
	s.logger.Warn("audit record dropped",
		"event", rec.EventName,
		"actor_id", rec.ActorID,
		"total_drops", n,
	)
}

// DroppedRecords is the number of records lost to a full queue.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropped.Load()
}

// ChannelDepth is the number of queued records.
func (s *AuditService) ChannelDepth() int {
	return len(s.queue)
}

// ChannelCapacity is the queue size.
func (s *AuditService) ChannelCapacity() int {
	return s.capacity
}

// pressure is the queue fill level in percent.
func (s *AuditService) pressure() int {
	return len(s.queue) * 100 / s.capacity
}

// warnDepth logs at most one depth warning per second across goroutines.
func (s *AuditService) warnDepth(percent int) {
	now := time.Now().UnixNano()
	last := s.lastWarnNs.Load()
	if now-last < int64(depthWarningInterval) || !s.lastWarnNs.CompareAndSwap(last, now) {
		return
	}
	s.logger.Warn("audit channel approaching capacity",
		"depth", len(s.queue),
		"capacity", s.capacity,
		"percent", percent,
	)
}

func (s *AuditService) run(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	fast := false

	write := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.store.Append(ctx, batch...); err != nil {
			s.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}
	final := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		write(flushCtx)
	}

	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				final()
				return
			}
			batch = append(batch, rec)

			hot := s.fastFlushAt > 0 && s.pressure() >= s.fastFlushAt
			if len(batch) >= s.batchSize || hot {
				write(ctx)
			}
			if s.fastFlushAt > 0 && hot != fast {
				fast = hot
				interval := s.flushInterval
				if fast {
					interval /= fastFlushDivisor
				}
				ticker.Reset(interval)
				s.logger.Debug("audit flush interval changed", "interval", interval, "fast", fast)
			}

		case <-ticker.C:
			write(ctx)

		case <-ctx.Done():
			for rec := range s.queue {
				batch = append(batch, rec)
			}
			final()
			return
		}
	}
}
