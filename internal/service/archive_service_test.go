package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/quotagate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/quotagate/internal/domain/access"
	"github.com/Sentinel-Gate/quotagate/internal/domain/accesslog"
	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

// failingArchive fails every append.
type failingArchive struct {
	accesslog.Store
	closed bool
}

func (f *failingArchive) Append(context.Context, ...accesslog.Entry) error {
	return errors.New("disk full")
}

func (f *failingArchive) Close() error {
	f.closed = true
	return nil
}

// gatedArchive holds every append until gate is closed and signals
// entered when an append starts waiting.
type gatedArchive struct {
	accesslog.Store
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedArchive) Append(ctx context.Context, _ ...accesslog.Entry) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedArchive) Close() error { return nil }

func recordedEvent(actor string, at time.Time) event.Event {
	return event.New("reg", 1, at, event.AccessRecorded{
		ActorID:    actor,
		EndpointID: "GET /api/users/:id",
		Timestamp:  at,
		Metadata:   accesslog.Metadata{IP: "10.0.0.1"},
	})
}

func TestArchiveService_ArchivesRecordedEntries(t *testing.T) {
	t.Parallel()

	store := memory.NewAccessLogStore(time.Minute, 0, quietLogger())
	svc := NewArchiveService(store, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.HandleEvent(ctx, recordedEvent("alice", accessEpoch.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	other := event.New("reg", 4, accessEpoch, event.LimitExceeded{ActorID: "alice", EndpointID: "GET /api/users/:id"})
	if err := svc.HandleEvent(ctx, other); err != nil {
		t.Fatalf("HandleEvent(LimitExceeded) error = %v", err)
	}

	if svc.Archived() != 3 {
		t.Errorf("Archived() = %d, want 3", svc.Archived())
	}

	q := accesslog.Query{ActorID: "alice", EndpointID: "GET /api/users/:id", Start: accessEpoch}
	entries, err := svc.Query(ctx, q)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Query() returned %d entries, want 3", len(entries))
	}
	if entries[0].Metadata.IP != "10.0.0.1" {
		t.Errorf("Metadata.IP = %q, want 10.0.0.1", entries[0].Metadata.IP)
	}

	q.End = accessEpoch.Add(2 * time.Second)
	n, err := svc.Count(ctx, q)
	if err != nil || n != 2 {
		t.Errorf("Count() = %d, %v; want 2, nil", n, err)
	}
}

func TestArchiveService_AppendFailure(t *testing.T) {
	t.Parallel()

	store := &failingArchive{}
	svc := NewArchiveService(store, quietLogger())

	err := svc.HandleEvent(context.Background(), recordedEvent("bob", accessEpoch))
	if access.CodeOf(err) != access.CodeLogAppendFailed {
		t.Fatalf("HandleEvent() error = %v, want %s", err, access.CodeLogAppendFailed)
	}
	if !errors.Is(err, access.ErrInternal) {
		t.Errorf("error kind = %s, want internal", access.KindOf(err))
	}
	if svc.Failed() != 1 || svc.Archived() != 0 {
		t.Errorf("Failed() = %d Archived() = %d, want 1 0", svc.Failed(), svc.Archived())
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !store.closed {
		t.Error("Stop() did not close the store")
	}
}

func TestArchiveService_Prune(t *testing.T) {
	t.Parallel()

	store := memory.NewAccessLogStore(time.Minute, 0, quietLogger())
	clock := &fakeClock{now: accessEpoch.Add(time.Hour)}
	svc := NewArchiveService(store, quietLogger(), WithArchiveClock(clock.Now))
	ctx := context.Background()

	_ = svc.HandleEvent(ctx, recordedEvent("a", accessEpoch))
	_ = svc.HandleEvent(ctx, recordedEvent("a", accessEpoch.Add(50*time.Minute)))

	removed, err := svc.Prune(ctx, 30*time.Minute)
	if err != nil || removed != 1 {
		t.Fatalf("Prune() = %d, %v; want 1, nil", removed, err)
	}
	if store.Size() != 1 {
		t.Errorf("Size() = %d, want 1", store.Size())
	}
}

func TestArchiveService_CleanupLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewAccessLogStore(time.Minute, 0, quietLogger())
	clock := &fakeClock{now: accessEpoch.Add(time.Hour)}
	svc := NewArchiveService(store, quietLogger(),
		WithArchiveClock(clock.Now),
		WithArchiveRetention(time.Minute, 5*time.Millisecond),
	)
	ctx := context.Background()
	_ = svc.HandleEvent(ctx, recordedEvent("a", accessEpoch))

	svc.StartCleanup(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for store.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Size() != 0 {
		t.Errorf("Size() = %d after cleanup loop, want 0", store.Size())
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestArchiveService_QueueFlushesOnStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := memory.NewAccessLogStore(time.Minute, 0, quietLogger())
	svc := NewArchiveService(store, quietLogger(), WithArchiveQueue(16))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	for i := range 5 {
		if err := svc.HandleEvent(ctx, recordedEvent("alice", accessEpoch.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	// A cancelled start context must not lose queued entries.
	cancel()
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if svc.Archived() != 5 || svc.Dropped() != 0 {
		t.Errorf("Archived() = %d Dropped() = %d, want 5 0", svc.Archived(), svc.Dropped())
	}
	if err := svc.HandleEvent(context.Background(), recordedEvent("late", accessEpoch)); err != nil {
		t.Errorf("HandleEvent() after Stop error = %v", err)
	}
	if svc.Dropped() != 1 {
		t.Errorf("Dropped() after Stop = %d, want 1", svc.Dropped())
	}
}

func TestArchiveService_QueueDoesNotWaitOnBackend(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := &gatedArchive{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	svc := NewArchiveService(store, quietLogger(), WithArchiveQueue(2))
	svc.Start(context.Background())
	ctx := context.Background()

	// The first entry occupies the writer, two more fill the queue.
	if err := svc.HandleEvent(ctx, recordedEvent("bob", accessEpoch)); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	<-store.entered

	const sent = 10
	start := time.Now()
	for i := 1; i < sent; i++ {
		if err := svc.HandleEvent(ctx, recordedEvent("bob", accessEpoch.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("HandleEvent blocked for %v behind a stalled backend", elapsed)
	}
	if svc.Dropped() != sent-3 || svc.QueueDepth() != 2 {
		t.Errorf("Dropped() = %d QueueDepth() = %d, want %d 2", svc.Dropped(), svc.QueueDepth(), sent-3)
	}

	close(store.gate)
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := svc.Archived() + svc.Dropped(); got != sent {
		t.Errorf("Archived()+Dropped() = %d, want %d", got, sent)
	}
}
