package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

// EventBus delivers events synchronously to handlers registered by name.
// Events are delivered in publish order; handlers for one event run in
// registration order. A failing handler does not stop delivery.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[event.Name][]event.Handler
	all      []event.Handler
	logger   *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[event.Name][]event.Handler),
		logger:   logger,
	}
}

// Subscribe registers h for events named name.
func (b *EventBus) Subscribe(name event.Name, h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers h for every event.
func (b *EventBus) SubscribeAll(h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers events in order and returns the joined handler errors.
func (b *EventBus) Publish(ctx context.Context, events ...event.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for _, e := range events {
		for _, h := range b.handlers[e.Name] {
			if err := b.deliver(ctx, h, e); err != nil {
				errs = append(errs, err)
			}
		}
		for _, h := range b.all {
			if err := b.deliver(ctx, h, e); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *EventBus) deliver(ctx context.Context, h event.Handler, e event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic on %s: %v", e.Name, r)
		}
	}()
	if err := h(ctx, e); err != nil {
		b.logger.Warn("event handler failed", "event", e.Name, "event_id", e.ID, "error", err)
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	return nil
}

// Compile-time interface verification.
var _ event.Publisher = (*EventBus)(nil)
