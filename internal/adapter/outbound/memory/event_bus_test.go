package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Sentinel-Gate/quotagate/internal/domain/event"
)

func TestEventBus_DispatchByName(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	var got []string
	bus.Subscribe(event.NameLimitExceeded, func(_ context.Context, e event.Event) error {
		got = append(got, "limited:"+e.ActorID())
		return nil
	})
	bus.SubscribeAll(func(_ context.Context, e event.Event) error {
		got = append(got, "all:"+string(e.Name))
		return nil
	})

	at := time.Now()
	err := bus.Publish(context.Background(),
		event.New("r", 1, at, event.AccessRequested{ActorID: "a"}),
		event.New("r", 2, at, event.LimitExceeded{ActorID: "a"}),
	)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := []string{"all:access.requested", "limited:a", "all:access.limit_exceeded"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
}

func TestEventBus_HandlerErrorsAreJoined(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	boom := errors.New("boom")
	delivered := 0
	bus.Subscribe(event.NameAccessRecorded, func(context.Context, event.Event) error { return boom })
	bus.Subscribe(event.NameAccessRecorded, func(context.Context, event.Event) error {
		delivered++
		return nil
	})
	bus.Subscribe(event.NameAccessRecorded, func(context.Context, event.Event) error { panic("bad handler") })

	err := bus.Publish(context.Background(), event.New("r", 1, time.Now(), event.AccessRecorded{ActorID: "a"}))
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want to wrap boom", err)
	}
	if delivered != 1 {
		t.Errorf("later handlers must still run, delivered = %d", delivered)
	}
}

func TestEventBus_NoSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(nil)
	if err := bus.Publish(context.Background(), event.New("r", 1, time.Now(), event.InvalidAccess{})); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
