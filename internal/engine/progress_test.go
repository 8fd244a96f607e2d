package engine

import (
	"testing"
	"time"
)

func TestAggregatorDeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	ch, unsub := a.Subscribe(8)
	defer unsub()

	for i := 1; i <= 3; i++ {
		a.Publish(ProgressEvent{WorkerID: "w", ItemID: int64(i)})
	}
	for i := 1; i <= 3; i++ {
		select {
		case ev := <-ch:
			if ev.ItemID != int64(i) {
				t.Fatalf("event %d has item %d", i, ev.ItemID)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestAggregatorDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	ch, unsub := a.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		// A full buffer must not block the publisher.
		for i := 0; i < 10; i++ {
			a.Publish(ProgressEvent{ItemID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1", len(ch))
	}
}

func TestAggregatorUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	a := NewAggregator()
	_, unsub := a.Subscribe(4)
	unsub()
	unsub() // idempotent

	// Publishing after close must not panic.
	a.Publish(ProgressEvent{ItemID: 1})
}
