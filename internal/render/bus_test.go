package render

import (
	"testing"
	"time"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

func ev(jobID string, progress int) model.ProgressEvent {
	return model.ProgressEvent{JobID: jobID, VideoID: "v1", Status: model.JobProcessing,
		Progress: progress, Timestamp: time.Now()}
}

func TestBus_OrderPreserved(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("j1")
	for i := 1; i <= 5; i++ {
		bus.Publish(ev("j1", i*10))
	}

	for i := 1; i <= 5; i++ {
		got := <-sub.Events()
		if got.Progress != i*10 {
			t.Fatalf("event %d progress = %d, want %d", i, got.Progress, i*10)
		}
	}
}

func TestBus_NoCrossJobDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("j1")
	bus.Publish(ev("other", 10))

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event for other job: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_LateSubscriberNoReplay(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(ev("j1", 10))
	sub := bus.Subscribe("j1")

	select {
	case e := <-sub.Events():
		t.Fatalf("late subscriber must not replay history, got %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("j1")
	// Overflow the backlog without consuming.
	for i := 0; i < subscriberBacklog+2; i++ {
		bus.Publish(ev("j1", i))
	}

	// Channel is closed after the drop; draining must terminate.
	count := 0
	for range sub.Events() {
		count++
	}
	if count != subscriberBacklog {
		t.Errorf("delivered %d events before drop, want %d", count, subscriberBacklog)
	}
}

func TestBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("j1")
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // second call must not panic

	bus.Publish(ev("j1", 10)) // must not block or panic
}
