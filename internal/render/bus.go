package render

import (
	"log/slog"
	"sync"

	"github.com/ctrlf-ai/ai-gateway/internal/model"
)

// subscriberBacklog bounds how many undelivered events a subscriber may
// accumulate before it is dropped to protect the publisher.
const subscriberBacklog = 16

// Bus is the in-process progress pub/sub keyed by job id. Publish never
// blocks; ordering within one subscription is preserved; late
// subscribers do not replay history.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's event feed.
type Subscription struct {
	jobID string
	ch    chan model.ProgressEvent
}

// Events returns the subscriber's ordered event channel. The channel is
// closed when the subscription is cancelled, the bus shuts down, or the
// subscriber falls too far behind.
func (s *Subscription) Events() <-chan model.ProgressEvent { return s.ch }

// NewBus creates a Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for jobID events.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{jobID: jobID, ch: make(chan model.ProgressEvent, subscriberBacklog)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*Subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	set, ok := b.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
	close(sub.ch)
}

// Publish delivers an event to every subscriber of the event's job.
// A subscriber whose backlog is full is dropped.
func (b *Bus) Publish(ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("progress subscriber too slow, dropping",
				"job_id", ev.JobID, "backlog", subscriberBacklog)
			b.removeLocked(sub)
		}
	}
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}
