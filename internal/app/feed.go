package app

import (
	"context"
	"sync"

	"quiz-attempt-service/internal/domain"
)

// Feed is an in-process fan-out of attempt events keyed by attempt ID.
type Feed struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.AttemptEvent]struct{}
}

func NewFeed() *Feed {
	return &Feed{subscribers: make(map[string]map[chan domain.AttemptEvent]struct{})}
}

// Publish implements EventPublisher for single-instance deployments.
func (f *Feed) Publish(_ context.Context, ev domain.AttemptEvent) error {
	f.Broadcast(ev)
	return nil
}

// Broadcast delivers ev to every subscriber of its attempt.
func (f *Feed) Broadcast(ev domain.AttemptEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers[ev.AttemptID] {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop its oldest event so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a channel of events for attemptID. The caller must invoke
// the returned cancel function to avoid leaks.
func (f *Feed) Subscribe(attemptID string) (<-chan domain.AttemptEvent, func()) {
	ch := make(chan domain.AttemptEvent, 8)

	f.mu.Lock()
	subs, ok := f.subscribers[attemptID]
	if !ok {
		subs = make(map[chan domain.AttemptEvent]struct{})
		f.subscribers[attemptID] = subs
	}
	subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subscribers[attemptID]
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(f.subscribers, attemptID)
		}
	}
	return ch, cancel
}
