package app

import (
	"context"
	"sync"

	"quiz-engine/internal/domain"
)

// Broadcaster fans state changes out to local subscribers of an exercise.
// It implements Notifier and is also the sink of the Redis pub/sub relay.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.StateChange]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[chan domain.StateChange]struct{})}
}

var _ Notifier = (*Broadcaster)(nil)

// Subscribe returns a channel of changes for exerciseID.
// The caller must invoke the returned cancel function to avoid leaks.
func (b *Broadcaster) Subscribe(exerciseID string) (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange, 8)

	b.mu.Lock()
	subs, ok := b.subscribers[exerciseID]
	if !ok {
		subs = make(map[chan domain.StateChange]struct{})
		b.subscribers[exerciseID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[exerciseID]
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(b.subscribers, exerciseID)
		}
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(_ context.Context, change domain.StateChange) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers[change.ExerciseID] {
		select {
		case ch <- change:
		default:
			// Slow subscriber: drop its oldest pending change.
			select {
			case <-ch:
			default:
			}
			ch <- change
		}
	}
	return nil
}

// Subscribers reports how many local subscribers exerciseID has.
func (b *Broadcaster) Subscribers(exerciseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[exerciseID])
}
