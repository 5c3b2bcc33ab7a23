package core

import "sync"

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

// Bus fans queue events out to subscribers. Emit never blocks: a slow
// subscriber loses events rather than stalling the emitter.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving future events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Subscribe.
// The channel is not closed; callers must stop reading before calling
// Unsubscribe. After Unsubscribe returns, no further events are sent to
// the channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to all subscribers.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	// Copy the slice so Subscribe during iteration cannot race.
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full so slow consumers never block workers.
		}
	}
}
