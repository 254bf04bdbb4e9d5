// Package events provides the in-process pub/sub broker and the optional
// Redis fan-out used to notify external consumers.
package events

import (
	"sync"
)

// Bus fans notifications out to in-process subscribers, routed by the
// notification's event type.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan Notification
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Notification)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish routes n to every subscriber of n.Type. Slow subscribers drop
// the notification; the publisher never blocks.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[n.Type] {
		select {
		case ch <- n:
		default:
		}
	}
}
