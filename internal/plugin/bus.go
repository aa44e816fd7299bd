// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"sync"
)

// MessageEvent is a single delivery on the host's message bus. Origin is set
// by the context that posted the message, never by the plugin itself.
type MessageEvent struct {
	Origin string
	Data   any
}

// Listener receives message events from the bus.
type Listener func(MessageEvent)

// Source sends messages into a loaded isolated context.
type Source interface {
	// PostMessage delivers data to the context if targetOrigin matches the
	// context's origin.
	PostMessage(data string, targetOrigin string) error
}

// Bus is the host-side messaging primitive every isolated context posts to.
//
// Bus is safe for concurrent use. The zero value is ready to use.
type Bus struct {
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	mu        sync.RWMutex
}

// NewBus creates a message bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every subsequent Post. The returned subscription
// must be released with Unsubscribe.
func (b *Bus) Subscribe(fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners == nil {
		b.listeners = make(map[uint64]Listener)
	}
	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)

	return &Subscription{bus: b, id: id}
}

// Post delivers ev to all current listeners on the caller's goroutine.
func (b *Bus) Post(ev MessageEvent) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.listeners[id]; !ok {
		return
	}
	delete(b.listeners, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Subscription is a listener registration owned by one channel.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}
