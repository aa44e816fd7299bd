// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"sync"
)

// EventHandler receives the payload of a notification.
type EventHandler func(payload json.RawMessage)

// AnyEventHandler receives every notification with its key.
type AnyEventHandler func(key string, payload json.RawMessage)

type keyedHandler struct {
	id uint64
	fn EventHandler
}

type anyHandler struct {
	id uint64
	fn AnyEventHandler
}

// Events fans plugin notifications out to host-side handlers by key.
//
// Events is safe for concurrent use. The zero value is ready to use.
type Events struct {
	byKey  map[string][]keyedHandler
	all    []anyHandler
	nextID uint64
	mu     sync.RWMutex
}

// On registers fn for notifications with key. The returned function removes
// the registration and is safe to call more than once.
func (e *Events) On(key string, fn EventHandler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byKey == nil {
		e.byKey = make(map[string][]keyedHandler)
	}
	e.nextID++
	id := e.nextID
	e.byKey[key] = append(e.byKey[key], keyedHandler{id: id, fn: fn})

	return func() { e.off(key, id) }
}

// OnAll registers fn for every notification regardless of key.
func (e *Events) OnAll(fn AnyEventHandler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.all = append(e.all, anyHandler{id: id, fn: fn})

	return func() { e.offAll(id) }
}

// Emit calls every handler registered for key, in registration order, then
// every catch-all handler.
func (e *Events) Emit(key string, payload json.RawMessage) {
	e.mu.RLock()
	keyed := append([]keyedHandler(nil), e.byKey[key]...)
	all := append([]anyHandler(nil), e.all...)
	e.mu.RUnlock()

	for _, h := range keyed {
		h.fn(payload)
	}
	for _, h := range all {
		h.fn(key, payload)
	}
}

// Count returns the number of handlers registered for key.
func (e *Events) Count(key string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byKey[key])
}

func (e *Events) off(key string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	handlers := e.byKey[key]
	for i, h := range handlers {
		if h.id == id {
			e.byKey[key] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(e.byKey[key]) == 0 {
		delete(e.byKey, key)
	}
}

func (e *Events) offAll(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.all {
		if h.id == id {
			e.all = append(e.all[:i:i], e.all[i+1:]...)
			return
		}
	}
}
