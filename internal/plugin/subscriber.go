// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Relay forwards the notifications one plugin emits to every other plugin
// whose profile subscribes to them.
type Relay struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	offs     map[string]func()
	stopped  bool
	wg       sync.WaitGroup
}

// NewRelay creates an empty relay.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger:   logger,
		channels: make(map[string]*Channel),
		offs:     make(map[string]func()),
	}
}

// Watch starts relaying ch's notifications and makes ch a delivery target.
func (r *Relay) Watch(ch *Channel) {
	name := ch.Name()
	off := ch.Events().OnAll(func(key string, payload json.RawMessage) {
		r.dispatch(name, key, payload)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.offs[name]; ok {
		prev()
	}
	r.channels[name] = ch
	r.offs[name] = off
}

// Forget stops relaying to and from the named plugin.
func (r *Relay) Forget(name string) {
	r.mu.Lock()
	off, ok := r.offs[name]
	delete(r.offs, name)
	delete(r.channels, name)
	r.mu.Unlock()

	if ok {
		off()
	}
}

// Subscribers returns the plugins that would receive (emitter, key), in
// sorted order.
func (r *Relay) Subscribers(emitter, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, ch := range r.channels {
		if name == emitter {
			continue
		}
		if _, ok := ch.Notifs()[emitter][key]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stop waits for in-flight deliveries. Later notifications are dropped.
func (r *Relay) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) dispatch(emitter, key string, payload json.RawMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return
	}
	for name, ch := range r.channels {
		if name == emitter {
			continue
		}
		notify, ok := ch.Notifs()[emitter][key]
		if !ok {
			continue
		}
		r.deliverAsync(name, emitter, key, notify, payload)
	}
}

// deliverAsync runs notify on its own goroutine so a slow target never
// blocks the emitter's delivery path.
func (r *Relay) deliverAsync(target, emitter, key string, notify NotifyFunc, payload json.RawMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := notify(payload); err != nil {
			switch {
			case errors.Is(err, ErrChannelClosed), errors.Is(err, ErrNoContext):
				r.logger.Debug("notification target not active",
					"plugin", target,
					"event", emitter,
					"key", key)
			default:
				r.logger.Error("failed to relay notification",
					"plugin", target,
					"event", emitter,
					"key", key,
					"error", err)
			}
		}
	}()
}
