// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"sync"
)

// result is what a completion resolves with.
type result struct {
	payload json.RawMessage
	err     error
}

// completion is a single-use future for one outstanding request.
type completion struct {
	done chan result
}

func newCompletion() *completion {
	return &completion{done: make(chan result, 1)}
}

// pendingTable correlates outstanding requests (plugin name, id) to their
// completion.
type pendingTable struct {
	entries map[string]map[uint64]*completion
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]map[uint64]*completion)}
}

// register creates the completion for (name, id).
func (t *pendingTable) register(name string, id uint64) *completion {
	t.mu.Lock()
	defer t.mu.Unlock()

	byID, ok := t.entries[name]
	if !ok {
		byID = make(map[uint64]*completion)
		t.entries[name] = byID
	}
	c := newCompletion()
	byID[id] = c
	return c
}

// resolve completes and removes the entry for (name, id). It reports false
// when no such entry exists, in which case nothing changes.
func (t *pendingTable) resolve(name string, id uint64, payload json.RawMessage, err error) bool {
	t.mu.Lock()
	byID, ok := t.entries[name]
	if !ok {
		t.mu.Unlock()
		return false
	}
	c, ok := byID[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(t.entries, name)
	}
	t.mu.Unlock()

	c.done <- result{payload: payload, err: err}
	return true
}

// forget drops the entry for (name, id) without completing it.
func (t *pendingTable) forget(name string, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if byID, ok := t.entries[name]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(t.entries, name)
		}
	}
}

// failAll completes every outstanding entry with err and empties the table.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]map[uint64]*completion)
	t.mu.Unlock()

	for _, byID := range entries {
		for _, c := range byID {
			c.done <- result{err: err}
		}
	}
}

// count returns the number of unresolved entries for name.
func (t *pendingTable) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[name])
}
