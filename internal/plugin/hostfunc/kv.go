// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin"
)

// KVStore provides namespaced key-value storage. Get returns nil, nil for a
// missing key.
type KVStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
}

// MemoryKV is an in-process KVStore. The zero value is ready to use.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryKV creates an empty in-process store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{}
}

// Get implements KVStore.
func (m *MemoryKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[namespace][key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Set implements KVStore.
func (m *MemoryKV) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		m.data = make(map[string]map[string][]byte)
	}
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KVStore.
func (m *MemoryKV) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[namespace], key)
	return nil
}

type kvRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (f *Functions) kvRequest(pluginName string, msg plugin.Message) (kvRequest, error) {
	req, err := decodePayload[kvRequest](msg)
	if err != nil {
		return req, err
	}
	if req.Key == "" {
		return req, invalidPayload(pluginName, msg.Key, errors.New("key is required"))
	}
	if f.kvStore == nil {
		return req, oops.Code(CodeUnavailable).In("hostfunc").With("plugin", pluginName).New("kv store not available")
	}
	return req, nil
}

// kvGetFn returns the stored JSON value, or no payload for a missing key.
func (f *Functions) kvGetFn(ctx context.Context, pluginName string, msg plugin.Message) (any, error) {
	req, err := f.kvRequest(pluginName, msg)
	if err != nil {
		return nil, err
	}
	value, err := f.kvStore.Get(ctx, pluginName, req.Key)
	if err != nil {
		return nil, oops.In("hostfunc").With("plugin", pluginName).With("key", req.Key).Wrap(err)
	}
	if value == nil {
		return nil, nil
	}
	return json.RawMessage(value), nil
}

func (f *Functions) kvSetFn(ctx context.Context, pluginName string, msg plugin.Message) (any, error) {
	req, err := f.kvRequest(pluginName, msg)
	if err != nil {
		return nil, err
	}
	if len(req.Value) == 0 {
		return nil, invalidPayload(pluginName, msg.Key, errors.New("value is required"))
	}
	if err := f.kvStore.Set(ctx, pluginName, req.Key, req.Value); err != nil {
		return nil, oops.In("hostfunc").With("plugin", pluginName).With("key", req.Key).Wrap(err)
	}
	return nil, nil
}

func (f *Functions) kvDeleteFn(ctx context.Context, pluginName string, msg plugin.Message) (any, error) {
	req, err := f.kvRequest(pluginName, msg)
	if err != nil {
		return nil, err
	}
	if err := f.kvStore.Delete(ctx, pluginName, req.Key); err != nil {
		return nil, oops.In("hostfunc").With("plugin", pluginName).With("key", req.Key).Wrap(err)
	}
	return nil, nil
}
