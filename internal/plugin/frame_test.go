// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/framehost/internal/plugin"
)

const testOrigin = "file:///plugins/resolver"

// fakeFrame is an in-memory isolated context. It records everything the host
// sends and lets tests post plugin messages back onto the bus.
type fakeFrame struct {
	bus           *plugin.Bus
	origin        string
	loadErr       error
	handshakeErr  string
	skipHandshake bool
	onRequest     func(f *fakeFrame, msg plugin.Message)
	// loading, when set, is closed once Load starts; Load then waits for
	// release.
	loading chan struct{}
	release chan struct{}

	mu        sync.Mutex
	sent      []plugin.Message
	loadedURL string
	loaded    bool
	destroyed int
}

func (f *fakeFrame) Load(_ context.Context, rawURL string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	if f.loading != nil {
		close(f.loading)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = true
	f.loadedURL = rawURL
	return nil
}

func (f *fakeFrame) Origin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return ""
	}
	return f.origin
}

func (f *fakeFrame) Source() plugin.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return nil
	}
	return f
}

func (f *fakeFrame) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeFrame) PostMessage(data string, targetOrigin string) error {
	if targetOrigin != f.origin {
		return plugin.ErrOriginMismatch
	}
	msg, err := plugin.DecodeMessage(data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if msg.Action == plugin.ActionRequest && msg.Key == plugin.HandshakeKey {
		if !f.skipHandshake {
			f.post(plugin.Message{
				Action: plugin.ActionResponse,
				Name:   msg.Name,
				Key:    plugin.HandshakeKey,
				Error:  f.handshakeErr,
			})
		}
		return nil
	}
	if msg.Action == plugin.ActionRequest && f.onRequest != nil {
		f.onRequest(f, msg)
	}
	return nil
}

// post delivers msg to the bus as if the plugin sent it.
func (f *fakeFrame) post(msg plugin.Message) {
	f.postFrom(f.origin, msg)
}

func (f *fakeFrame) postFrom(origin string, msg plugin.Message) {
	data, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	f.bus.Post(plugin.MessageEvent{Origin: origin, Data: data})
}

// requests returns the non-handshake requests sent so far.
func (f *fakeFrame) requests() []plugin.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []plugin.Message
	for _, m := range f.sent {
		if m.Action == plugin.ActionRequest && m.Key != plugin.HandshakeKey {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeFrame) messages(action plugin.Action) []plugin.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []plugin.Message
	for _, m := range f.sent {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeFrame) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func resolverProfile() *plugin.Profile {
	return &plugin.Profile{
		Name:    "resolver",
		Version: "1.0.0",
		URL:     "file:///plugins/resolver/main.lua",
		Methods: []string{"resolve", "m1", "m2", "m3"},
		Notifications: map[string][]string{
			"tx-listener": {"newTransaction"},
		},
	}
}

// newTestChannel creates a channel over a fake frame and registers cleanup.
func newTestChannel(t testing.TB, frame *fakeFrame, opts ...plugin.Option) (*plugin.Channel, *plugin.Bus) {
	t.Helper()
	bus := plugin.NewBus()
	frame.bus = bus
	if frame.origin == "" {
		frame.origin = testOrigin
	}
	factory := func(*plugin.Profile, *plugin.Bus) (plugin.Context, error) {
		return frame, nil
	}
	ch := plugin.NewChannel(resolverProfile(), bus, factory, opts...)
	t.Cleanup(func() {
		_ = ch.Deactivate(context.Background())
	})
	return ch, bus
}

// activeChannel returns a channel that has completed its handshake.
func activeChannel(t testing.TB, frame *fakeFrame, opts ...plugin.Option) (*plugin.Channel, *plugin.Bus) {
	t.Helper()
	ch, bus := newTestChannel(t, frame, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Activate(ctx))
	return ch, bus
}

func waitRequests(t testing.TB, frame *fakeFrame, n int) []plugin.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(frame.requests()) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d requests", n)
	return frame.requests()
}

func respond(frame *fakeFrame, req plugin.Message, payload string) {
	frame.post(plugin.Message{
		Action:  plugin.ActionResponse,
		Name:    req.Name,
		Key:     req.Key,
		ID:      req.ID,
		Payload: json.RawMessage(payload),
	})
}

func waitDone(t testing.TB, call *plugin.Call) (json.RawMessage, error) {
	t.Helper()
	select {
	case <-call.Done():
		return call.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("call %s did not complete", call.Method)
		return nil, errors.New("unreachable")
	}
}
