// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin runs binary plugins as child processes using HashiCorp's
// go-plugin system. Each process is an isolated context reached through a
// single bidirectional gRPC message stream.
package goplugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin"
	"github.com/holomush/framehost/pkg/pluginsdk"
)

// Compile-time interface checks.
var (
	_ plugin.Context = (*Frame)(nil)
	_ plugin.Source  = (*Frame)(nil)
)

// Sentinel errors for programmatic error checking.
var (
	// ErrFrameClosed is returned when sending into a destroyed frame.
	ErrFrameClosed = errors.New("frame is closed")
	// ErrNotLoaded is returned when sending before Load succeeds.
	ErrNotLoaded = errors.New("frame not loaded")
)

// NewFactory returns a plugin.ContextFactory producing process frames.
// Panics if clients is nil.
func NewFactory(clients ClientFactory) plugin.ContextFactory {
	if clients == nil {
		panic("goplugin: client factory cannot be nil")
	}
	return func(profile *plugin.Profile, bus *plugin.Bus) (plugin.Context, error) {
		return NewFrame(profile.Name, bus, clients), nil
	}
}

// Frame is a plugin process behind a message stream.
type Frame struct {
	name    string
	bus     *plugin.Bus
	clients ClientFactory
	logger  *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	sendMu sync.Mutex

	mu        sync.RWMutex
	client    PluginClient
	stream    pluginsdk.Stream
	origin    string
	destroyed bool
	recvDone  chan struct{}
}

// NewFrame creates an unloaded frame for the named plugin.
func NewFrame(name string, bus *plugin.Bus, clients ClientFactory) *Frame {
	ctx, cancel := context.WithCancel(context.Background())
	return &Frame{
		name:      name,
		bus:       bus,
		clients:   clients,
		logger:    slog.Default().With("plugin", name, "context", "process"),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Load starts the executable named by an exec:// URL and opens the message
// stream. Process startup is bounded by ctx; on expiry, or when the frame is
// destroyed meanwhile, the process is killed.
func (f *Frame) Load(ctx context.Context, rawURL string) error {
	execPath, origin, err := resolveExecutable(rawURL)
	if err != nil {
		return oops.In("goplugin").With("plugin", f.name).With("url", rawURL).Wrap(err)
	}
	if _, err := os.Stat(execPath); err != nil {
		return oops.In("goplugin").With("plugin", f.name).With("path", execPath).Hint("plugin executable not accessible").Wrap(err)
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return oops.In("goplugin").With("plugin", f.name).Wrap(ErrFrameClosed)
	}
	if f.client != nil {
		f.mu.Unlock()
		return oops.In("goplugin").With("plugin", f.name).New("frame already loaded")
	}
	client := f.clients.NewClient(f.name, execPath)
	// Destroy kills the process from here on.
	f.client = client
	f.mu.Unlock()

	type connected struct {
		stream pluginsdk.Stream
		err    error
	}
	done := make(chan connected, 1)
	go func() {
		stream, err := f.connect(client)
		done <- connected{stream: stream, err: err}
	}()

	var stream pluginsdk.Stream
	select {
	case r := <-done:
		if r.err != nil {
			f.release(client)
			if f.runCtx.Err() != nil {
				return oops.In("goplugin").With("plugin", f.name).Wrap(ErrFrameClosed)
			}
			return r.err
		}
		stream = r.stream
	case <-ctx.Done():
		f.release(client)
		return oops.In("goplugin").With("plugin", f.name).Hint("plugin did not start in time").Wrap(ctx.Err())
	case <-f.runCtx.Done():
		f.release(client)
		return oops.In("goplugin").With("plugin", f.name).Wrap(ErrFrameClosed)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		_ = stream.CloseSend()
		return oops.In("goplugin").With("plugin", f.name).Wrap(ErrFrameClosed)
	}
	f.stream = stream
	f.origin = origin
	f.recvDone = make(chan struct{})
	go f.recv(stream, origin, f.recvDone)
	return nil
}

// connect starts the process and opens its message stream.
func (f *Frame) connect(client PluginClient) (pluginsdk.Stream, error) {
	rpcClient, err := client.Client()
	if err != nil {
		return nil, oops.In("goplugin").With("plugin", f.name).Hint("failed to connect to plugin").Wrap(err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		return nil, oops.In("goplugin").With("plugin", f.name).Hint("failed to dispense plugin").Wrap(err)
	}

	frameClient, ok := raw.(pluginsdk.FrameClient)
	if !ok {
		return nil, oops.In("goplugin").With("plugin", f.name).Errorf("plugin %s does not implement FrameClient", f.name)
	}

	stream, err := frameClient.Connect(f.runCtx)
	if err != nil {
		return nil, oops.In("goplugin").With("plugin", f.name).Hint("failed to open message stream").Wrap(err)
	}
	return stream, nil
}

// release kills a client whose load failed and forgets it.
func (f *Frame) release(client PluginClient) {
	client.Kill()
	f.mu.Lock()
	if f.client == client {
		f.client = nil
	}
	f.mu.Unlock()
}

// recv posts every message the plugin sends to the bus until the stream
// ends.
func (f *Frame) recv(stream pluginsdk.Stream, origin string, done chan struct{}) {
	defer close(done)
	for {
		data, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && f.runCtx.Err() == nil {
				f.logger.Warn("plugin stream ended", "error", err)
			}
			return
		}
		f.bus.Post(plugin.MessageEvent{Origin: origin, Data: data})
	}
}

// Origin returns exec://<executable path> once loaded.
func (f *Frame) Origin() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stream == nil {
		return ""
	}
	return f.origin
}

// Source returns the frame itself once loaded.
func (f *Frame) Source() plugin.Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stream == nil {
		return nil
	}
	return f
}

// PostMessage writes data to the plugin's stream.
func (f *Frame) PostMessage(data string, targetOrigin string) error {
	f.mu.RLock()
	stream, origin, destroyed := f.stream, f.origin, f.destroyed
	f.mu.RUnlock()

	switch {
	case destroyed:
		return oops.In("goplugin").With("plugin", f.name).Wrap(ErrFrameClosed)
	case stream == nil:
		return oops.In("goplugin").With("plugin", f.name).Wrap(ErrNotLoaded)
	case targetOrigin != "*" && targetOrigin != origin:
		return oops.In("goplugin").
			With("plugin", f.name).
			With("target_origin", targetOrigin).
			With("origin", origin).
			Wrap(plugin.ErrOriginMismatch)
	}

	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if err := stream.Send(data); err != nil {
		return oops.In("goplugin").With("plugin", f.name).Wrap(err)
	}
	return nil
}

// Destroy closes the stream and kills the plugin process. Safe to call more
// than once.
func (f *Frame) Destroy() error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	stream, client, done := f.stream, f.client, f.recvDone
	f.mu.Unlock()

	if stream != nil {
		f.sendMu.Lock()
		_ = stream.CloseSend()
		f.sendMu.Unlock()
	}
	f.cancelRun()
	if client != nil {
		client.Kill()
	}
	if done != nil {
		<-done
	}
	return nil
}

func resolveExecutable(rawURL string) (path, origin string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", oops.Wrapf(err, "parse url")
	}
	if u.Scheme != "exec" {
		return "", "", oops.With("scheme", u.Scheme).Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || !filepath.IsAbs(u.Path) {
		return "", "", oops.With("path", u.Path).Errorf("exec url must name an absolute path")
	}
	path = filepath.Clean(u.Path)
	return path, "exec://" + filepath.ToSlash(path), nil
}
