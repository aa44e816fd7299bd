// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package remote hosts plugins served by a remote endpoint over a WebSocket.
// Each text frame carries one serialized message.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Context = (*Frame)(nil)
	_ plugin.Source  = (*Frame)(nil)
)

// DefaultReadLimit caps the size of a single inbound message.
const DefaultReadLimit = 1 << 20

// ErrFrameClosed is returned when sending into a destroyed frame.
var ErrFrameClosed = errors.New("remote frame is closed")

// Option configures a Frame.
type Option func(*Frame)

// WithDialOptions sets the options used when dialing the plugin endpoint.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(f *Frame) { f.dialOpts = opts }
}

// WithTLSConfig dials wss:// endpoints with cfg. It replaces the HTTP client
// of any dial options set before it.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(f *Frame) {
		var opts websocket.DialOptions
		if f.dialOpts != nil {
			opts = *f.dialOpts
		}
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg},
		}
		f.dialOpts = &opts
	}
}

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int64) Option {
	return func(f *Frame) { f.readLimit = n }
}

// WithWriteTimeout bounds each outbound write. Zero means no bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Frame) { f.writeTimeout = d }
}

// NewFactory returns a plugin.ContextFactory producing remote frames.
func NewFactory(opts ...Option) plugin.ContextFactory {
	return func(profile *plugin.Profile, bus *plugin.Bus) (plugin.Context, error) {
		return NewFrame(profile.Name, bus, opts...), nil
	}
}

// Frame is a WebSocket connection to a remotely served plugin.
type Frame struct {
	name         string
	bus          *plugin.Bus
	dialOpts     *websocket.DialOptions
	readLimit    int64
	writeTimeout time.Duration
	logger       *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	origin    string
	destroyed bool
	readDone  chan struct{}
}

// NewFrame creates an unconnected frame for the named plugin.
func NewFrame(name string, bus *plugin.Bus, opts ...Option) *Frame {
	f := &Frame{
		name:      name,
		bus:       bus,
		readLimit: DefaultReadLimit,
		logger:    slog.Default().With("plugin", name, "context", "remote"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.runCtx, f.cancelRun = context.WithCancel(context.Background())
	return f
}

// Load dials the ws:// or wss:// endpoint at rawURL.
func (f *Frame) Load(ctx context.Context, rawURL string) error {
	origin, err := originOf(rawURL)
	if err != nil {
		return oops.In("remote").With("plugin", f.name).With("url", rawURL).Wrap(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return oops.In("remote").With("plugin", f.name).Wrap(ErrFrameClosed)
	}
	if f.conn != nil {
		return oops.In("remote").With("plugin", f.name).New("frame already loaded")
	}

	conn, _, err := websocket.Dial(ctx, rawURL, f.dialOpts) //nolint:bodyclose // coder/websocket closes the handshake body
	if err != nil {
		return oops.In("remote").With("plugin", f.name).With("url", rawURL).Hint("websocket dial failed").Wrap(err)
	}
	conn.SetReadLimit(f.readLimit)

	f.conn = conn
	f.origin = origin
	f.readDone = make(chan struct{})
	go f.read(conn, origin, f.readDone)
	return nil
}

func (f *Frame) read(conn *websocket.Conn, origin string, done chan struct{}) {
	defer close(done)
	for {
		typ, data, err := conn.Read(f.runCtx)
		if err != nil {
			if f.runCtx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				f.logger.Warn("remote plugin connection lost", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			f.logger.Debug("dropping binary frame", "bytes", len(data))
			continue
		}
		f.bus.Post(plugin.MessageEvent{Origin: origin, Data: string(data)})
	}
}

// Origin returns scheme://host of the endpoint once connected.
func (f *Frame) Origin() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.conn == nil {
		return ""
	}
	return f.origin
}

// Source returns the frame itself once connected.
func (f *Frame) Source() plugin.Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.conn == nil {
		return nil
	}
	return f
}

// PostMessage writes data as a text frame.
func (f *Frame) PostMessage(data string, targetOrigin string) error {
	f.mu.RLock()
	conn, origin, destroyed := f.conn, f.origin, f.destroyed
	f.mu.RUnlock()

	switch {
	case destroyed:
		return oops.In("remote").With("plugin", f.name).Wrap(ErrFrameClosed)
	case conn == nil:
		return oops.In("remote").With("plugin", f.name).New("frame not connected")
	case targetOrigin != "*" && targetOrigin != origin:
		return oops.In("remote").
			With("plugin", f.name).
			With("target_origin", targetOrigin).
			With("origin", origin).
			Wrap(plugin.ErrOriginMismatch)
	}

	ctx := f.runCtx
	if f.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.writeTimeout)
		defer cancel()
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		return oops.In("remote").With("plugin", f.name).Wrap(err)
	}
	return nil
}

// Destroy closes the connection. Safe to call more than once.
func (f *Frame) Destroy() error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	conn, done := f.conn, f.readDone
	f.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "deactivated")
	}
	f.cancelRun()
	if done != nil {
		<-done
	}
	return nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", oops.Wrapf(err, "parse url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", oops.With("scheme", u.Scheme).Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", oops.Errorf("url has no host")
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}
