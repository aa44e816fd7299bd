// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/framehost/pkg/errutil"
)

// Responder answers a request the plugin sent to the host. The returned
// payload is sent back on the response; a non-nil error is sent back as the
// response's error string.
type Responder func(ctx context.Context, msg Message) (any, error)

// NotifyFunc sends one declared notification to the plugin.
type NotifyFunc func(payload any) error

// Option configures a Channel.
type Option func(*Channel)

// WithResponder sets the function that answers plugin requests.
func WithResponder(r Responder) Option {
	return func(c *Channel) {
		c.responder = r
	}
}

// WithLocator sets the locator used for profiles that name a location.
func WithLocator(l Locator) Option {
	return func(c *Channel) {
		c.locator = l
	}
}

// WithPlacement sets a host placement resolver used when the profile names
// no location.
func WithPlacement(p PlacementFunc) Option {
	return func(c *Channel) {
		c.placement = p
	}
}

// WithDocument sets the default attachment target.
func WithDocument(d *Document) Option {
	return func(c *Channel) {
		c.document = d
	}
}

// WithRequestTimeout bounds how long one in-flight request may wait for its
// response. Zero, the default, waits indefinitely.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.requestTimeout = d
	}
}

// WithErrorHandler sets the handler for protocol errors that have no caller
// to return to, such as an unknown action.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Channel) {
		c.onError = fn
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// Channel connects the host to one plugin running in an isolated context.
//
// The channel drives the lifecycle Created → Loading → Handshaking → Active →
// Deactivated. Outbound calls are serialized: at most one request is in
// flight at any time and they are sent in submission order.
type Channel struct {
	id             ulid.ULID
	name           string
	profile        *Profile
	bus            *Bus
	factory        ContextFactory
	responder      Responder
	locator        Locator
	placement      PlacementFunc
	document       *Document
	requestTimeout time.Duration
	onError        func(error)
	metrics        Metrics
	logger         *slog.Logger

	events  *Events
	notifs  map[string]map[string]NotifyFunc
	pending *pendingTable
	queue   *requestQueue
	life    lifecycle

	// nextID is owned by the queue worker.
	nextID uint64

	mu       sync.Mutex
	frame    Context
	sub      *Subscription
	origin   string
	source   Source
	attached bool

	handshake chan Message
	closed    chan struct{}
	closeOnce sync.Once
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewChannel creates a channel for profile. Plugin contexts are created by
// factory and post to bus.
// Panics if profile, bus or factory is nil.
func NewChannel(profile *Profile, bus *Bus, factory ContextFactory, opts ...Option) *Channel {
	if profile == nil {
		panic("plugin.NewChannel: profile cannot be nil")
	}
	if bus == nil {
		panic("plugin.NewChannel: bus cannot be nil")
	}
	if factory == nil {
		panic("plugin.NewChannel: factory cannot be nil")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:        ulid.Make(),
		name:      profile.Name,
		profile:   profile,
		bus:       bus,
		factory:   factory,
		metrics:   noopMetrics{},
		logger:    slog.Default(),
		events:    &Events{},
		pending:   newPendingTable(),
		queue:     newRequestQueue(),
		handshake: make(chan Message, 1),
		closed:    make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.document == nil {
		c.document = NewDocument()
	}
	if c.responder == nil {
		c.responder = unhandledResponder
	}
	c.logger = c.logger.With("plugin", c.name, "channel_id", c.id.String())
	if c.onError == nil {
		c.onError = func(err error) {
			errutil.LogError(c.logger, "plugin protocol error", err)
		}
	}

	c.notifs = make(map[string]map[string]NotifyFunc, len(profile.Notifications))
	for event, keys := range profile.Notifications {
		fns := make(map[string]NotifyFunc, len(keys))
		for _, key := range keys {
			fns[key] = func(payload any) error {
				return c.notify(event, key, payload)
			}
		}
		c.notifs[event] = fns
	}

	return c
}

func unhandledResponder(_ context.Context, msg Message) (any, error) {
	return nil, oops.With("key", msg.Key).Errorf("no handler for %q", msg.Key)
}

// ID returns the channel instance identifier used in logs.
func (c *Channel) ID() ulid.ULID { return c.id }

// Name returns the plugin name.
func (c *Channel) Name() string { return c.name }

// Profile returns the plugin profile. It must not be modified.
func (c *Channel) Profile() *Profile { return c.profile }

// State returns the current lifecycle state.
func (c *Channel) State() State { return c.life.current() }

// Events returns the notification fan-out for this plugin.
func (c *Channel) Events() *Events { return c.events }

// Notifs returns the declared notification senders, keyed by event name and
// then key. The map must not be modified.
func (c *Channel) Notifs() map[string]map[string]NotifyFunc { return c.notifs }

// Origin returns the origin captured when the context loaded.
func (c *Channel) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// Pending returns the number of requests awaiting a response.
func (c *Channel) Pending() int { return c.pending.count(c.name) }

// Notify sends the declared notification (event, key).
func (c *Channel) Notify(event, key string, payload any) error {
	fn, ok := c.notifs[event][key]
	if !ok {
		return oops.In("plugin").
			With("plugin", c.name).
			With("event", event).
			With("key", key).
			Errorf("notification %s.%s is not declared", event, key)
	}
	return fn(payload)
}

// Activate creates and places the isolated context, loads the plugin and
// completes the handshake. On any failure the channel is deactivated and the
// error returned.
func (c *Channel) Activate(ctx context.Context) error {
	c.mu.Lock()
	err := c.life.advance(StateLoading)
	c.mu.Unlock()
	if err != nil {
		return oops.In("plugin").With("plugin", c.name).Wrap(err)
	}

	c.logger.DebugContext(ctx, "activating plugin", "url", c.profile.URL)

	frame, err := c.factory(c.profile, c.bus)
	if err != nil {
		return c.abort(oops.Code(CodeLoadFailed).
			In("plugin").
			With("plugin", c.name).
			With("url", c.profile.URL).
			Wrapf(err, "create context"))
	}

	c.mu.Lock()
	if c.life.current() != StateLoading {
		c.mu.Unlock()
		_ = frame.Destroy()
		return c.closedErr()
	}
	c.frame = frame
	// Subscribe before loading so the handshake response cannot be missed.
	c.sub = c.bus.Subscribe(c.receive)
	c.mu.Unlock()

	if err := c.place(ctx, frame); err != nil {
		return c.abort(err)
	}

	if err := frame.Load(ctx, c.profile.URL); err != nil {
		return c.abort(oops.Code(CodeLoadFailed).
			In("plugin").
			With("plugin", c.name).
			With("url", c.profile.URL).
			Wrapf(err, "load context"))
	}

	c.mu.Lock()
	if c.life.current() != StateLoading {
		// deactivated while loading; the context is already destroyed
		c.mu.Unlock()
		return c.closedErr()
	}
	c.origin = frame.Origin()
	c.source = frame.Source()
	err = c.life.advance(StateHandshaking)
	origin := c.origin
	c.mu.Unlock()
	if err != nil {
		return c.abort(oops.In("plugin").With("plugin", c.name).Wrap(err))
	}

	if err := c.send(Message{Action: ActionRequest, Name: c.name, Key: HandshakeKey}); err != nil {
		return c.abort(oops.Code(CodeHandshakeFailed).In("plugin").With("plugin", c.name).Wrap(err))
	}

	select {
	case resp := <-c.handshake:
		if resp.Error != "" {
			return c.abort(oops.Code(CodeHandshakeFailed).
				In("plugin").
				With("plugin", c.name).
				Wrapf(ErrHandshakeFailed, "%s", resp.Error))
		}
	case <-ctx.Done():
		return c.abort(oops.Code(CodeHandshakeFailed).
			In("plugin").
			With("plugin", c.name).
			Wrap(ctx.Err()))
	case <-c.closed:
		return c.closedErr()
	}

	c.mu.Lock()
	if c.life.current() != StateHandshaking {
		c.mu.Unlock()
		return c.closedErr()
	}
	err = c.life.advance(StateActive)
	if err == nil {
		c.wg.Add(1)
		go c.drain()
	}
	c.mu.Unlock()
	if err != nil {
		return c.abort(oops.In("plugin").With("plugin", c.name).Wrap(err))
	}

	c.logger.InfoContext(ctx, "plugin active", "origin", origin)
	return nil
}

func (c *Channel) abort(err error) error {
	if deErr := c.Deactivate(context.Background()); deErr != nil {
		errutil.LogError(c.logger, "failed to tear down plugin after activation error", deErr)
	}
	return err
}

// Deactivate removes the message listener, destroys the isolated context and
// fails every queued or in-flight call with ErrChannelClosed. Calling it more
// than once is a no-op. It must not be called from a Responder.
func (c *Channel) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	if c.life.current() == StateDeactivated {
		c.mu.Unlock()
		return nil
	}
	if err := c.life.advance(StateDeactivated); err != nil {
		c.mu.Unlock()
		return oops.In("plugin").With("plugin", c.name).Wrap(err)
	}
	frame, sub, attached := c.frame, c.sub, c.attached
	c.frame, c.sub, c.source, c.origin, c.attached = nil, nil, nil, "", false
	remaining := c.queue.close()
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	c.cancelRun()
	sub.Unsubscribe()

	closedErr := c.closedErr()
	for _, call := range remaining {
		c.metrics.RequestCompleted(c.name, "closed")
		call.finish(nil, closedErr)
	}
	c.pending.failAll(closedErr)

	if attached {
		c.document.Detach(c.name)
	}

	var destroyErr error
	if frame != nil {
		destroyErr = frame.Destroy()
	}

	c.wg.Wait()
	c.metrics.QueueDepth(c.name, 0)
	c.logger.InfoContext(ctx, "plugin deactivated", "dropped_calls", len(remaining))

	if destroyErr != nil {
		return oops.In("plugin").With("plugin", c.name).Wrapf(destroyErr, "destroy context")
	}
	return nil
}

// receive is the bus listener. Messages from any origin other than the one
// captured at load are dropped before they are parsed.
func (c *Channel) receive(ev MessageEvent) {
	c.mu.Lock()
	origin := c.origin
	c.mu.Unlock()
	if origin == "" || ev.Origin != origin {
		return
	}

	msg, err := DecodeMessage(ev.Data)
	if err != nil {
		c.metrics.MessageDropped(c.name, "malformed")
		c.onError(err)
		return
	}

	switch msg.Action {
	case ActionResponse:
		c.handleResponse(msg)
	case ActionRequest:
		c.handleRequest(msg)
	case ActionNotification:
		c.handleNotification(msg)
	}
}

func (c *Channel) handleResponse(msg Message) {
	state := c.life.current()

	if msg.Key == HandshakeKey && msg.ID == 0 && msg.Name == c.name {
		if state != StateHandshaking {
			c.metrics.MessageDropped(c.name, "unexpected_handshake")
			return
		}
		select {
		case c.handshake <- msg:
		default:
		}
		return
	}

	if state != StateActive {
		c.metrics.MessageDropped(c.name, "not_active")
		return
	}

	var err error
	if msg.Error != "" {
		err = &RemoteError{Plugin: c.name, Message: msg.Error}
	}
	if !c.pending.resolve(msg.Name, msg.ID, msg.Payload, err) {
		c.metrics.MessageDropped(c.name, "unknown_request")
		c.logger.Debug("dropping response with no pending request",
			"name", msg.Name,
			"id", msg.ID,
			"key", msg.Key)
	}
}

func (c *Channel) handleRequest(msg Message) {
	c.mu.Lock()
	if c.life.current() != StateActive {
		c.mu.Unlock()
		c.metrics.MessageDropped(c.name, "not_active")
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.answer(msg)
}

// answer runs the responder and always replies with a response echoing the
// request's name, id and request info.
func (c *Channel) answer(msg Message) {
	defer c.wg.Done()

	reply := Message{
		Action:      ActionResponse,
		Name:        msg.Name,
		Key:         msg.Key,
		ID:          msg.ID,
		RequestInfo: msg.RequestInfo,
	}

	payload, err := c.responder(c.runCtx, msg)
	if err == nil {
		reply.Payload, err = marshalPayload(payload)
	}
	if err != nil {
		reply.Payload = nil
		reply.Error = err.Error()
	}

	if err := c.send(reply); err != nil {
		c.logger.Debug("failed to answer plugin request",
			"key", msg.Key,
			"id", msg.ID,
			"error", err)
	}
}

func (c *Channel) handleNotification(msg Message) {
	if c.life.current() != StateActive {
		c.metrics.MessageDropped(c.name, "not_active")
		return
	}
	if !msg.HasPayload() {
		c.metrics.MessageDropped(c.name, "empty_payload")
		return
	}
	c.metrics.NotificationReceived(c.name, msg.Key)
	c.events.Emit(msg.Key, msg.Payload)
}

func (c *Channel) notify(event, key string, payload any) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(Message{
		Action:  ActionNotification,
		Name:    event,
		Key:     key,
		Payload: body,
	})
}

// send serializes msg and posts it to the loaded context.
func (c *Channel) send(msg Message) error {
	c.mu.Lock()
	source, origin := c.source, c.origin
	state := c.life.current()
	c.mu.Unlock()

	if source == nil {
		if state == StateDeactivated {
			return c.closedErr()
		}
		return c.noContextErr()
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := source.PostMessage(data, origin); err != nil {
		return oops.Code(CodeSendFailed).
			In("plugin").
			With("plugin", c.name).
			With("key", msg.Key).
			Wrap(err)
	}
	return nil
}

func (c *Channel) closedErr() error {
	return oops.Code(CodeChannelClosed).In("plugin").With("plugin", c.name).Wrap(ErrChannelClosed)
}

func (c *Channel) noContextErr() error {
	return oops.Code(CodeNoContext).In("plugin").With("plugin", c.name).Wrap(ErrNoContext)
}
