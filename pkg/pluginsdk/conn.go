// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Conn methods once the host has gone away.
var ErrClosed = errors.New("pluginsdk: connection closed")

// HostError is the error a host returned for a plugin request.
type HostError struct {
	Key     string
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host request %s failed: %s", e.Key, e.Message)
}

// Conn is the plugin's end of the message stream.
type Conn struct {
	name    string
	handler Handler
	stream  Stream

	sendMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Message

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newConn(name string, handler Handler, stream Stream) *Conn {
	return &Conn{
		name:    name,
		handler: handler,
		stream:  stream,
		pending: make(map[uint64]chan Message),
		closed:  make(chan struct{}),
	}
}

// Name returns the plugin name used on outgoing messages.
func (c *Conn) Name() string { return c.name }

// serve reads messages until the stream fails and returns that error.
// Requests are answered on their own goroutines; notifications are delivered
// in order on the reading goroutine.
func (c *Conn) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.closeOnce.Do(func() { close(c.closed) })
		cancel()
		c.wg.Wait()
	}()

	for {
		data, err := c.stream.Recv()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}

		switch msg.Action {
		case ActionRequest:
			c.wg.Add(1)
			go c.answer(ctx, msg)
		case ActionResponse:
			c.resolve(msg)
		case ActionNotification:
			if nh, ok := c.handler.(NotificationHandler); ok {
				nh.HandleNotification(ctx, c, msg)
			}
		}
	}
}

func (c *Conn) answer(ctx context.Context, req Message) {
	defer c.wg.Done()

	var (
		payload any
		err     error
	)
	if req.Key == HandshakeKey && req.ID == 0 {
		if hs, ok := c.handler.(Handshaker); ok {
			err = hs.Handshake(ctx, c)
		}
	} else {
		payload, err = c.handler.HandleRequest(ctx, c, req)
	}

	reply := Message{
		Action:      ActionResponse,
		Name:        req.Name,
		Key:         req.Key,
		ID:          req.ID,
		RequestInfo: req.RequestInfo,
	}
	if err == nil {
		reply.Payload, err = encodePayload(payload)
	}
	if err != nil {
		reply.Payload = nil
		reply.Error = err.Error()
	}
	_ = c.PostMessage(reply)
}

func (c *Conn) resolve(msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

// PostMessage sends msg to the host.
func (c *Conn) PostMessage(msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pluginsdk: encode message: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.Send(string(data)); err != nil {
		return fmt.Errorf("pluginsdk: send: %w", err)
	}
	return nil
}

// Notify sends a notification under this plugin's name.
func (c *Conn) Notify(key string, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.PostMessage(Message{
		Action:  ActionNotification,
		Name:    c.name,
		Key:     key,
		Payload: body,
	})
}

// Request sends a request to the host and waits for its response. It must
// not be called from HandleNotification.
func (c *Conn) Request(ctx context.Context, key string, payload any) (json.RawMessage, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	done := make(chan Message, 1)
	c.pending[id] = done
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.PostMessage(Message{
		Action:  ActionRequest,
		Name:    c.name,
		Key:     key,
		ID:      id,
		Payload: body,
	}); err != nil {
		forget()
		return nil, err
	}

	select {
	case msg := <-done:
		if msg.Error != "" {
			return nil, &HostError{Key: key, Message: msg.Error}
		}
		return msg.Payload, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.closed:
		forget()
		return nil, ErrClosed
	}
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pluginsdk: encode payload: %w", err)
	}
	return data, nil
}
