// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
)

// Call is an outbound request to a plugin method. It completes exactly once,
// either with the plugin's response or with an error.
type Call struct {
	Method      string
	RequestInfo json.RawMessage
	Payload     json.RawMessage

	id        atomic.Uint64
	abandoned atomic.Bool
	done      chan struct{}
	once      sync.Once
	result    json.RawMessage
	err       error
}

func newCall(info json.RawMessage, method string, payload json.RawMessage) *Call {
	return &Call{
		Method:      method,
		RequestInfo: info,
		Payload:     payload,
		done:        make(chan struct{}),
	}
}

// failedCall returns a call that is already complete with err.
func failedCall(method string, err error) *Call {
	c := newCall(nil, method, nil)
	c.finish(nil, err)
	return c
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// ID returns the request id assigned at dispatch, or 0 if the call was never
// sent.
func (c *Call) ID() uint64 {
	return c.id.Load()
}

// Result returns the outcome of a completed call. It must only be called
// after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

// Wait blocks until the call completes or ctx is done. A call abandoned
// before dispatch is skipped by the queue; one already in flight still
// occupies the queue until its response arrives.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		c.abandoned.Store(true)
		return nil, oops.In("plugin").With("method", c.Method).Wrap(ctx.Err())
	}
}

func (c *Call) finish(payload json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = payload
		c.err = err
		close(c.done)
	})
}

// requestQueue holds outbound calls in submission order. The head stays in
// the queue while it is in flight.
type requestQueue struct {
	calls  []*Call
	closed bool
	wake   chan struct{}
	mu     sync.Mutex
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

// push appends c. It reports false once the queue is closed.
func (q *requestQueue) push(c *Call) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.calls = append(q.calls, c)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// head returns the front call without removing it.
func (q *requestQueue) head() (*Call, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.calls) == 0 {
		return nil, false
	}
	return q.calls[0], true
}

// pop removes the front call if it is c.
func (q *requestQueue) pop(c *Call) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.calls) > 0 && q.calls[0] == c {
		q.calls[0] = nil
		q.calls = q.calls[1:]
	}
}

// close stops the queue and returns every call still in it.
func (q *requestQueue) close() []*Call {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	remaining := q.calls
	q.calls = nil
	return remaining
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

// Submit queues a call to method and returns immediately. The returned call
// is already complete when the method is not exposed by the profile, when no
// context is attached yet, or when the channel is closed.
func (c *Channel) Submit(requestInfo any, method string, payload any) *Call {
	if !c.exposes(method) {
		c.metrics.RequestCompleted(c.name, "not_exposed")
		return failedCall(method, oops.Code(CodeMethodNotExposed).
			In("plugin").
			With("plugin", c.name).
			With("method", method).
			Wrapf(ErrMethodNotExposed, "%s does not expose %q", c.name, method))
	}

	info, err := marshalPayload(requestInfo)
	if err != nil {
		return failedCall(method, err)
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return failedCall(method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.life.current() {
	case StateCreated, StateLoading:
		return failedCall(method, c.noContextErr())
	case StateDeactivated:
		return failedCall(method, c.closedErr())
	}

	call := newCall(info, method, body)
	if !c.queue.push(call) {
		return failedCall(method, c.closedErr())
	}
	c.metrics.QueueDepth(c.name, c.queue.len())
	return call
}

// AddRequest calls method on the plugin and waits for its response. Calls to
// one plugin are sent strictly in submission order, one at a time.
func (c *Channel) AddRequest(ctx context.Context, requestInfo any, method string, payload any) (json.RawMessage, error) {
	return c.Submit(requestInfo, method, payload).Wait(ctx)
}

func (c *Channel) exposes(method string) bool {
	for _, m := range c.profile.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// drain is the queue worker. It runs from activation until the channel
// closes, sending the head call and waiting for its response before moving on.
func (c *Channel) drain() {
	defer c.wg.Done()

	for {
		call, ok := c.queue.head()
		if !ok {
			select {
			case <-c.queue.wake:
				continue
			case <-c.closed:
				return
			}
		}

		if call.abandoned.Load() {
			c.queue.pop(call)
			c.metrics.RequestCompleted(c.name, "abandoned")
			continue
		}

		c.dispatch(call)
		c.queue.pop(call)
		c.metrics.QueueDepth(c.name, c.queue.len())

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// dispatch sends one call and blocks until it completes.
func (c *Channel) dispatch(call *Call) {
	c.nextID++
	id := c.nextID
	call.id.Store(id)

	comp := c.pending.register(c.name, id)
	msg := Message{
		Action:      ActionRequest,
		Name:        c.name,
		Key:         call.Method,
		ID:          id,
		Payload:     call.Payload,
		RequestInfo: call.RequestInfo,
	}
	if err := c.send(msg); err != nil {
		c.pending.forget(c.name, id)
		c.metrics.RequestCompleted(c.name, "send_failed")
		call.finish(nil, err)
		return
	}

	var timeout <-chan time.Time
	if c.requestTimeout > 0 {
		timer := time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-comp.done:
		c.complete(call, r)
	case <-timeout:
		c.pending.forget(c.name, id)
		c.metrics.RequestCompleted(c.name, "timeout")
		call.finish(nil, oops.Code(CodeRequestTimeout).
			In("plugin").
			With("plugin", c.name).
			With("method", call.Method).
			With("id", id).
			With("timeout", c.requestTimeout.String()).
			Wrap(ErrRequestTimeout))
	case <-c.closed:
		call.finish(nil, c.closedErr())
	}
}

func (c *Channel) complete(call *Call, r result) {
	var remote *RemoteError
	switch {
	case r.err == nil:
		c.metrics.RequestCompleted(c.name, "ok")
		call.finish(r.payload, nil)
	case errors.As(r.err, &remote):
		remote.Method = call.Method
		c.metrics.RequestCompleted(c.name, "error")
		call.finish(nil, oops.Code(CodeRemoteError).
			In("plugin").
			With("plugin", c.name).
			With("method", call.Method).
			Wrap(remote))
	default:
		c.metrics.RequestCompleted(c.name, "error")
		call.finish(nil, r.err)
	}
}
