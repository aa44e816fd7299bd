// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_ResolveRemovesEntry(t *testing.T) {
	table := newPendingTable()
	c := table.register("resolver", 1)
	assert.Equal(t, 1, table.count("resolver"))

	ok := table.resolve("resolver", 1, json.RawMessage(`"x"`), nil)
	require.True(t, ok)
	assert.Zero(t, table.count("resolver"))

	r := <-c.done
	assert.JSONEq(t, `"x"`, string(r.payload))
	assert.NoError(t, r.err)

	assert.False(t, table.resolve("resolver", 1, nil, nil), "second resolve must not match")
}

func TestPendingTable_UnknownEntryIsNoop(t *testing.T) {
	table := newPendingTable()
	table.register("resolver", 1)

	assert.False(t, table.resolve("other", 1, nil, nil))
	assert.False(t, table.resolve("resolver", 2, nil, nil))
	assert.Equal(t, 1, table.count("resolver"))
}

func TestPendingTable_FailAll(t *testing.T) {
	table := newPendingTable()
	a := table.register("resolver", 1)
	b := table.register("listener", 4)

	boom := errors.New("closed")
	table.failAll(boom)

	assert.ErrorIs(t, (<-a.done).err, boom)
	assert.ErrorIs(t, (<-b.done).err, boom)
	assert.Zero(t, table.count("resolver"))
	assert.Zero(t, table.count("listener"))
}

func TestPendingTable_Forget(t *testing.T) {
	table := newPendingTable()
	table.register("resolver", 3)
	table.forget("resolver", 3)
	assert.Zero(t, table.count("resolver"))
	assert.False(t, table.resolve("resolver", 3, nil, nil))
}

func TestRequestQueue_Order(t *testing.T) {
	q := newRequestQueue()
	a := newCall(nil, "a", nil)
	b := newCall(nil, "b", nil)

	require.True(t, q.push(a))
	require.True(t, q.push(b))
	assert.Equal(t, 2, q.len())

	head, ok := q.head()
	require.True(t, ok)
	assert.Same(t, a, head)

	// pop only removes the expected head
	q.pop(b)
	assert.Equal(t, 2, q.len())
	q.pop(a)

	head, ok = q.head()
	require.True(t, ok)
	assert.Same(t, b, head)
}

func TestRequestQueue_Close(t *testing.T) {
	q := newRequestQueue()
	a := newCall(nil, "a", nil)
	require.True(t, q.push(a))

	remaining := q.close()
	assert.Equal(t, []*Call{a}, remaining)
	assert.False(t, q.push(newCall(nil, "b", nil)))

	_, ok := q.head()
	assert.False(t, ok)
}

func TestCall_FinishOnce(t *testing.T) {
	c := newCall(nil, "m", nil)
	c.finish(json.RawMessage(`1`), nil)
	c.finish(nil, errors.New("ignored"))

	<-c.Done()
	payload, err := c.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(payload))
}

func TestLifecycle_Transitions(t *testing.T) {
	var l lifecycle
	assert.Equal(t, StateCreated, l.current())

	require.NoError(t, l.advance(StateLoading))
	require.ErrorIs(t, l.advance(StateActive), ErrInvalidTransition, "cannot skip handshaking")
	require.NoError(t, l.advance(StateHandshaking))
	require.NoError(t, l.advance(StateActive))
	require.ErrorIs(t, l.advance(StateLoading), ErrInvalidTransition)
	require.NoError(t, l.advance(StateDeactivated))
	require.ErrorIs(t, l.advance(StateDeactivated), ErrInvalidTransition, "deactivated is terminal")
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateLoading, "loading"},
		{StateHandshaking, "handshaking"},
		{StateActive, "active"},
		{StateDeactivated, "deactivated"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
