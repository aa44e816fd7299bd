// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc_test tests host function implementations.
package hostfunc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/holomush/framehost/internal/plugin"
	"github.com/holomush/framehost/internal/plugin/capability"
	"github.com/holomush/framehost/internal/plugin/hostfunc"
)

type mockCaller struct {
	mock.Mock
}

func (m *mockCaller) Call(ctx context.Context, from, target, method string, payload json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, from, target, method, payload)
	out, _ := args.Get(0).(json.RawMessage)
	return out, args.Error(1)
}

func request(key, payload string) plugin.Message {
	msg := plugin.Message{Action: plugin.ActionRequest, Name: "resolver", Key: key, ID: 1}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	return msg
}

func newFunctions(t *testing.T, grants ...string) (*hostfunc.Functions, plugin.Responder) {
	t.Helper()
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.SetGrants("resolver", grants))
	hf := hostfunc.New(hostfunc.NewMemoryKV(), enforcer)
	return hf, hf.Responder("resolver")
}

func TestNew_NilEnforcerPanics(t *testing.T) {
	assert.Panics(t, func() { hostfunc.New(nil, nil) })
}

func TestFunctions_Methods(t *testing.T) {
	hf, _ := newFunctions(t)
	assert.Equal(t, []string{"call", "kv.delete", "kv.get", "kv.set", "log", "new_request_id"}, hf.Methods())
}

func TestFunctions_Log(t *testing.T) {
	_, respond := newFunctions(t)

	for _, level := range []string{"debug", "info", "warn", "error", "other"} {
		t.Run(level, func(t *testing.T) {
			out, err := respond(context.Background(), request("log", `{"level":"`+level+`","message":"hi"}`))
			require.NoError(t, err)
			assert.Nil(t, out)
		})
	}
}

func TestFunctions_NewRequestID(t *testing.T) {
	_, respond := newFunctions(t)

	out, err := respond(context.Background(), request("new_request_id", ""))
	require.NoError(t, err)
	id, ok := out.(string)
	require.True(t, ok)
	_, err = ulid.Parse(id)
	assert.NoError(t, err)
}

func TestFunctions_UnknownMethod(t *testing.T) {
	_, respond := newFunctions(t)

	_, err := respond(context.Background(), request("teleport", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown host method "teleport"`)
}

func TestFunctions_KVRequiresCapability(t *testing.T) {
	_, respond := newFunctions(t, "kv.read")

	_, err := respond(context.Background(), request("kv.set", `{"key":"k","value":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability denied: resolver requires kv.write")
}

func TestFunctions_KVRoundTrip(t *testing.T) {
	_, respond := newFunctions(t, "kv.*")
	ctx := context.Background()

	out, err := respond(ctx, request("kv.get", `{"key":"last"}`))
	require.NoError(t, err)
	assert.Nil(t, out, "missing key")

	_, err = respond(ctx, request("kv.set", `{"key":"last","value":{"block":42}}`))
	require.NoError(t, err)

	out, err = respond(ctx, request("kv.get", `{"key":"last"}`))
	require.NoError(t, err)
	raw, ok := out.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"block":42}`, string(raw))

	_, err = respond(ctx, request("kv.delete", `{"key":"last"}`))
	require.NoError(t, err)
	out, err = respond(ctx, request("kv.get", `{"key":"last"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFunctions_KVInvalidPayloads(t *testing.T) {
	_, respond := newFunctions(t, "kv.*")

	tests := []struct {
		name    string
		key     string
		payload string
	}{
		{"missing key", "kv.get", `{}`},
		{"malformed", "kv.get", `[1,2`},
		{"missing value", "kv.set", `{"key":"k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := respond(context.Background(), request(tt.key, tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid "+tt.key+" payload")
		})
	}
}

func TestFunctions_KVUnavailable(t *testing.T) {
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.SetGrants("resolver", []string{"kv.*"}))
	respond := hostfunc.New(nil, enforcer).Responder("resolver")

	_, err := respond(context.Background(), request("kv.get", `{"key":"k"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kv store not available")
}

func TestFunctions_KVNamespacedPerPlugin(t *testing.T) {
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.SetGrants("a", []string{"kv.*"}))
	require.NoError(t, enforcer.SetGrants("b", []string{"kv.*"}))
	hf := hostfunc.New(hostfunc.NewMemoryKV(), enforcer)
	ctx := context.Background()

	_, err := hf.Responder("a")(ctx, request("kv.set", `{"key":"k","value":"a"}`))
	require.NoError(t, err)

	out, err := hf.Responder("b")(ctx, request("kv.get", `{"key":"k"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFunctions_Call(t *testing.T) {
	hf, respond := newFunctions(t, "call.tx-listener")
	caller := &mockCaller{}
	hf.SetCaller(caller)

	caller.On("Call", mock.Anything, "resolver", "tx-listener", "latest", json.RawMessage(`{"n":1}`)).
		Return(json.RawMessage(`"0xabc"`), nil)

	out, err := respond(context.Background(), request("call", `{"plugin":"tx-listener","method":"latest","payload":{"n":1}}`))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"0xabc"`), out)
	caller.AssertExpectations(t)
}

func TestFunctions_CallDenied(t *testing.T) {
	hf, respond := newFunctions(t, "call.tx-listener")
	caller := &mockCaller{}
	hf.SetCaller(caller)

	_, err := respond(context.Background(), request("call", `{"plugin":"wallet","method":"sign"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires call.wallet")
	caller.AssertNotCalled(t, "Call")
}

func TestFunctions_CallRejectsSelfAndMissingFields(t *testing.T) {
	hf, respond := newFunctions(t, "call.*")
	hf.SetCaller(&mockCaller{})

	_, err := respond(context.Background(), request("call", `{"plugin":"resolver","method":"resolve"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot call itself")

	_, err = respond(context.Background(), request("call", `{"plugin":"wallet"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin and method are required")
}

func TestFunctions_CallWithoutCaller(t *testing.T) {
	_, respond := newFunctions(t, "call.*")

	_, err := respond(context.Background(), request("call", `{"plugin":"wallet","method":"sign"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin calls are not available")
}

func TestFunctions_RemoteErrorsPassThrough(t *testing.T) {
	hf, respond := newFunctions(t, "call.*")
	caller := &mockCaller{}
	hf.SetCaller(caller)
	caller.On("Call", mock.Anything, "resolver", "wallet", "sign", mock.Anything).
		Return(nil, &plugin.RemoteError{Plugin: "wallet", Method: "sign", Message: "locked"})

	_, err := respond(context.Background(), request("call", `{"plugin":"wallet","method":"sign"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestFunctions_InternalErrorsAreSanitized(t *testing.T) {
	hf, respond := newFunctions(t)
	hf.Handle("secret", "", func(context.Context, string, plugin.Message) (any, error) {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	})

	_, err := respond(context.Background(), request("secret", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal error (ref: ")
	assert.NotContains(t, err.Error(), "10.0.0.5")
}

func TestFunctions_HandleWithCapability(t *testing.T) {
	hf, respond := newFunctions(t, "wallet.sign")
	hf.Handle("sign", "wallet.sign", func(_ context.Context, name string, _ plugin.Message) (any, error) {
		return "signed by " + name, nil
	})
	hf.Handle("drain", "wallet.drain", func(context.Context, string, plugin.Message) (any, error) {
		return nil, nil
	})

	out, err := respond(context.Background(), request("sign", ""))
	require.NoError(t, err)
	assert.Equal(t, "signed by resolver", out)

	_, err = respond(context.Background(), request("drain", ""))
	require.Error(t, err)
}
