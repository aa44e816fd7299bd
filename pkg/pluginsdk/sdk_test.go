// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/holomush/framehost/pkg/pluginsdk"
)

type resolver struct {
	notes     chan pluginsdk.Message
	handshake error
}

func (r *resolver) HandleRequest(ctx context.Context, conn *pluginsdk.Conn, req pluginsdk.Message) (any, error) {
	switch req.Key {
	case "resolve":
		var in struct {
			Name string `json:"name"`
		}
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]string{"content": "resolved:" + in.Name}, nil
	case "lookup":
		who, err := conn.Request(ctx, "whoami", nil)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(who), nil
	default:
		return nil, errors.New("unsupported")
	}
}

func (r *resolver) HandleNotification(_ context.Context, _ *pluginsdk.Conn, n pluginsdk.Message) {
	if r.notes != nil {
		r.notes <- n
	}
}

func (r *resolver) Handshake(context.Context, *pluginsdk.Conn) error {
	return r.handshake
}

// connect serves h over an in-memory gRPC connection and opens one stream.
func connect(t *testing.T, h pluginsdk.Handler) pluginsdk.Stream {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	p := &pluginsdk.GRPCPlugin{Name: "resolver", Handler: h}
	require.NoError(t, p.GRPCServer(nil, srv))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	raw, err := p.GRPCClient(context.Background(), nil, conn)
	require.NoError(t, err)
	client, ok := raw.(pluginsdk.FrameClient)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Connect(ctx)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = stream.CloseSend()
		cancel()
		_ = conn.Close()
		srv.Stop()
	})
	return stream
}

func send(t *testing.T, s pluginsdk.Stream, msg pluginsdk.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, s.Send(string(data)))
}

func recv(t *testing.T, s pluginsdk.Stream) pluginsdk.Message {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		data, err := s.Recv()
		out <- result{data, err}
	}()

	select {
	case r := <-out:
		require.NoError(t, r.err)
		var msg pluginsdk.Message
		require.NoError(t, json.Unmarshal([]byte(r.data), &msg))
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for plugin message")
		return pluginsdk.Message{}
	}
}

func TestConn_AnswersHandshake(t *testing.T) {
	stream := connect(t, &resolver{})

	send(t, stream, pluginsdk.Message{Action: pluginsdk.ActionRequest, Name: "resolver", Key: pluginsdk.HandshakeKey})
	got := recv(t, stream)

	assert.Equal(t, pluginsdk.ActionResponse, got.Action)
	assert.Equal(t, pluginsdk.HandshakeKey, got.Key)
	assert.Zero(t, got.ID)
	assert.Empty(t, got.Error)
}

func TestConn_HandshakeFailure(t *testing.T) {
	stream := connect(t, &resolver{handshake: errors.New("not configured")})

	send(t, stream, pluginsdk.Message{Action: pluginsdk.ActionRequest, Name: "resolver", Key: pluginsdk.HandshakeKey})
	got := recv(t, stream)

	assert.Equal(t, "not configured", got.Error)
}

func TestConn_RequestRoundTrip(t *testing.T) {
	stream := connect(t, &resolver{})

	send(t, stream, pluginsdk.Message{
		Action:      pluginsdk.ActionRequest,
		Name:        "resolver",
		Key:         "resolve",
		ID:          1,
		Payload:     json.RawMessage(`{"name":"alice.eth"}`),
		RequestInfo: json.RawMessage(`{"tab":7}`),
	})
	got := recv(t, stream)

	assert.Equal(t, pluginsdk.ActionResponse, got.Action)
	assert.Equal(t, "resolver", got.Name)
	assert.Equal(t, uint64(1), got.ID)
	assert.JSONEq(t, `{"tab":7}`, string(got.RequestInfo))
	assert.JSONEq(t, `{"content":"resolved:alice.eth"}`, string(got.Payload))
}

func TestConn_HandlerError(t *testing.T) {
	stream := connect(t, &resolver{})

	send(t, stream, pluginsdk.Message{Action: pluginsdk.ActionRequest, Name: "resolver", Key: "other", ID: 3})
	got := recv(t, stream)

	assert.Equal(t, uint64(3), got.ID)
	assert.Equal(t, "unsupported", got.Error)
	assert.Empty(t, got.Payload)
}

func TestConn_DeliversNotifications(t *testing.T) {
	notes := make(chan pluginsdk.Message, 1)
	stream := connect(t, &resolver{notes: notes})

	send(t, stream, pluginsdk.Message{
		Action:  pluginsdk.ActionNotification,
		Name:    "tx-listener",
		Key:     "newTransaction",
		Payload: json.RawMessage(`{"hash":"0xabc"}`),
	})

	select {
	case n := <-notes:
		assert.Equal(t, "tx-listener", n.Name)
		assert.Equal(t, "newTransaction", n.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_RequestToHost(t *testing.T) {
	stream := connect(t, &resolver{})

	send(t, stream, pluginsdk.Message{Action: pluginsdk.ActionRequest, Name: "resolver", Key: "lookup", ID: 1})

	outbound := recv(t, stream)
	require.Equal(t, pluginsdk.ActionRequest, outbound.Action)
	assert.Equal(t, "resolver", outbound.Name)
	assert.Equal(t, "whoami", outbound.Key)
	assert.Equal(t, uint64(1), outbound.ID)

	send(t, stream, pluginsdk.Message{
		Action:  pluginsdk.ActionResponse,
		Name:    outbound.Name,
		Key:     outbound.Key,
		ID:      outbound.ID,
		Payload: json.RawMessage(`"host"`),
	})

	got := recv(t, stream)
	assert.Equal(t, "lookup", got.Key)
	assert.JSONEq(t, `"host"`, string(got.Payload))
}

func TestHostError_Message(t *testing.T) {
	err := &pluginsdk.HostError{Key: "whoami", Message: "denied"}
	assert.Equal(t, "host request whoami failed: denied", err.Error())
}

func TestHandlerFunc(t *testing.T) {
	h := pluginsdk.HandlerFunc(func(context.Context, *pluginsdk.Conn, pluginsdk.Message) (any, error) {
		return 1, nil
	})
	got, err := h.HandleRequest(context.Background(), nil, pluginsdk.Message{})
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestServeConfig_Required(t *testing.T) {
	tests := []struct {
		name   string
		config *pluginsdk.ServeConfig
	}{
		{"nil config", nil},
		{"nil handler", &pluginsdk.ServeConfig{Name: "resolver"}},
		{"empty name", &pluginsdk.ServeConfig{Handler: &resolver{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { pluginsdk.Serve(tt.config) })
		})
	}
}

func TestHandshakeConfig(t *testing.T) {
	assert.Equal(t, uint(1), pluginsdk.HandshakeConfig.ProtocolVersion)
	assert.Equal(t, "FRAMEHOST_PLUGIN", pluginsdk.HandshakeConfig.MagicCookieKey)
	assert.Equal(t, "framehost-v1", pluginsdk.HandshakeConfig.MagicCookieValue)
}
