// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pluginsdk provides the SDK for building framehost binary plugins.
//
// Binary plugins run as child processes managed by HashiCorp go-plugin and
// exchange serialized messages with the host over a single bidirectional
// gRPC stream. The SDK answers the host handshake, dispatches host requests
// to a Handler and lets the plugin talk back through a Conn.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/holomush/framehost/pkg/pluginsdk"
//	)
//
//	type Resolver struct{}
//
//	func (Resolver) HandleRequest(ctx context.Context, conn *pluginsdk.Conn, req pluginsdk.Message) (any, error) {
//		return map[string]string{"content": "resolved"}, nil
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			Name:    "resolver",
//			Handler: Resolver{},
//		})
//	}
package pluginsdk

import (
	"context"
	"encoding/json"

	hashiplug "github.com/hashicorp/go-plugin"
)

// Message actions on the wire.
const (
	ActionNotification = "notification"
	ActionRequest      = "request"
	ActionResponse     = "response"

	// HandshakeKey is the key of the host's readiness request.
	HandshakeKey = "handshake"
)

// Message is the envelope exchanged with the host.
type Message struct {
	Action      string          `json:"action"`
	Name        string          `json:"name"`
	Key         string          `json:"key"`
	ID          uint64          `json:"id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	RequestInfo json.RawMessage `json:"requestInfo,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler answers requests from the host. It is called on its own goroutine
// per request, so it may use conn to call back into the host.
type Handler interface {
	HandleRequest(ctx context.Context, conn *Conn, req Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn, req Message) (any, error)

// HandleRequest calls f.
func (f HandlerFunc) HandleRequest(ctx context.Context, conn *Conn, req Message) (any, error) {
	return f(ctx, conn, req)
}

// NotificationHandler is implemented by handlers that subscribe to host
// notifications.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, conn *Conn, n Message)
}

// Handshaker is implemented by handlers that need to prepare before the host
// considers them ready. A non-nil error fails the handshake.
type Handshaker interface {
	Handshake(ctx context.Context, conn *Conn) error
}

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FRAMEHOST_PLUGIN",
	MagicCookieValue: "framehost-v1",
}

// PluginName is the go-plugin dispense name of the frame service.
const PluginName = "frame"

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Name is the plugin name used on outgoing notifications and requests.
	// Required.
	Name string
	// Handler answers host requests. Required; Serve panics if nil.
	Handler Handler
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Handler == nil {
		panic("pluginsdk: config.Handler cannot be nil")
	}
	if config.Name == "" {
		panic("pluginsdk: config.Name cannot be empty")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Name: config.Name, Handler: config.Handler},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}
