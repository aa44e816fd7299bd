// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc answers requests plugins send to the host.
//
// Each request key names a host method. Methods that reach sensitive
// resources require a capability granted through the plugin profile.
package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin"
	"github.com/holomush/framehost/internal/plugin/capability"
	"github.com/holomush/framehost/pkg/errutil"
)

// Error codes reported to plugins.
const (
	CodeUnknownMethod    = "HOST_METHOD_UNKNOWN"
	CodeCapabilityDenied = "HOST_CAPABILITY_DENIED"
	CodeInvalidPayload   = "HOST_INVALID_PAYLOAD"
	CodeUnavailable      = "HOST_UNAVAILABLE"
)

// publicCodes are error codes whose message is safe to hand to a plugin.
var publicCodes = map[string]bool{
	CodeUnknownMethod:            true,
	CodeCapabilityDenied:         true,
	CodeInvalidPayload:           true,
	CodeUnavailable:              true,
	plugin.CodeMethodNotExposed:  true,
	plugin.CodeRemoteError:       true,
	plugin.CodeRequestTimeout:    true,
	plugin.CodeChannelClosed:     true,
	plugin.CodeNoContext:         true,
	plugin.CodeProtocolViolation: true,
}

// Handler answers one host method on behalf of the named plugin.
type Handler func(ctx context.Context, pluginName string, msg plugin.Message) (any, error)

// Caller sends a request from one plugin to another.
type Caller interface {
	Call(ctx context.Context, from, target, method string, payload json.RawMessage) (json.RawMessage, error)
}

type route struct {
	capability string
	handler    Handler
}

// Functions routes plugin requests to host methods.
type Functions struct {
	kvStore  KVStore
	enforcer *capability.Enforcer
	logger   *slog.Logger

	mu     sync.RWMutex
	caller Caller
	routes map[string]route
}

// New creates host functions with the built-in methods registered.
// Panics if enforcer is nil.
func New(kv KVStore, enforcer *capability.Enforcer) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	f := &Functions{
		kvStore:  kv,
		enforcer: enforcer,
		logger:   slog.Default(),
		routes:   make(map[string]route),
	}

	// no capability required
	f.Handle("log", "", f.logFn)
	f.Handle("new_request_id", "", f.newRequestIDFn)

	f.Handle("kv.get", "kv.read", f.kvGetFn)
	f.Handle("kv.set", "kv.write", f.kvSetFn)
	f.Handle("kv.delete", "kv.write", f.kvDeleteFn)

	// checked per target inside the handler
	f.Handle("call", "", f.callFn)
	return f
}

// SetCaller wires plugin-to-plugin calls. Until it is set, "call" fails.
func (f *Functions) SetCaller(c Caller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caller = c
}

// Handle registers h for method. A non-empty capability must be granted to
// the calling plugin. Registering a method twice replaces it.
func (f *Functions) Handle(method, capability string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method] = route{capability: capability, handler: h}
}

// Methods returns the registered method names in sorted order.
func (f *Functions) Methods() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	methods := make([]string, 0, len(f.routes))
	for m := range f.routes {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Responder returns the inbound-request responder for the named plugin.
func (f *Functions) Responder(pluginName string) plugin.Responder {
	return func(ctx context.Context, msg plugin.Message) (any, error) {
		out, err := f.dispatch(ctx, pluginName, msg)
		if err != nil {
			return nil, errors.New(sanitizeErrorForPlugin(f.logger, pluginName, msg.Key, err))
		}
		return out, nil
	}
}

func (f *Functions) dispatch(ctx context.Context, pluginName string, msg plugin.Message) (any, error) {
	f.mu.RLock()
	r, ok := f.routes[msg.Key]
	f.mu.RUnlock()

	if !ok {
		return nil, oops.Code(CodeUnknownMethod).
			In("hostfunc").
			With("plugin", pluginName).
			With("method", msg.Key).
			Errorf("unknown host method %q", msg.Key)
	}
	if r.capability != "" {
		if err := f.require(pluginName, r.capability); err != nil {
			return nil, err
		}
	}
	return r.handler(ctx, pluginName, msg)
}

func (f *Functions) require(pluginName, capName string) error {
	if f.enforcer.Check(pluginName, capName) {
		return nil
	}
	return oops.Code(CodeCapabilityDenied).
		In("hostfunc").
		With("plugin", pluginName).
		With("capability", capName).
		Errorf("capability denied: %s requires %s", pluginName, capName)
}

type logRequest struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (f *Functions) logFn(_ context.Context, pluginName string, msg plugin.Message) (any, error) {
	req, err := decodePayload[logRequest](msg)
	if err != nil {
		return nil, err
	}

	logger := f.logger.With("plugin", pluginName)
	switch req.Level {
	case "debug":
		logger.Debug(req.Message)
	case "warn":
		logger.Warn(req.Message)
	case "error":
		logger.Error(req.Message)
	default:
		logger.Info(req.Message)
	}
	return nil, nil
}

func (f *Functions) newRequestIDFn(context.Context, string, plugin.Message) (any, error) {
	return ulid.Make().String(), nil
}

type callRequest struct {
	Plugin  string          `json:"plugin"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (f *Functions) callFn(ctx context.Context, pluginName string, msg plugin.Message) (any, error) {
	req, err := decodePayload[callRequest](msg)
	if err != nil {
		return nil, err
	}
	if req.Plugin == "" || req.Method == "" {
		return nil, invalidPayload(pluginName, msg.Key, errors.New("plugin and method are required"))
	}
	if req.Plugin == pluginName {
		return nil, invalidPayload(pluginName, msg.Key, errors.New("a plugin cannot call itself"))
	}
	if err := f.require(pluginName, "call."+req.Plugin); err != nil {
		return nil, err
	}

	f.mu.RLock()
	caller := f.caller
	f.mu.RUnlock()
	if caller == nil {
		return nil, oops.Code(CodeUnavailable).In("hostfunc").With("plugin", pluginName).New("plugin calls are not available")
	}

	out, err := caller.Call(ctx, pluginName, req.Plugin, req.Method, req.Payload)
	if err != nil {
		return nil, err //nolint:wrapcheck // sanitized by the responder
	}
	return out, nil
}

// sanitizeErrorForPlugin returns the message a plugin may see for err.
// Errors without a public code are logged with a correlation ID that is
// returned in their place.
func sanitizeErrorForPlugin(logger *slog.Logger, pluginName, method string, err error) string {
	var remote *plugin.RemoteError
	if errors.As(err, &remote) {
		return remote.Error()
	}
	if publicCodes[errutil.Code(err)] {
		return err.Error()
	}

	errorID := ulid.Make().String()
	logger.Error("internal error in host method",
		"error_id", errorID,
		"plugin", pluginName,
		"method", method,
		"error", err)
	return fmt.Sprintf("internal error (ref: %s)", errorID)
}
