// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import "errors"

// Sentinel errors for programmatic error checking.
var (
	// ErrMethodNotExposed is returned when a call targets a method the
	// profile does not list.
	ErrMethodNotExposed = errors.New("method not exposed")
	// ErrNoContext is returned when a send is attempted before the isolated
	// context has finished loading.
	ErrNoContext = errors.New("no context attached yet")
	// ErrChannelClosed is returned for calls that were queued or in flight
	// when the channel was deactivated, and for calls made afterwards.
	ErrChannelClosed = errors.New("channel closed")
	// ErrProtocolViolation is returned when a message carries an unknown action.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrRequestTimeout is returned when an in-flight request exceeds the
	// configured request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrInvalidTransition is returned when a lifecycle transition is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrHandshakeFailed is returned when the plugin answers the handshake
	// with an error.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrOriginMismatch is returned by a Source when the target origin does
	// not match the context it sends into.
	ErrOriginMismatch = errors.New("target origin does not match")
)

// Error codes attached to oops errors.
const (
	CodeMethodNotExposed  = "PLUGIN_METHOD_NOT_EXPOSED"
	CodeNoContext         = "PLUGIN_NO_CONTEXT"
	CodeChannelClosed     = "PLUGIN_CHANNEL_CLOSED"
	CodeProtocolViolation = "PLUGIN_PROTOCOL_VIOLATION"
	CodeRequestTimeout    = "PLUGIN_REQUEST_TIMEOUT"
	CodeHandshakeFailed   = "PLUGIN_HANDSHAKE_FAILED"
	CodeLoadFailed        = "PLUGIN_LOAD_FAILED"
	CodePlacementFailed   = "PLUGIN_PLACEMENT_FAILED"
	CodeRemoteError       = "PLUGIN_REMOTE_ERROR"
	CodeSendFailed        = "PLUGIN_SEND_FAILED"
)

// RemoteError carries the error string a plugin returned on a response.
type RemoteError struct {
	Plugin  string
	Method  string
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return e.Plugin + "." + e.Method + ": " + e.Message
}
