// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"fmt"

	"github.com/samber/oops"
)

// Action identifies the kind of message crossing the channel.
type Action string

// Actions understood by the protocol.
const (
	ActionNotification Action = "notification"
	ActionRequest      Action = "request"
	ActionResponse     Action = "response"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionNotification, ActionRequest, ActionResponse:
		return true
	default:
		return false
	}
}

// HandshakeKey is the key of the first request sent to a loaded context.
const HandshakeKey = "handshake"

// Message is the envelope for every exchange between the host and a plugin.
// Payload and RequestInfo are opaque to the protocol layer.
type Message struct {
	Action      Action          `json:"action"`
	Name        string          `json:"name"`
	Key         string          `json:"key"`
	ID          uint64          `json:"id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	RequestInfo json.RawMessage `json:"requestInfo,omitempty"`
}

// Encode serializes the message to its wire form.
func (m Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", oops.In("protocol").With("key", m.Key).Wrapf(err, "encode message")
	}
	return string(data), nil
}

// HasPayload reports whether the message carries a non-null payload.
func (m Message) HasPayload() bool {
	return len(m.Payload) > 0 && string(m.Payload) != "null"
}

// DecodeMessage normalizes an inbound message body into a Message. The body
// may be a serialized string, raw bytes, a Message, or a structured value such
// as map[string]any produced by a sandbox.
func DecodeMessage(data any) (Message, error) {
	var raw []byte
	switch v := data.(type) {
	case Message:
		return v, checkAction(v)
	case *Message:
		if v == nil {
			return Message{}, oops.In("protocol").Errorf("nil message")
		}
		return *v, checkAction(*v)
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Message{}, oops.In("protocol").With("type", fmt.Sprintf("%T", data)).Wrapf(err, "normalize structured message")
		}
		raw = b
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, oops.In("protocol").Wrapf(err, "decode message")
	}
	return m, checkAction(m)
}

func checkAction(m Message) error {
	if m.Action.Valid() {
		return nil
	}
	return oops.Code(CodeProtocolViolation).
		In("protocol").
		With("plugin", m.Name).
		With("action", string(m.Action)).
		With("key", m.Key).
		Wrapf(ErrProtocolViolation, "unknown action %q", m.Action)
}

// marshalPayload turns a caller-supplied payload into the opaque wire form.
// A nil payload stays empty so it is omitted on the wire; []byte and
// json.RawMessage are taken as already-encoded JSON.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, oops.In("protocol").Wrapf(err, "encode payload")
	}
	return b, nil
}
