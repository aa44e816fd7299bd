// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main implements the echo plugin, a process plugin that answers
// "echo" requests and announces each one with an "echoed" notification.
//
// Build it next to its profile:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/holomush/framehost/pkg/pluginsdk"
)

// EchoPayload is the body of echo requests, responses and notifications.
type EchoPayload struct {
	Message string `json:"message"`
	// ID is a host-issued request ID, set when the request asks for one.
	ID string `json:"id,omitempty"`
}

type echo struct{}

// HandleRequest implements pluginsdk.Handler.
func (echo) HandleRequest(ctx context.Context, conn *pluginsdk.Conn, req pluginsdk.Message) (any, error) {
	switch req.Key {
	case "echo":
		var in struct {
			Message string `json:"message"`
			Stamp   bool   `json:"stamp"`
		}
		if err := req.Decode(&in); err != nil {
			return nil, fmt.Errorf("invalid echo payload: %w", err)
		}
		if strings.TrimSpace(in.Message) == "" {
			return nil, errors.New("message is required")
		}

		out := EchoPayload{Message: "Echo: " + in.Message}
		if in.Stamp {
			raw, err := conn.Request(ctx, "new_request_id", nil)
			if err != nil {
				return nil, err
			}
			out.ID = strings.Trim(string(raw), `"`)
		}
		if err := conn.Notify("echoed", out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown method %q", req.Key)
	}
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{
		Name:    "echo",
		Handler: echo{},
	})
}
