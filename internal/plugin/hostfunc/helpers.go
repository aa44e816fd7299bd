// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hostfunc

import (
	"encoding/json"

	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin"
)

// decodePayload unmarshals the request payload into T. A missing payload
// yields the zero value.
func decodePayload[T any](msg plugin.Message) (T, error) {
	var out T
	if !msg.HasPayload() {
		return out, nil
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, invalidPayload(msg.Name, msg.Key, err)
	}
	return out, nil
}

func invalidPayload(pluginName, method string, err error) error {
	return oops.Code(CodeInvalidPayload).
		In("hostfunc").
		With("plugin", pluginName).
		With("method", method).
		Wrapf(err, "invalid %s payload", method)
}
