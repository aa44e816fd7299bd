// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil_test

import (
	"testing"

	"github.com/samber/oops"

	"github.com/holomush/framehost/pkg/errutil"
)

func TestAssertErrorCode_MatchingCode(t *testing.T) {
	err := oops.Code("PLUGIN_REMOTE_ERROR").Errorf("remote failed")
	// Should not fail
	errutil.AssertErrorCode(t, err, "PLUGIN_REMOTE_ERROR")
}

func TestAssertErrorContext_MatchingKeyValue(t *testing.T) {
	err := oops.With("plugin", "resolver").Errorf("remote failed")
	// Should not fail
	errutil.AssertErrorContext(t, err, "plugin", "resolver")
}
