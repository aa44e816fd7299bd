// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"
)

func TestFromLua_Tables(t *testing.T) {
	L := luavm.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`
		arr = { "a", "b", 3 }
		obj = { name = "alice", nested = { ok = true }, ratio = 0.5 }
		sparse = { [1] = "x", [3] = "z" }
		empty = {}
	`))

	arr, err := fromLua(L.GetGlobal("arr"))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", int64(3)}, arr)

	obj, err := fromLua(L.GetGlobal("obj"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":   "alice",
		"nested": map[string]any{"ok": true},
		"ratio":  0.5,
	}, obj)

	sparse, err := fromLua(L.GetGlobal("sparse"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": "x", "3": "z"}, sparse)

	empty, err := fromLua(L.GetGlobal("empty"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, empty)
}

func TestFromLua_RejectsFunctions(t *testing.T) {
	L := luavm.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`bad = { handler = function() end }`))
	_, err := fromLua(L.GetGlobal("bad"))
	assert.Error(t, err)
}

func TestFromLua_RejectsCycles(t *testing.T) {
	L := luavm.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`loop = {}; loop.self = loop`))
	_, err := fromLua(L.GetGlobal("loop"))
	assert.Error(t, err)
}

func TestToLua_RoundTripsDecodedJSON(t *testing.T) {
	L := luavm.NewState()
	defer L.Close()

	in := map[string]any{
		"action":  "request",
		"id":      float64(7),
		"payload": []any{"x", true, nil},
	}
	tbl, ok := toLua(L, in).(*luavm.LTable)
	require.True(t, ok)

	assert.Equal(t, luavm.LString("request"), tbl.RawGetString("action"))
	assert.Equal(t, luavm.LNumber(7), tbl.RawGetString("id"))

	out, err := fromLua(tbl)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"action":  "request",
		"id":      int64(7),
		"payload": []any{"x", true},
	}, out)
}
