// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting when converting in either direction.
const maxDepth = 32

// toLua converts a decoded JSON value into a Lua value. Objects and arrays
// become tables; arrays are 1-indexed.
func toLua(L *lua.LState, v any) lua.LValue {
	return toLuaDepth(L, v, 0)
}

func toLuaDepth(L *lua.LState, v any, depth int) lua.LValue {
	if depth > maxDepth {
		return lua.LNil
	}
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLuaDepth(L, item, depth+1))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, item := range val {
			t.RawSetString(k, toLuaDepth(L, item, depth+1))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

// fromLua converts a Lua value into a JSON-encodable Go value. A table whose
// keys are exactly 1..n becomes a slice; any other table becomes a map with
// string keys. Functions and userdata are rejected.
func fromLua(v lua.LValue) (any, error) {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nesting exceeds %d levels", maxDepth)
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(val, depth)
	default:
		return nil, fmt.Errorf("cannot send %s value", v.Type().String())
	}
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	isArray := n > 0
	count := 0
	var convErr error
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if num, ok := k.(lua.LNumber); !ok || float64(num) != math.Trunc(float64(num)) || int(num) < 1 || int(num) > n {
			isArray = false
		}
	})
	if isArray && count == n {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLuaDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		item, err := fromLuaDepth(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		out[k.String()] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}
