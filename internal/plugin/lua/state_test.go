// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package lua_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"

	pluginlua "github.com/plugrun/plugrun/internal/plugin/lua"
)

func newState(t *testing.T) *luavm.LState {
	t.Helper()
	L, err := pluginlua.NewStateFactory().NewState(context.Background())
	require.NoError(t, err)
	t.Cleanup(L.Close)
	return L
}

func TestStateFactory_NewState_Globals(t *testing.T) {
	L := newState(t)

	for _, lib := range []string{"table", "string", "math"} {
		assert.NotEqual(t, luavm.LTNil, L.GetGlobal(lib).Type(), "library %q should be loaded", lib)
	}
	for _, name := range []string{"os", "io", "debug", "package", "coroutine",
		"dofile", "loadfile", "loadstring", "load", "require", "module"} {
		assert.Equal(t, luavm.LTNil, L.GetGlobal(name).Type(), "%q should be blocked", name)
	}
}

func TestStateFactory_NewState_RunsSafeLibraries(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"arithmetic", `result = 1 + 1`, "2"},
		{"string", `result = string.upper("hello")`, "HELLO"},
		{"table", `t = {3, 1, 2}; table.sort(t); result = t[1]`, "1"},
		{"math", `result = math.abs(-42)`, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newState(t)
			require.NoError(t, L.DoString(tt.code))
			assert.Equal(t, tt.want, L.GetGlobal("result").String())
		})
	}
}

func TestStateFactory_NewState_Independent(t *testing.T) {
	L1 := newState(t)
	L2 := newState(t)

	require.NoError(t, L1.DoString(`foo = "bar"`))
	assert.Equal(t, luavm.LTNil, L2.GetGlobal("foo").Type())
}

func TestStateFactory_NewState_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	L, err := pluginlua.NewStateFactory().NewState(ctx)
	require.NoError(t, err)
	defer L.Close()

	assert.Error(t, L.DoString(`while true do end`))
}
