// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package hostfunc provides host functions to Lua plugins.
//
// Host functions are registered under the global "plugrun" table and act
// on the execution context of the hook currently running. Resources are
// limited to those the execution scope resolved.
//
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// GlobalName is the Lua global holding the host functions.
const GlobalName = "plugrun"

// ContextFunc returns the execution context of the running hook, or nil
// outside of a hook.
type ContextFunc func() *pluginsdk.Context

// Functions provides host functions to Lua plugins.
type Functions struct {
	logger *slog.Logger
}

// New creates host functions. logger is used when a function runs outside
// of an execution context.
func New(logger *slog.Logger) *Functions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Functions{logger: logger}
}

// Register adds the plugrun table to a Lua state.
func (f *Functions) Register(ls *lua.LState, current ContextFunc) {
	mod := ls.NewTable()
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(current)))
	ls.SetField(mod, "set_output", ls.NewFunction(setOutputFn(current)))
	ls.SetField(mod, "resource", ls.NewFunction(resourceFn(current)))
	ls.SetField(mod, "config", ls.NewFunction(configFn(current)))
	ls.SetField(mod, "property", ls.NewFunction(propertyFn(current)))
	ls.SetField(mod, "new_request_id", ls.NewFunction(newRequestIDFn))
	ls.SetGlobal(GlobalName, mod)
}

func (f *Functions) logFn(current ContextFunc) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := f.logger
		if pc := current(); pc != nil {
			logger = pc.Logger()
		}
		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		logger.Log(ctx, parseLevel(level), message)
		return 0
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setOutputFn(current ContextFunc) lua.LGFunction {
	return func(L *lua.LState) int {
		out := L.CheckString(1)
		pc := current()
		if pc == nil {
			L.RaiseError("set_output called outside of an execution")
			return 0
		}
		pc.SetOutput(out)
		return 0
	}
}

// lookupFn builds a function returning the value for its single string
// argument, or nil when absent.
func lookupFn(current ContextFunc, get func(pc *pluginsdk.Context, key string) (string, bool)) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		pc := current()
		if pc == nil {
			L.Push(lua.LNil)
			return 1
		}
		v, ok := get(pc, key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(v))
		return 1
	}
}

func resourceFn(current ContextFunc) lua.LGFunction {
	return lookupFn(current, (*pluginsdk.Context).Resource)
}

func configFn(current ContextFunc) lua.LGFunction {
	return lookupFn(current, (*pluginsdk.Context).Config)
}

func propertyFn(current ContextFunc) lua.LGFunction {
	return lookupFn(current, func(pc *pluginsdk.Context, key string) (string, bool) {
		return pc.Request().Property(key)
	})
}

func newRequestIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}
