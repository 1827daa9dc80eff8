// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package lua loads sandboxed Lua script plugins.
//
// A script declares a global metadata table and an execute(ctx) function.
// It may also define on_load(ctx), on_unload(ctx) and on_error(ctx, err);
// defining any of them gives the module the lifecycle capability.
package lua

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/plugin/hostfunc"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// Script globals.
const (
	globalMetadata = "metadata"
	hookExecute    = "execute"
	hookLoad       = "on_load"
	hookUnload     = "on_unload"
	hookError      = "on_error"
)

// Compile-time interface check.
var _ plugin.Loader = (*Loader)(nil)

// Loader compiles Lua scripts. It implements plugin.Loader.
type Loader struct {
	factory   *StateFactory
	hostFuncs *hostfunc.Functions
	logger    *slog.Logger
}

// NewLoader creates a Lua loader. A nil logger uses slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		factory:   NewStateFactory(),
		hostFuncs: hostfunc.New(logger),
		logger:    logger,
	}
}

// Open compiles the script at path once and reads its metadata.
// Scripts without a metadata table or an execute function expose no module.
func (l *Loader) Open(ctx context.Context, path string) (plugin.Binary, error) {
	src, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("lua").With("path", path).With("operation", "read").Wrap(err)
	}
	chunk, err := parse.Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, oops.In("lua").Code("LUA_SYNTAX_ERROR").With("path", path).Hint("syntax error").Wrap(err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, oops.In("lua").Code("LUA_SYNTAX_ERROR").With("path", path).Wrap(err)
	}

	L, err := l.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()
	l.hostFuncs.Register(L, func() *pluginsdk.Context { return nil })

	if err := runChunk(L, proto); err != nil {
		return nil, oops.In("lua").Code("LUA_SCRIPT_FAILED").With("path", path).Wrap(err)
	}
	if _, ok := L.GetGlobal(hookExecute).(*lua.LFunction); !ok {
		return nil, oops.In("lua").With("path", path).Wrapf(plugin.ErrNoModule, "script defines no %s function", hookExecute)
	}
	mdTable, ok := L.GetGlobal(globalMetadata).(*lua.LTable)
	if !ok {
		return nil, oops.In("lua").With("path", path).Wrapf(plugin.ErrNoModule, "script defines no %s table", globalMetadata)
	}

	lifecycle := false
	for _, hook := range []string{hookLoad, hookUnload, hookError} {
		if _, ok := L.GetGlobal(hook).(*lua.LFunction); ok {
			lifecycle = true
		}
	}

	return &script{
		loader:    l,
		path:      path,
		proto:     proto,
		md:        readMetadata(mdTable),
		lifecycle: lifecycle,
	}, nil
}

func runChunk(L *lua.LState, proto *lua.FunctionProto) error {
	L.Push(L.NewFunctionFromProto(proto))
	return L.PCall(0, lua.MultRet, nil)
}

func readMetadata(t *lua.LTable) pluginsdk.Metadata {
	md := pluginsdk.Metadata{
		Name:        stringField(t, "name"),
		Version:     stringField(t, "version"),
		Author:      stringField(t, "author"),
		Description: stringField(t, "description"),
	}
	if tags, ok := t.RawGetString("tags").(*lua.LTable); ok {
		tags.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				md.Tags = append(md.Tags, string(s))
			}
		})
	}
	return md
}

func stringField(t *lua.LTable, key string) string {
	switch v := t.RawGetString(key).(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return v.String()
	default:
		return ""
	}
}

// script is a compiled Lua plugin.
type script struct {
	loader    *Loader
	path      string
	proto     *lua.FunctionProto
	md        pluginsdk.Metadata
	lifecycle bool
}

func (s *script) Metadata() pluginsdk.Metadata { return s.md }

// NewModule runs the compiled script in a fresh sandboxed state.
func (s *script) NewModule(ctx context.Context) (pluginsdk.Module, error) {
	L, err := s.loader.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	m := &module{L: L, md: s.md}
	s.loader.hostFuncs.Register(L, m.current)
	if err := runChunk(L, s.proto); err != nil {
		L.Close()
		return nil, oops.In("lua").Code("LUA_SCRIPT_FAILED").With("plugin", s.md.ID()).Wrap(err)
	}
	if s.lifecycle {
		return &lifecycleModule{module: m}, nil
	}
	return m, nil
}

// Close releases nothing; states are owned by modules.
func (s *script) Close(context.Context) error { return nil }

// module is one script instance. It serves a single execution.
type module struct {
	L  *lua.LState
	md pluginsdk.Metadata
	pc *pluginsdk.Context
}

func (m *module) current() *pluginsdk.Context { return m.pc }

// call runs a global hook. Undefined optional hooks are skipped.
func (m *module) call(ctx context.Context, hook string, pc *pluginsdk.Context, args ...lua.LValue) error {
	fn, ok := m.L.GetGlobal(hook).(*lua.LFunction)
	if !ok {
		return nil
	}
	m.pc = pc
	m.L.SetContext(ctx)
	defer func() { m.pc = nil }()

	callArgs := append([]lua.LValue{contextTable(m.L, pc)}, args...)
	if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, callArgs...); err != nil {
		return oops.In("lua").With("plugin", m.md.ID()).With("hook", hook).Wrap(err)
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	if s, ok := ret.(lua.LString); ok && hook == hookExecute {
		pc.SetOutput(string(s))
	}
	return nil
}

// Execute calls execute(ctx). A string return value becomes the output.
func (m *module) Execute(ctx context.Context, pc *pluginsdk.Context) error {
	return m.call(ctx, hookExecute, pc)
}

// Close closes the Lua state.
func (m *module) Close() error {
	m.L.Close()
	return nil
}

// lifecycleModule is a module whose script defines lifecycle hooks.
type lifecycleModule struct {
	*module
}

func (m *lifecycleModule) OnLoad(ctx context.Context, pc *pluginsdk.Context) error {
	return m.call(ctx, hookLoad, pc)
}

func (m *lifecycleModule) OnUnload(ctx context.Context, pc *pluginsdk.Context) error {
	return m.call(ctx, hookUnload, pc)
}

func (m *lifecycleModule) OnError(ctx context.Context, pc *pluginsdk.Context, err error) error {
	return m.call(ctx, hookError, pc, lua.LString(err.Error()))
}

// contextTable builds the table handed to every hook.
func contextTable(L *lua.LState, pc *pluginsdk.Context) *lua.LTable {
	md := pc.Metadata()
	req := pc.Request()

	t := L.NewTable()
	L.SetField(t, "plugin", lua.LString(md.Name))
	L.SetField(t, "version", lua.LString(md.Version))
	L.SetField(t, "correlation_id", lua.LString(req.CorrelationID))
	L.SetField(t, "request_version", lua.LString(req.Version))

	tags := L.NewTable()
	for _, tag := range req.Tags {
		tags.Append(lua.LString(tag))
	}
	L.SetField(t, "tags", tags)

	props := L.NewTable()
	for k, v := range req.Properties.All() {
		L.SetField(props, k, lua.LString(v))
	}
	L.SetField(t, "properties", props)
	return t
}
