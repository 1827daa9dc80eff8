// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package goplugin loads plugin executables as child processes using
// HashiCorp's go-plugin system over gRPC.
package goplugin

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// DefaultControlTimeout bounds Describe, Instantiate and Release calls.
// Hook invocations are bounded only by the caller's context.
const DefaultControlTimeout = 10 * time.Second

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients. Plugin stderr is
// parsed as hclog JSON and forwarded to Logger.
type DefaultClientFactory struct {
	Logger hclog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	logger := f.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from the plugin root walk
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           logger.Named(filepath.Base(execPath)),
	})
}

// Loader opens plugin executables. It implements plugin.Loader.
type Loader struct {
	clientFactory  ClientFactory
	controlTimeout time.Duration
	logger         *slog.Logger
}

// Compile-time interface check.
var _ plugin.Loader = (*Loader)(nil)

// Option configures the Loader.
type Option func(*Loader)

// WithClientFactory replaces the go-plugin client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Loader) {
		l.clientFactory = f
	}
}

// WithControlTimeout overrides DefaultControlTimeout.
func WithControlTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.controlTimeout = d
	}
}

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a go-plugin loader.
// Panics if a nil client factory is supplied.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		clientFactory:  &DefaultClientFactory{},
		controlTimeout: DefaultControlTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.clientFactory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return l
}

// Open starts the executable at path and asks it to describe itself.
// The process is killed on any failure.
func (l *Loader) Open(ctx context.Context, path string) (plugin.Binary, error) {
	client := l.clientFactory.NewClient(path)

	// An executable that does not complete the handshake is not a plugin.
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, oops.Code("PLUGIN_CONNECT_FAILED").With("path", path).
			Wrapf(plugin.ErrNoModule, "handshake: %v", err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, oops.With("path", path).Wrapf(plugin.ErrNoModule, "dispense: %v", err)
	}

	mc, ok := raw.(pluginsdk.ModuleClient)
	if !ok {
		client.Kill()
		return nil, oops.With("path", path).Wrapf(plugin.ErrNoModule, "unexpected client type %T", raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.controlTimeout)
	defer cancel()
	md, err := mc.Describe(callCtx)
	if err != nil {
		client.Kill()
		return nil, oops.Code("PLUGIN_DESCRIBE_FAILED").With("path", path).Wrap(err)
	}

	l.logger.DebugContext(ctx, "plugin process started",
		"plugin", md.ID(),
		"path", path)

	return &binary{
		path:    path,
		md:      md,
		client:  client,
		module:  mc,
		timeout: l.controlTimeout,
		logger:  l.logger,
	}, nil
}

// binary is one running plugin process.
type binary struct {
	path    string
	md      pluginsdk.Metadata
	client  PluginClient
	module  pluginsdk.ModuleClient
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
}

func (b *binary) Metadata() pluginsdk.Metadata { return b.md }

// NewModule creates a module instance inside the plugin process. The
// returned value implements pluginsdk.Lifecycle only when the plugin's
// module does.
func (b *binary) NewModule(ctx context.Context) (pluginsdk.Module, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	inst, err := b.module.Instantiate(callCtx)
	if err != nil {
		return nil, oops.Code("PLUGIN_INSTANTIATE_FAILED").With("plugin", b.md.ID()).Wrap(err)
	}
	rm := &remoteModule{b: b, instance: inst.ID}
	if inst.Lifecycle {
		return &remoteLifecycleModule{remoteModule: rm}, nil
	}
	return rm, nil
}

// Close kills the plugin process. Safe to call more than once.
func (b *binary) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.client.Kill()
		b.logger.DebugContext(ctx, "plugin process stopped",
			"plugin", b.md.ID(),
			"path", b.path)
	})
	return nil
}

// remoteModule forwards hooks to an instance in the plugin process.
type remoteModule struct {
	b        *binary
	instance string
}

func (m *remoteModule) invoke(ctx context.Context, hook pluginsdk.Hook, pc *pluginsdk.Context, cause error) error {
	inv := pluginsdk.Invocation{
		Instance:  m.instance,
		Hook:      hook,
		Metadata:  pc.Metadata(),
		Request:   pc.Request(),
		Config:    pc.Settings(),
		Resources: pc.Resources(),
	}
	if cause != nil {
		inv.Error = cause.Error()
	}
	out, err := m.b.module.Invoke(ctx, inv)
	if err != nil {
		return oops.With("plugin", m.b.md.ID()).With("hook", string(hook)).Wrap(err)
	}
	if out != "" {
		pc.SetOutput(out)
	}
	return nil
}

// Execute runs the module's Execute in the plugin process.
func (m *remoteModule) Execute(ctx context.Context, pc *pluginsdk.Context) error {
	return m.invoke(ctx, pluginsdk.HookExecute, pc, nil)
}

// Close releases the instance held by the plugin process.
func (m *remoteModule) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.b.timeout)
	defer cancel()
	if err := m.b.module.Release(ctx, m.instance); err != nil {
		return oops.With("plugin", m.b.md.ID()).With("instance", m.instance).Wrap(err)
	}
	return nil
}

// remoteLifecycleModule is a remoteModule whose instance has lifecycle hooks.
type remoteLifecycleModule struct {
	*remoteModule
}

func (m *remoteLifecycleModule) OnLoad(ctx context.Context, pc *pluginsdk.Context) error {
	return m.invoke(ctx, pluginsdk.HookLoad, pc, nil)
}

func (m *remoteLifecycleModule) OnUnload(ctx context.Context, pc *pluginsdk.Context) error {
	return m.invoke(ctx, pluginsdk.HookUnload, pc, nil)
}

func (m *remoteLifecycleModule) OnError(ctx context.Context, pc *pluginsdk.Context, err error) error {
	return m.invoke(ctx, pluginsdk.HookError, pc, err)
}
