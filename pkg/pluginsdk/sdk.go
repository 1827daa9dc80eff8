// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package pluginsdk

// Example plugin binary:
//
//	type greeter struct{ pluginsdk.NopLifecycle }
//
//	func (greeter) Execute(_ context.Context, pc *pluginsdk.Context) error {
//		name, _ := pc.Request().Property("name")
//		pc.SetOutput("hello " + name)
//		return nil
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			Metadata: pluginsdk.Metadata{Name: "greeter", Version: "1.0.0"},
//			New:      func() pluginsdk.Module { return greeter{} },
//		})
//	}

import (
	"context"
	"errors"
	"log/slog"
	"os"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// PluginName is the key under which the module service is dispensed.
const PluginName = "module"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGRUN_PLUGIN",
	MagicCookieValue: "plugrun-v1",
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Metadata identifies the plugin. Name and Version are required.
	Metadata Metadata
	// New creates a fresh module for every execution. Required.
	New func() Module
	// Logger overrides the default hclog-shaped stderr logger.
	Logger *slog.Logger
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.New == nil {
		panic("pluginsdk: config.New cannot be nil")
	}
	if config.Metadata.Name == "" || config.Metadata.Version == "" {
		panic("pluginsdk: config.Metadata requires name and version")
	}
	logger := config.Logger
	if logger == nil {
		logger = NewLogger(os.Stderr, slog.LevelDebug)
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: NewGRPCPlugin(NewModuleServer(config.Metadata, config.New, logger)),
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// Compile-time interface checks.
var (
	_ hashiplug.Plugin     = (*GRPCPlugin)(nil)
	_ hashiplug.GRPCPlugin = (*GRPCPlugin)(nil)
)

// GRPCPlugin implements go-plugin's Plugin interface for the module service.
// The host uses the zero value to obtain a ModuleClient.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	impl ModuleServer
}

// NewGRPCPlugin returns the plugin-side value serving impl.
func NewGRPCPlugin(impl ModuleServer) *GRPCPlugin {
	return &GRPCPlugin{impl: impl}
}

// GRPCServer registers the module server (called by plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.impl == nil {
		return errors.New("pluginsdk: module server is nil")
	}
	RegisterModuleServer(s, p.impl)
	return nil
}

// GRPCClient returns a ModuleClient (called by host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewModuleClient(c), nil
}
