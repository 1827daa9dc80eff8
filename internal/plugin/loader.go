// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"context"
	"errors"

	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// ErrNoModule is returned by a Loader when a file does not expose a module.
// The manager treats it as a skipped load, not a failure.
var ErrNoModule = errors.New("file does not expose a plugin module")

// Loader opens plugin binaries behind an isolation boundary.
type Loader interface {
	Open(ctx context.Context, path string) (Binary, error)
}

// Binary is an opened plugin. Each Binary is owned by exactly one
// descriptor and is closed when that descriptor is unloaded.
type Binary interface {
	Metadata() pluginsdk.Metadata
	// NewModule returns a fresh module instance. The manager never reuses
	// an instance across executions; instances implementing io.Closer are
	// closed after use.
	NewModule(ctx context.Context) (pluginsdk.Module, error)
	Close(ctx context.Context) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (Binary, error)

// Open calls f.
func (f LoaderFunc) Open(ctx context.Context, path string) (Binary, error) { return f(ctx, path) }

// RuntimeConfig configures plugin discovery and isolation.
type RuntimeConfig struct {
	// PluginRoot is scanned recursively for plugin binaries.
	PluginRoot string `koanf:"plugin_root" yaml:"plugin_root"`
	// WatchForChanges starts a file watcher on PluginRoot.
	WatchForChanges bool `koanf:"watch_for_changes" yaml:"watch_for_changes"`
	// EnableHotReload acts on watcher events. Without it events are ignored.
	EnableHotReload bool `koanf:"enable_hot_reload" yaml:"enable_hot_reload"`
	// SharedResources are glob patterns naming host resources plugins may
	// resolve.
	SharedResources []string `koanf:"shared_resources" yaml:"shared_resources"`
}

// Configuration supplies per-plugin settings exposed as Context.Config.
type Configuration interface {
	PluginSettings(name string) map[string]string
}

// StaticConfiguration is a Configuration backed by a map keyed by plugin name.
type StaticConfiguration map[string]map[string]string

// PluginSettings returns the settings for name.
func (c StaticConfiguration) PluginSettings(name string) map[string]string {
	return c[name]
}
