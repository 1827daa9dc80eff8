// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package control is the management surface of a running host: listing,
// executing, loading and unloading plugins, publishing manual triggers and
// reading the execution log. Service holds the operations; Server exposes
// them over HTTP on a Unix socket and Client calls them.
package control

import (
	"context"
	"log/slog"
	"slices"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// DefaultLogLimit is the number of log records returned when no limit is given.
const DefaultLogLimit = 50

// Plugins is the subset of *plugin.Manager the service manages.
type Plugins interface {
	Descriptors() []plugin.Descriptor
	Load(ctx context.Context, path string) (*plugin.Descriptor, error)
	Reload(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
}

// Executor runs plugins. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, id string, req pluginsdk.Request) (plugin.Result, error)
	ExecuteFilter(ctx context.Context, filter plugin.Filter, req pluginsdk.Request) []plugin.Result
}

// Service implements the management operations.
type Service struct {
	plugins Plugins
	exec    Executor
	bus     trigger.Publisher
	logs    execlog.Sink
	logger  *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogSink enables Logs. Without a sink Logs returns no records.
func WithLogSink(sink execlog.Sink) ServiceOption {
	return func(s *Service) {
		s.logs = sink
	}
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service.
func NewService(plugins Plugins, exec Executor, bus trigger.Publisher, opts ...ServiceOption) *Service {
	s := &Service{
		plugins: plugins,
		exec:    exec,
		bus:     bus,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plugins lists the loaded plugins.
func (s *Service) Plugins() []plugin.Descriptor {
	return s.plugins.Descriptors()
}

// Execute runs one plugin with the given request properties.
func (s *Service) Execute(ctx context.Context, id string, props map[string]string) (plugin.Result, error) {
	req := pluginsdk.Request{
		CorrelationID: ulid.Make().String(),
		Properties:    propertiesFrom(props),
	}
	return s.exec.Execute(ctx, id, req)
}

// ExecuteByTags runs every plugin sharing a tag with tags.
func (s *Service) ExecuteByTags(ctx context.Context, tags []string) []plugin.Result {
	req := pluginsdk.Request{
		CorrelationID: ulid.Make().String(),
		Tags:          tags,
	}
	return s.exec.ExecuteFilter(ctx, plugin.Filter{Tags: tags}, req)
}

// Load loads the plugin binary at path.
func (s *Service) Load(ctx context.Context, path string) (plugin.Descriptor, error) {
	d, err := s.plugins.Load(ctx, path)
	if err != nil {
		return plugin.Descriptor{}, err
	}
	if d == nil {
		return plugin.Descriptor{}, oops.Code("PLUGIN_LOAD_FAILED").With("path", path).Wrap(plugin.ErrNoModule)
	}
	s.logger.InfoContext(ctx, "plugin loaded via control", "plugin", d.ID, "path", path)
	return *d, nil
}

// Reload reloads a plugin from its original path.
func (s *Service) Reload(ctx context.Context, id string) error {
	return s.plugins.Reload(ctx, id)
}

// Unload removes a plugin.
func (s *Service) Unload(ctx context.Context, id string) error {
	return s.plugins.Unload(ctx, id)
}

// PublishTrigger enqueues a manual trigger.
func (s *Service) PublishTrigger(ctx context.Context, pluginID string, tags []string, payload string) error {
	return s.bus.Publish(ctx, trigger.Event{
		Source:   trigger.SourceManual,
		PluginID: pluginID,
		Tags:     tags,
		Payload:  payload,
	})
}

// Logs returns up to limit execution records, newest first. A
// non-positive limit means DefaultLogLimit; larger ones are capped at
// execlog.MaxRecentLimit.
func (s *Service) Logs(ctx context.Context, limit int) ([]execlog.Record, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	limit = min(limit, execlog.MaxRecentLimit)
	if s.logs == nil {
		return []execlog.Record{}, nil
	}
	return s.logs.Recent(ctx, limit)
}

// propertiesFrom orders map entries by key.
func propertiesFrom(m map[string]string) *pluginsdk.Properties {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	p := pluginsdk.NewProperties()
	for _, k := range keys {
		p.Set(k, m[k])
	}
	return p
}
