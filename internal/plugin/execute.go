// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"context"
	"io"
	"log/slog"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin/resource"
	"github.com/plugrun/plugrun/pkg/errutil"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// Execute runs the plugin with id once. It fails only when id is not
// loaded; a failing plugin is reported through the Result.
func (m *Manager) Execute(ctx context.Context, id string, req pluginsdk.Request) (Result, error) {
	d, ok := m.Descriptor(id)
	if !ok {
		return Result{}, oops.Code("PLUGIN_NOT_LOADED").With("plugin", id).Wrap(ErrPluginNotLoaded)
	}
	return m.execute(ctx, d, req), nil
}

// ExecuteFilter runs every loaded plugin matching filter, one after the
// other in plugin id order, and returns one result per match.
func (m *Manager) ExecuteFilter(ctx context.Context, filter Filter, req pluginsdk.Request) []Result {
	var results []Result
	for _, d := range m.Descriptors() {
		if !filter.Matches(d.Metadata) {
			continue
		}
		results = append(results, m.execute(ctx, d, req))
	}
	return results
}

func (m *Manager) execute(ctx context.Context, d Descriptor, req pluginsdk.Request) Result {
	m.setState(d.ID, d.binary, StateExecuting)
	start := m.now()

	ctx, span := m.tracer.Start(ctx, "plugin.execute",
		trace.WithAttributes(
			attribute.String("plugin.id", d.ID),
			attribute.String("plugin.correlation_id", req.CorrelationID),
		),
	)
	defer span.End()

	var scope *resource.Scope
	if m.resources != nil {
		scope = m.resources.Scope(ctx)
	}
	defer scope.Close()

	pc := pluginsdk.NewContext(pluginsdk.ContextConfig{
		Logger:    m.logger.With("plugin", d.Metadata.Name),
		Metadata:  d.Metadata,
		Request:   req,
		Config:    m.settings(d.Metadata.Name),
		Resources: scope.Values(),
	})

	record := m.beginRecord(ctx, d, req)
	err := m.run(ctx, d, pc)
	elapsed := m.now().Sub(start)

	result := Result{
		PluginName: d.Metadata.Name,
		PluginID:   d.ID,
		Duration:   elapsed,
	}
	if err == nil {
		result.Succeeded = true
		result.Payload = pc.Output()
		if record != nil {
			record.Complete(result.Payload, m.now())
		}
		m.setState(d.ID, d.binary, StateCompleted)
		m.metrics.RecordExecution(d.ID, "completed", elapsed)
		m.logger.DebugContext(ctx, "plugin execution completed",
			"plugin", d.ID,
			"duration", elapsed)
	} else {
		result.Err = err
		if record != nil {
			record.Fault(err, m.now())
		}
		m.setState(d.ID, d.binary, StateFaulted)
		m.metrics.RecordExecution(d.ID, "faulted", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		errutil.Log(ctx, m.logger, slog.LevelError, "plugin execution failed", err,
			"plugin", d.ID,
			"correlation_id", req.CorrelationID)
	}
	m.finishRecord(ctx, record)

	if !result.Succeeded && d.Critical() {
		m.escalator.Escalate(ctx, d, result)
	}
	return result
}

// run performs the module sequence: OnLoad, Execute, OnUnload. The
// lifecycle hooks are called only when the module implements
// pluginsdk.Lifecycle.
func (m *Manager) run(ctx context.Context, d Descriptor, pc *pluginsdk.Context) error {
	mod, err := d.binary.NewModule(ctx)
	if err != nil {
		return oops.Code("PLUGIN_INSTANTIATE_FAILED").With("plugin", d.ID).Wrap(err)
	}
	defer m.releaseModule(ctx, d.ID, mod)

	lc, hasLifecycle := mod.(pluginsdk.Lifecycle)
	err = guard(func() error {
		if hasLifecycle {
			if err := lc.OnLoad(ctx, pc); err != nil {
				return err
			}
		}
		if err := mod.Execute(ctx, pc); err != nil {
			return err
		}
		if hasLifecycle {
			return lc.OnUnload(ctx, pc)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	if hasLifecycle {
		if hookErr := guard(func() error { return lc.OnError(ctx, pc, err) }); hookErr != nil {
			errutil.Log(ctx, m.logger, slog.LevelWarn, "plugin error hook failed", hookErr, "plugin", d.ID)
		}
	}
	return err
}

func (m *Manager) releaseModule(ctx context.Context, id string, mod pluginsdk.Module) {
	c, ok := mod.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelWarn, "failed to release plugin module", err, "plugin", id)
	}
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("PLUGIN_PANIC").With("panic", r).Errorf("plugin panicked: %v", r)
		}
	}()
	return fn()
}

func (m *Manager) settings(name string) map[string]string {
	if m.config == nil {
		return nil
	}
	return m.config.PluginSettings(name)
}

// beginRecord inserts the Executing record. A sink failure is logged and
// the execution proceeds unrecorded.
func (m *Manager) beginRecord(ctx context.Context, d Descriptor, req pluginsdk.Request) *execlog.Record {
	if m.sink == nil {
		return nil
	}
	r := execlog.NewRecord(d.Metadata.Name, d.Metadata.Version, req.CorrelationID, d.Metadata.Tags, m.now())
	if err := m.sink.Insert(ctx, r); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelWarn, "failed to record execution start", err, "plugin", d.ID)
		return nil
	}
	return r
}

func (m *Manager) finishRecord(ctx context.Context, r *execlog.Record) {
	if r == nil {
		return
	}
	if err := m.sink.Update(ctx, r); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelWarn, "failed to record execution outcome", err,
			"plugin", r.PluginName,
			"record_id", r.ID.String())
	}
}
