// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package orchestrator drives plugin executions from schedules and from the
// trigger bus.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/plugrun/plugrun/internal/observability"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/pkg/errutil"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// Request properties set by the orchestrator.
const (
	PropertySchedule      = "schedule"
	PropertyTriggerSource = "triggerSource"
	PropertyPayload       = "payload"
)

// Executor runs plugins. *plugin.Manager implements it.
type Executor interface {
	Execute(ctx context.Context, id string, req pluginsdk.Request) (plugin.Result, error)
	ExecuteFilter(ctx context.Context, filter plugin.Filter, req pluginsdk.Request) []plugin.Result
}

// Listener yields trigger events. *trigger.Bus implements it.
type Listener interface {
	Listen(ctx context.Context) <-chan trigger.Event
}

// Orchestrator runs one worker per enabled schedule plus one trigger worker.
type Orchestrator struct {
	exec      Executor
	bus       Listener
	schedules []Schedule
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics counts schedule firings.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock replaces time.Now for cron calculations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator. A nil bus disables the trigger worker.
func New(exec Executor, bus Listener, schedules []Schedule, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:      exec,
		bus:       bus,
		schedules: schedules,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts the workers and blocks until all of them have exited, which
// happens on cancellation or when no schedule has further occurrences and
// there is no bus.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range o.schedules {
		if !s.Enabled || s.Kind() == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runSchedule(ctx, s)
		}()
	}
	if o.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.listen(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// Execute runs one plugin by id.
func (o *Orchestrator) Execute(ctx context.Context, id string, req pluginsdk.Request) (plugin.Result, error) {
	return o.exec.Execute(ctx, id, withCorrelationID(req))
}

// ExecuteFilter runs every plugin matching filter.
func (o *Orchestrator) ExecuteFilter(ctx context.Context, filter plugin.Filter, req pluginsdk.Request) []plugin.Result {
	return o.exec.ExecuteFilter(ctx, filter, withCorrelationID(req))
}

func (o *Orchestrator) runSchedule(ctx context.Context, s Schedule) {
	logger := o.logger.With(append([]any{"schedule", s.Label()}, s.Target()...)...)
	logger.DebugContext(ctx, "schedule started", "kind", s.Kind())
	if s.Kind() == "interval" {
		o.runInterval(ctx, s, logger)
	} else {
		o.runCron(ctx, s, logger)
	}
	logger.DebugContext(ctx, "schedule stopped")
}

func (o *Orchestrator) runInterval(ctx context.Context, s Schedule, logger *slog.Logger) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx, s, logger)
		}
	}
}

func (o *Orchestrator) runCron(ctx context.Context, s Schedule, logger *slog.Logger) {
	sched, err := ParseCron(s.Cron)
	if err != nil {
		errutil.Log(ctx, logger, slog.LevelError, "invalid cron expression", err)
		return
	}
	for {
		now := o.now()
		next := sched.Next(now)
		if next.IsZero() {
			logger.InfoContext(ctx, "cron schedule has no further occurrences")
			return
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		o.tick(ctx, s, logger)
	}
}

func (o *Orchestrator) tick(ctx context.Context, s Schedule, logger *slog.Logger) {
	o.metrics.RecordScheduleRun(s.Kind())
	req := pluginsdk.Request{
		CorrelationID: newCorrelationID(),
		Tags:          s.Tags,
		Properties:    pluginsdk.NewProperties(PropertySchedule, s.Label()),
	}
	if s.PluginID != "" {
		res, err := o.exec.Execute(ctx, s.PluginID, req)
		if err != nil {
			errutil.Log(ctx, logger, slog.LevelError, "scheduled execution failed", err, "correlation_id", req.CorrelationID)
			return
		}
		logResult(ctx, logger, res, "correlation_id", req.CorrelationID)
		return
	}
	for _, res := range o.exec.ExecuteFilter(ctx, plugin.Filter{Tags: s.Tags}, req) {
		logResult(ctx, logger, res, "correlation_id", req.CorrelationID)
	}
}

func (o *Orchestrator) listen(ctx context.Context) {
	for ev := range o.bus.Listen(ctx) {
		o.dispatch(ctx, ev)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev trigger.Event) {
	req := pluginsdk.Request{
		CorrelationID: newCorrelationID(),
		Tags:          ev.Tags,
		Properties: pluginsdk.NewProperties(
			PropertyTriggerSource, ev.Source.String(),
			PropertyPayload, ev.Payload,
		),
	}
	logger := o.logger.With("source", ev.Source.String(), "correlation_id", req.CorrelationID)

	switch {
	case ev.PluginID != "":
		res, err := o.exec.Execute(ctx, ev.PluginID, req)
		if err != nil {
			errutil.Log(ctx, logger, slog.LevelError, "trigger execution failed", err, "plugin", ev.PluginID)
			return
		}
		logResult(ctx, logger, res)
	case len(ev.Tags) > 0:
		for _, res := range o.exec.ExecuteFilter(ctx, plugin.Filter{Tags: ev.Tags}, req) {
			logResult(ctx, logger, res)
		}
	default:
		logger.DebugContext(ctx, "trigger dropped: no plugin or tags")
	}
}

func logResult(ctx context.Context, logger *slog.Logger, res plugin.Result, attrs ...any) {
	attrs = append(attrs, "plugin", res.PluginID, "duration", res.Duration)
	if !res.Succeeded {
		logger.WarnContext(ctx, "plugin execution faulted", append(attrs, "error", res.Error())...)
		return
	}
	logger.DebugContext(ctx, "plugin execution completed", attrs...)
}

func newCorrelationID() string {
	return ulid.Make().String()
}

func withCorrelationID(req pluginsdk.Request) pluginsdk.Request {
	if req.CorrelationID == "" {
		req.CorrelationID = newCorrelationID()
	}
	return req
}
