// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/plugrun/plugrun/internal/observability"
	"github.com/plugrun/plugrun/pkg/errutil"
)

// DefaultRetryBackoff is the wait between failed receives.
const DefaultRetryBackoff = 5 * time.Second

// Transport is the contract each message adapter implements.
type Transport interface {
	// Name identifies the transport endpoint in logs.
	Name() string
	// Connect subscribes to the endpoint.
	Connect(ctx context.Context) error
	// Receive blocks until the next message arrives.
	Receive(ctx context.Context) (string, error)
	// Close releases the subscription.
	Close() error
}

// Publisher accepts trigger events. *Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Runner pumps messages from a Transport onto a Publisher.
type Runner struct {
	source    Source
	transport Transport
	pub       Publisher
	backoff   time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetryBackoff overrides DefaultRetryBackoff. Non-positive values are ignored.
func WithRetryBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithRunnerMetrics counts published triggers.
func WithRunnerMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner for t. Events it publishes carry source.
func NewRunner(source Source, t Transport, pub Publisher, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:    source,
		transport: t,
		pub:       pub,
		backoff:   DefaultRetryBackoff,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("source", source.String(), "transport", t.Name())
	return r
}

// Run connects and forwards messages until ctx is cancelled. A failed
// connect disables the adapter without affecting the host, so Run returns
// nil in that case as well.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.transport.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			errutil.Log(ctx, r.logger, slog.LevelWarn, "trigger transport unavailable", err)
		}
		return nil
	}
	defer func() {
		if err := r.transport.Close(); err != nil {
			errutil.Log(context.Background(), r.logger, slog.LevelWarn, "failed to close trigger transport", err)
		}
	}()
	r.logger.InfoContext(ctx, "trigger transport listening")

	for {
		msg, err := r.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.dispatch(ctx, msg)
	}
}

// receive retries failed receives with a constant backoff until a message
// arrives or ctx ends.
func (r *Runner) receive(ctx context.Context) (string, error) {
	var msg string
	err := retry.Do(ctx, retry.NewConstant(r.backoff), func(ctx context.Context) error {
		m, err := r.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errutil.Log(ctx, r.logger, slog.LevelWarn, "trigger receive failed", err,
				"retry_in", r.backoff.String())
			return retry.RetryableError(err)
		}
		msg = m
		return nil
	})
	return msg, err
}

func (r *Runner) dispatch(ctx context.Context, msg string) {
	pluginID, payload := ParsePayload(msg)
	ev := Event{Source: r.source, PluginID: pluginID, Payload: payload}
	if err := r.pub.Publish(ctx, ev); err != nil {
		errutil.Log(ctx, r.logger, slog.LevelWarn, "failed to publish trigger", err, "plugin", pluginID)
		return
	}
	r.metrics.RecordTrigger(r.source.String())
	r.logger.DebugContext(ctx, "trigger published", "plugin", pluginID)
}
