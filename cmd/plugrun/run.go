// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugrun/plugrun/internal/config"
	"github.com/plugrun/plugrun/internal/control"
	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/logging"
	"github.com/plugrun/plugrun/internal/observability"
	"github.com/plugrun/plugrun/internal/orchestrator"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/plugin/goplugin"
	"github.com/plugrun/plugrun/internal/plugin/lua"
	"github.com/plugrun/plugrun/internal/plugin/resource"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/internal/trigger/kafka"
	"github.com/plugrun/plugrun/internal/trigger/redis"
	"github.com/plugrun/plugrun/internal/trigger/servicebus"
	"github.com/plugrun/plugrun/pkg/errutil"
)

// shutdownTimeout bounds the graceful stop of servers and plugins.
const shutdownTimeout = 10 * time.Second

// HostDeps contains injectable dependencies for the run command.
// Nil fields use their default implementations.
type HostDeps struct {
	// SinkFactory opens the execution log sink.
	// Default: memory or Postgres per configuration.
	SinkFactory func(ctx context.Context, cfg config.ExecLogConfig) (execlog.Sink, func(), error)

	// TransportFactory builds the enabled trigger transports.
	// Default: transportsFromConfig.
	TransportFactory func(cfg config.TriggersConfig) []sourcedTransport

	// Ready is told when the host has started. Optional.
	Ready func()
}

// sourcedTransport pairs a transport with the source its events carry.
type sourcedTransport struct {
	source    trigger.Source
	transport trigger.Transport
}

func newRunCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the plugin host",
		Long: `Start the plugin host: load every plugin under the plugin root, run the
configured schedules, listen to the enabled trigger transports and serve the
control socket and metrics endpoint until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHost(ctx, cfg, nil)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// runHost runs the host until ctx is cancelled or shutdown is requested
// through the control socket.
func runHost(ctx context.Context, cfg *config.Config, deps *HostDeps) error {
	if deps == nil {
		deps = &HostDeps{}
	}
	if deps.SinkFactory == nil {
		deps.SinkFactory = openSink
	}
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportsFromConfig
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.SetDefault("plugrun", version, cfg.Log.Format, level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var metrics *observability.Metrics
	var obsErr <-chan error
	if cfg.Metrics.Addr != "" {
		obs := observability.NewServer(cfg.Metrics.Addr, ready.Load, logger)
		errCh, err := obs.Start()
		if err != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		obsErr = errCh
		metrics = obs.Metrics()
		defer stopWithTimeout(logger, "observability server", obs.Stop)
	}

	sink, closeSink, err := deps.SinkFactory(ctx, cfg.ExecLog)
	if err != nil {
		return err
	}
	defer closeSink()

	allow, err := resource.NewAllowList(cfg.Runtime.SharedResources)
	if err != nil {
		return err
	}
	resources := resource.NewRegistry(allow, logger)
	for name, value := range cfg.Resources {
		if err := resources.Register(name, resource.Value(value)); err != nil {
			return err
		}
	}

	pluginLog := logging.PluginLogger("plugin", cfg.Log.Format, level, os.Stderr)
	manager := plugin.NewManager(cfg.Runtime,
		plugin.WithLoader(plugin.LuaExt, lua.NewLoader(logger)),
		plugin.WithDefaultLoader(goplugin.NewLoader(
			goplugin.WithClientFactory(&goplugin.DefaultClientFactory{Logger: pluginLog}),
			goplugin.WithLogger(logger),
		)),
		plugin.WithLogSink(sink),
		plugin.WithResources(resources),
		plugin.WithConfig(plugin.StaticConfiguration(cfg.Plugins)),
		plugin.WithMetrics(metrics),
		plugin.WithLogger(logger),
	)
	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	defer stopWithTimeout(logger, "plugin manager", manager.Close)

	bus := trigger.NewBus()
	defer bus.Close()

	var wg sync.WaitGroup
	for _, st := range deps.TransportFactory(cfg.Triggers) {
		runner := trigger.NewRunner(st.source, st.transport, bus,
			trigger.WithRetryBackoff(cfg.Triggers.RetryBackoff),
			trigger.WithRunnerMetrics(metrics),
			trigger.WithRunnerLogger(logger))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				errutil.Log(ctx, logger, slog.LevelError, "trigger transport stopped", err)
			}
		}()
	}

	orch := orchestrator.New(manager, bus, cfg.Scheduler.Schedules,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			errutil.Log(ctx, logger, slog.LevelError, "orchestrator stopped", err)
		}
	}()

	if cfg.Control.Enabled {
		svc := control.NewService(manager, orch, bus,
			control.WithLogSink(sink),
			control.WithServiceLogger(logger))
		srv := control.NewServer(svc, control.ShutdownFunc(cancel),
			control.WithSocketPath(cfg.Control.Socket),
			control.WithServerLogger(logger))
		if err := srv.Start(); err != nil {
			cancel()
			wg.Wait()
			return err
		}
		defer stopWithTimeout(logger, "control socket", srv.Stop)
	}

	ready.Store(true)
	logger.InfoContext(ctx, "plugrun started",
		"plugin_root", cfg.Runtime.PluginRoot,
		"plugins", len(manager.Descriptors()),
		"schedules", len(cfg.Scheduler.Schedules))
	if deps.Ready != nil {
		deps.Ready()
	}

	select {
	case <-ctx.Done():
	case err := <-obsErr:
		if err != nil {
			errutil.Log(ctx, logger, slog.LevelError, "observability server failed", err)
		}
	}

	ready.Store(false)
	logger.Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}

func stopWithTimeout(logger *slog.Logger, what string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		errutil.Log(ctx, logger, slog.LevelWarn, "failed to stop "+what, err)
	}
}

func openSink(ctx context.Context, cfg config.ExecLogConfig) (execlog.Sink, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		sink, err := execlog.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return execlog.NewMemorySink(cfg.Capacity), func() {}, nil
	}
}

func transportsFromConfig(cfg config.TriggersConfig) []sourcedTransport {
	var out []sourcedTransport
	if cfg.Redis.Enabled {
		out = append(out, sourcedTransport{trigger.SourceRedis, redis.New(redis.Config{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})})
	}
	if cfg.Kafka.Enabled {
		out = append(out, sourcedTransport{trigger.SourceKafka, kafka.New(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})})
	}
	if cfg.ServiceBus.Enabled {
		out = append(out, sourcedTransport{trigger.SourceServiceBus, servicebus.New(servicebus.Config{
			ConnectionString: cfg.ServiceBus.ConnectionString,
			Queue:            cfg.ServiceBus.Queue,
		})})
	}
	return out
}
