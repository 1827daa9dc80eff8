// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package config loads plugrun configuration.
//
// Sources are layered, later ones winning: built-in defaults, a YAML file,
// PLUGRUN_ environment variables and command line flags. Environment keys
// use a double underscore between levels, so PLUGRUN_RUNTIME__PLUGIN_ROOT
// sets runtime.plugin_root.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/plugrun/plugrun/internal/logging"
	"github.com/plugrun/plugrun/internal/orchestrator"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/plugin/resource"
	"github.com/plugrun/plugrun/internal/trigger"
	"github.com/plugrun/plugrun/internal/xdg"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PLUGRUN_"

// Execution log backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the complete host configuration.
type Config struct {
	Runtime   plugin.RuntimeConfig         `koanf:"runtime" yaml:"runtime"`
	Scheduler SchedulerConfig              `koanf:"scheduler" yaml:"scheduler"`
	Triggers  TriggersConfig               `koanf:"triggers" yaml:"triggers"`
	ExecLog   ExecLogConfig                `koanf:"execlog" yaml:"execlog"`
	Log       LogConfig                    `koanf:"log" yaml:"log"`
	Metrics   MetricsConfig                `koanf:"metrics" yaml:"metrics"`
	Control   ControlConfig                `koanf:"control" yaml:"control"`
	Resources map[string]string            `koanf:"resources" yaml:"resources,omitempty"`
	Plugins   map[string]map[string]string `koanf:"plugins" yaml:"plugins,omitempty"`
}

// SchedulerConfig lists the schedules run by the orchestrator.
type SchedulerConfig struct {
	Schedules []orchestrator.Schedule `koanf:"schedules" yaml:"schedules"`
}

// TriggersConfig enables the transport adapters.
type TriggersConfig struct {
	RetryBackoff time.Duration    `koanf:"retry_backoff" yaml:"retry_backoff"`
	Redis        RedisConfig      `koanf:"redis" yaml:"redis"`
	Kafka        KafkaConfig      `koanf:"kafka" yaml:"kafka"`
	ServiceBus   ServiceBusConfig `koanf:"servicebus" yaml:"servicebus"`
}

// RedisConfig configures the Redis pub/sub adapter.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Address  string `koanf:"address" yaml:"address"`
	Password string `koanf:"password" yaml:"password,omitempty"`
	DB       int    `koanf:"db" yaml:"db"`
	Channel  string `koanf:"channel" yaml:"channel"`
}

// KafkaConfig configures the Kafka consumer group adapter.
type KafkaConfig struct {
	Enabled bool     `koanf:"enabled" yaml:"enabled"`
	Brokers []string `koanf:"brokers" yaml:"brokers"`
	Topic   string   `koanf:"topic" yaml:"topic"`
	GroupID string   `koanf:"group_id" yaml:"group_id"`
}

// ServiceBusConfig configures the Azure Service Bus queue adapter.
type ServiceBusConfig struct {
	Enabled          bool   `koanf:"enabled" yaml:"enabled"`
	ConnectionString string `koanf:"connection_string" yaml:"connection_string,omitempty"`
	Queue            string `koanf:"queue" yaml:"queue"`
}

// ExecLogConfig selects the execution log sink.
type ExecLogConfig struct {
	Backend     string `koanf:"backend" yaml:"backend"`
	DatabaseURL string `koanf:"database_url" yaml:"database_url,omitempty"`
	Capacity    int    `koanf:"capacity" yaml:"capacity"`
}

// LogConfig configures host logging.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format"`
	Level  string `koanf:"level" yaml:"level"`
}

// MetricsConfig configures the metrics and health server.
type MetricsConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `koanf:"addr" yaml:"addr"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
	// Socket overrides the default path under the XDG runtime directory.
	Socket string `koanf:"socket" yaml:"socket,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"runtime.plugin_root":         xdg.PluginDir(),
		"runtime.watch_for_changes":   true,
		"runtime.enable_hot_reload":   true,
		"runtime.shared_resources":    []string{},
		"triggers.retry_backoff":      trigger.DefaultRetryBackoff.String(),
		"triggers.redis.enabled":      false,
		"triggers.redis.address":      "localhost:6379",
		"triggers.redis.channel":      "plugrun.plugins",
		"triggers.kafka.enabled":      false,
		"triggers.kafka.brokers":      []string{"localhost:9092"},
		"triggers.kafka.topic":        "plugrun.plugins",
		"triggers.kafka.group_id":     "plugrun-host",
		"triggers.servicebus.enabled": false,
		"triggers.servicebus.queue":   "plugrun-plugins",
		"execlog.backend":             BackendMemory,
		"execlog.capacity":            1000,
		"log.format":                  "json",
		"log.level":                   "info",
		"metrics.addr":                "127.0.0.1:9100",
		"control.enabled":             true,
	}
}

// Options controls where Load reads from.
type Options struct {
	// File is a YAML file. When empty the XDG config file is read if it exists.
	File string
	// Flags are applied last. Only flags bound with BindFlags are mapped.
	Flags *pflag.FlagSet
	// Environ overrides os.Environ, for tests.
	Environ []string
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"plugin-root":     "runtime.plugin_root",
	"watch":           "runtime.watch_for_changes",
	"hot-reload":      "runtime.enable_hot_reload",
	"log-format":      "log.format",
	"log-level":       "log.level",
	"metrics-addr":    "metrics.addr",
	"execlog-backend": "execlog.backend",
	"database-url":    "execlog.database_url",
	"control-socket":  "control.socket",
}

// BindFlags registers the flags Load understands on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("plugin-root", "", "plugin root directory (default: XDG_DATA_HOME/plugrun/plugins)")
	fs.Bool("watch", true, "watch the plugin root for changes")
	fs.Bool("hot-reload", true, "reload plugins when their files change")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	fs.String("execlog-backend", BackendMemory, "execution log backend (memory or postgres)")
	fs.String("database-url", "", "PostgreSQL URL for the postgres execution log")
	fs.String("control-socket", "", "control socket path")
}

// Load builds a Config from defaults, file, environment and flags.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "load defaults")
	}

	path, explicit := opts.File, opts.File != ""
	if !explicit {
		path = xdg.ConfigFile()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("file", path).Wrap(err)
		}
	} else if explicit {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("file", path).Wrap(err)
	}

	if err := k.Load(envProvider(opts.Environ), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "load environment")
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "decode")
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func envProvider(environ []string) koanf.Provider {
	if environ == nil {
		return env.Provider(EnvPrefix, ".", envKey)
	}
	m := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		m[envKey(name)] = value
	}
	return confmap.Provider(m, ".")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Runtime.PluginRoot == "" {
		add(errors.New("runtime.plugin_root is required"))
	}
	if _, err := resource.NewAllowList(c.Runtime.SharedResources); err != nil {
		add(err)
	}
	for i, s := range c.Scheduler.Schedules {
		if err := s.Validate(); err != nil {
			add(oops.With("schedule", i).Wrap(err))
		}
	}

	if c.Triggers.RetryBackoff <= 0 {
		add(errors.New("triggers.retry_backoff must be positive"))
	}
	if c.Triggers.Redis.Enabled && c.Triggers.Redis.Address == "" {
		add(errors.New("triggers.redis.address is required when redis is enabled"))
	}
	if c.Triggers.Kafka.Enabled && len(c.Triggers.Kafka.Brokers) == 0 {
		add(errors.New("triggers.kafka.brokers is required when kafka is enabled"))
	}
	if c.Triggers.ServiceBus.Enabled && c.Triggers.ServiceBus.ConnectionString == "" {
		add(errors.New("triggers.servicebus.connection_string is required when servicebus is enabled"))
	}

	switch c.ExecLog.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.ExecLog.DatabaseURL == "" {
			add(errors.New("execlog.database_url is required for the postgres backend"))
		}
	default:
		add(oops.Errorf("execlog.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.ExecLog.Backend))
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		add(oops.Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add(err)
	}

	if err := errors.Join(errs...); err != nil {
		return oops.Code("INVALID_CONFIG").Wrap(err)
	}
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, oops.Code("CONFIG_ENCODE_FAILED").Wrap(err)
	}
	return out, nil
}
