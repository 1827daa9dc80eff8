// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/observability"
	"github.com/plugrun/plugrun/internal/plugin/resource"
	"github.com/plugrun/plugrun/internal/xdg"
	"github.com/plugrun/plugrun/pkg/errutil"
)

// LuaExt is the file extension of script plugins.
const LuaExt = ".lua"

// ErrPluginNotLoaded is returned when an operation names a plugin id that
// is not in the descriptor table.
var ErrPluginNotLoaded = errors.New("plugin not loaded")

// descriptorTable is an immutable snapshot. It is replaced, never mutated.
type descriptorTable map[string]Descriptor

// Manager owns the loaded plugins.
//
// Load, Unload and Reload are serialized by a single lock. Lookups,
// Descriptors and executions read an immutable snapshot and never block on
// a load in progress.
type Manager struct {
	cfg           RuntimeConfig
	loaders       map[string]Loader
	defaultLoader Loader
	sink          execlog.Sink
	resources     *resource.Registry
	config        Configuration
	escalator     Escalator
	metrics       *observability.Metrics
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	loadMu  sync.Mutex
	stateMu sync.Mutex
	table   atomic.Pointer[descriptorTable]

	watchMu sync.Mutex
	watcher *watcher
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLoader registers the loader used for files with extension ext
// (including the dot, e.g. ".lua").
func WithLoader(ext string, l Loader) ManagerOption {
	return func(m *Manager) {
		m.loaders[strings.ToLower(ext)] = l
	}
}

// WithDefaultLoader sets the loader used for files without a registered
// extension.
func WithDefaultLoader(l Loader) ManagerOption {
	return func(m *Manager) {
		m.defaultLoader = l
	}
}

// WithLogSink records every execution in sink.
func WithLogSink(sink execlog.Sink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithResources sets the host resources plugins may resolve.
func WithResources(r *resource.Registry) ManagerOption {
	return func(m *Manager) {
		m.resources = r
	}
}

// WithConfig sets the per-plugin settings source.
func WithConfig(c Configuration) ManagerOption {
	return func(m *Manager) {
		m.config = c
	}
}

// WithEscalator sets the action taken when a critical plugin fails.
func WithEscalator(e Escalator) ManagerOption {
	return func(m *Manager) {
		m.escalator = e
	}
}

// WithMetrics records execution metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a plugin manager.
func NewManager(cfg RuntimeConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:     cfg,
		loaders: make(map[string]Loader),
		logger:  slog.Default(),
		tracer:  otel.Tracer("plugrun/plugin"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.escalator == nil {
		m.escalator = NewLogEscalator(m.logger)
	}
	if m.cfg.PluginRoot == "" {
		m.cfg.PluginRoot = xdg.PluginDir()
	}
	empty := descriptorTable{}
	m.table.Store(&empty)
	return m
}

// Root returns the directory scanned for plugins.
func (m *Manager) Root() string { return m.cfg.PluginRoot }

// Initialize creates the plugin root, loads every plugin under it and,
// when configured, starts watching it for changes.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := xdg.EnsureDir(m.cfg.PluginRoot); err != nil {
		return oops.Code("PLUGIN_ROOT_UNAVAILABLE").With("root", m.cfg.PluginRoot).Wrap(err)
	}
	loaded, err := m.LoadAll(ctx, Filter{})
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "plugins loaded",
		"root", m.cfg.PluginRoot,
		"count", len(loaded))

	if !m.cfg.WatchForChanges {
		return nil
	}
	w, err := newWatcher(m, m.cfg.PluginRoot)
	if err != nil {
		return err
	}
	m.watchMu.Lock()
	m.watcher = w
	m.watchMu.Unlock()
	w.start()
	return nil
}

// Load opens the plugin at path and adds it to the descriptor table,
// replacing any plugin with the same id.
//
// Load returns (nil, nil) when path does not exist or does not expose a
// module.
func (m *Manager) Load(ctx context.Context, path string) (*Descriptor, error) {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.load(ctx, path)
}

func (m *Manager) load(ctx context.Context, path string) (*Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.WarnContext(ctx, "plugin binary missing, skipping", "path", path)
			return nil, nil
		}
		return nil, oops.Code("PLUGIN_LOAD_FAILED").With("path", path).Wrap(err)
	}
	if info.IsDir() {
		return nil, oops.Code("PLUGIN_LOAD_FAILED").With("path", path).Errorf("path is a directory")
	}

	bin, err := m.loaderFor(path).Open(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNoModule) {
			m.logger.WarnContext(ctx, "no plugin module found, skipping", "path", path)
			return nil, nil
		}
		return nil, oops.Code("PLUGIN_LOAD_FAILED").With("path", path).Wrap(err)
	}

	desc, err := m.describe(path, bin)
	if err != nil {
		if closeErr := bin.Close(ctx); closeErr != nil {
			errutil.Log(ctx, m.logger, slog.LevelWarn, "failed to release plugin after load error", closeErr,
				"path", path)
		}
		return nil, oops.Code("PLUGIN_LOAD_FAILED").With("path", path).Wrap(err)
	}

	var replaced *Descriptor
	m.update(func(t descriptorTable) {
		if old, ok := t[desc.ID]; ok {
			replaced = &old
		}
		t[desc.ID] = desc
	})
	if replaced != nil && replaced.binary != bin {
		m.release(ctx, *replaced)
	}

	m.logger.InfoContext(ctx, "loaded plugin",
		"plugin", desc.ID,
		"path", path,
		"critical", desc.Critical())
	out := desc
	return &out, nil
}

func (m *Manager) describe(path string, bin Binary) (Descriptor, error) {
	md := bin.Metadata()
	if md.Name == "" || md.Version == "" {
		return Descriptor{}, oops.Errorf("plugin metadata must declare a name and a version")
	}
	manifest, err := LoadManifest(filepath.Dir(path))
	if err != nil {
		return Descriptor{}, err
	}
	md.Tags = slices.Clone(md.Tags)
	return Descriptor{
		ID:         md.ID(),
		BinaryPath: path,
		LoadedAt:   m.now(),
		Metadata:   md,
		Manifest:   manifest,
		State:      StateLoaded,
		binary:     bin,
	}, nil
}

func (m *Manager) loaderFor(path string) Loader {
	if l, ok := m.loaders[strings.ToLower(filepath.Ext(path))]; ok {
		return l
	}
	if m.defaultLoader != nil {
		return m.defaultLoader
	}
	return LoaderFunc(func(context.Context, string) (Binary, error) {
		return nil, ErrNoModule
	})
}

// LoadAll loads every plugin file under the plugin root. Loading is
// unconditional; filter only selects which descriptors are returned.
// A plugin that fails to load is logged and skipped.
func (m *Manager) LoadAll(ctx context.Context, filter Filter) ([]Descriptor, error) {
	var loaded []Descriptor
	err := filepath.WalkDir(m.cfg.PluginRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.cfg.PluginRoot {
				return err
			}
			m.logger.WarnContext(ctx, "skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != m.cfg.PluginRoot && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !m.isPluginFile(d) {
			return nil
		}

		desc, err := m.Load(ctx, path)
		if err != nil {
			errutil.Log(ctx, m.logger, slog.LevelError, "failed to load plugin", err, "path", path)
			return nil
		}
		if desc != nil {
			loaded = append(loaded, *desc)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, oops.Code("PLUGIN_DISCOVERY_FAILED").With("root", m.cfg.PluginRoot).Wrap(err)
	}

	return slices.DeleteFunc(loaded, func(d Descriptor) bool {
		return !filter.Matches(d.Metadata)
	}), nil
}

// isPluginFile reports whether a directory entry is a candidate plugin:
// a file with a registered extension, or an executable regular file.
func (m *Manager) isPluginFile(d fs.DirEntry) bool {
	name := d.Name()
	if name == ManifestFileName || strings.HasPrefix(name, ".") {
		return false
	}
	if _, ok := m.loaders[strings.ToLower(filepath.Ext(name))]; ok {
		return true
	}
	if !d.Type().IsRegular() {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// Unload removes a plugin and releases its isolation handle. Unknown ids
// are ignored.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.unload(ctx, id)
}

func (m *Manager) unload(ctx context.Context, id string) error {
	var (
		removed Descriptor
		found   bool
	)
	m.update(func(t descriptorTable) {
		removed, found = t[id]
		delete(t, id)
	})
	if !found {
		return nil
	}
	m.logger.InfoContext(ctx, "unloaded plugin", "plugin", id)
	if err := removed.binary.Close(ctx); err != nil {
		return oops.Code("PLUGIN_UNLOAD_FAILED").With("plugin", id).Wrap(err)
	}
	return nil
}

// Reload unloads a plugin and loads it again from its original path.
// Unknown ids are ignored.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	desc, ok := m.Descriptor(id)
	if !ok {
		return nil
	}
	if err := m.unload(ctx, id); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelWarn, "release failed during reload", err, "plugin", id)
	}
	reloaded, err := m.load(ctx, desc.BinaryPath)
	if err != nil {
		return err
	}
	if reloaded == nil {
		m.logger.WarnContext(ctx, "plugin vanished during reload",
			"plugin", id,
			"path", desc.BinaryPath)
	}
	return nil
}

// Descriptors returns a copy of every loaded descriptor, sorted by id.
func (m *Manager) Descriptors() []Descriptor {
	t := *m.table.Load()
	out := make([]Descriptor, 0, len(t))
	for _, id := range slices.Sorted(maps.Keys(t)) {
		out = append(out, t[id])
	}
	return out
}

// Descriptor returns a copy of the descriptor for id.
func (m *Manager) Descriptor(id string) (Descriptor, bool) {
	d, ok := (*m.table.Load())[id]
	return d, ok
}

// Close stops the watcher and releases every loaded plugin.
func (m *Manager) Close(ctx context.Context) error {
	m.watchMu.Lock()
	w := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	var errs []error
	if w != nil {
		if err := w.close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	var all descriptorTable
	m.update(func(t descriptorTable) {
		all = maps.Clone(t)
		clear(t)
	})
	for _, id := range slices.Sorted(maps.Keys(all)) {
		if err := all[id].binary.Close(ctx); err != nil {
			errs = append(errs, oops.With("plugin", id).Wrap(err))
		}
	}
	if len(errs) > 0 {
		return oops.Code("PLUGIN_CLOSE_FAILED").Wrap(errors.Join(errs...))
	}
	return nil
}

// update publishes a modified copy of the descriptor table.
func (m *Manager) update(fn func(t descriptorTable)) {
	m.stateMu.Lock()
	next := maps.Clone(*m.table.Load())
	fn(next)
	m.table.Store(&next)
	n := len(next)
	m.stateMu.Unlock()
	m.metrics.SetPluginsLoaded(n)
}

// setState moves a descriptor to state, provided it still refers to bin.
// A plugin reloaded while executing keeps the state of its new binary.
func (m *Manager) setState(id string, bin Binary, state State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	cur := *m.table.Load()
	d, ok := cur[id]
	if !ok || d.binary != bin {
		return
	}
	next := maps.Clone(cur)
	d.State = state
	next[id] = d
	m.table.Store(&next)
}

func (m *Manager) release(ctx context.Context, d Descriptor) {
	if err := d.binary.Close(ctx); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelWarn, "failed to release replaced plugin", err, "plugin", d.ID)
	}
}
