// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/internal/plugin/resource"
	"github.com/plugrun/plugrun/pkg/errutil"
	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

const fakeExt = ".plug"

// fakeLoader opens ".plug" files holding JSON metadata. An empty file
// exposes no module; a file that is not JSON fails to open. Modules come
// from the modules map keyed by plugin name.
type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]func() pluginsdk.Module
	opened  []*fakeBinary
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{modules: make(map[string]func() pluginsdk.Module)}
}

func (l *fakeLoader) setModule(name string, fn func() pluginsdk.Module) {
	l.mu.Lock()
	l.modules[name] = fn
	l.mu.Unlock()
}

func (l *fakeLoader) Open(_ context.Context, path string) (plugin.Binary, error) {
	data, err := os.ReadFile(path) //nolint:gosec // test fixture path
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, plugin.ErrNoModule
	}
	var md pluginsdk.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	b := &fakeBinary{loader: l, md: md}
	l.mu.Lock()
	l.opened = append(l.opened, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLoader) binaries() []*fakeBinary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeBinary(nil), l.opened...)
}

type fakeBinary struct {
	loader *fakeLoader
	md     pluginsdk.Metadata
	closed atomic.Bool
}

func (b *fakeBinary) Metadata() pluginsdk.Metadata { return b.md }

func (b *fakeBinary) NewModule(context.Context) (pluginsdk.Module, error) {
	b.loader.mu.Lock()
	fn, ok := b.loader.modules[b.md.Name]
	b.loader.mu.Unlock()
	if !ok {
		return pluginsdk.ModuleFunc(func(_ context.Context, pc *pluginsdk.Context) error {
			pc.SetOutput(pc.Metadata().ID())
			return nil
		}), nil
	}
	return fn(), nil
}

func (b *fakeBinary) Close(context.Context) error {
	b.closed.Store(true)
	return nil
}

// lifecycleModule records the hooks it sees.
type lifecycleModule struct {
	mu        sync.Mutex
	calls     []string
	execErr   error
	onLoadErr error
	panicMsg  string
	closed    bool
}

func (m *lifecycleModule) record(s string) {
	m.mu.Lock()
	m.calls = append(m.calls, s)
	m.mu.Unlock()
}

func (m *lifecycleModule) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *lifecycleModule) OnLoad(context.Context, *pluginsdk.Context) error {
	m.record("load")
	return m.onLoadErr
}

func (m *lifecycleModule) Execute(_ context.Context, pc *pluginsdk.Context) error {
	m.record("execute")
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	pc.SetOutput("done")
	return m.execErr
}

func (m *lifecycleModule) OnUnload(context.Context, *pluginsdk.Context) error {
	m.record("unload")
	return nil
}

func (m *lifecycleModule) OnError(_ context.Context, _ *pluginsdk.Context, err error) error {
	m.record("error:" + err.Error())
	return errors.New("error hook failed too")
}

func (m *lifecycleModule) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func writePlugin(t *testing.T, dir, file string, md pluginsdk.Metadata) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	data, err := json.Marshal(md)
	require.NoError(t, err)
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newTestManager(t *testing.T, root string, opts ...plugin.ManagerOption) (*plugin.Manager, *fakeLoader) {
	t.Helper()
	loader := newFakeLoader()
	opts = append([]plugin.ManagerOption{plugin.WithLoader(fakeExt, loader)}, opts...)
	m := plugin.NewManager(plugin.RuntimeConfig{PluginRoot: root}, opts...)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, loader
}

func TestManager_Load(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0", Tags: []string{"demo"}})
	m, _ := newTestManager(t, root)

	desc, err := m.Load(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, desc)

	assert.Equal(t, "report@1.0.0", desc.ID)
	assert.Equal(t, desc.Metadata.ID(), desc.ID)
	assert.Equal(t, path, desc.BinaryPath)
	assert.Equal(t, plugin.StateLoaded, desc.State)
	assert.Nil(t, desc.Manifest)
	assert.False(t, desc.LoadedAt.IsZero())

	got, ok := m.Descriptor("report@1.0.0")
	require.True(t, ok)
	assert.Equal(t, desc.ID, got.ID)
}

func TestManager_Load_AttachesManifest(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	require.NoError(t, os.WriteFile(filepath.Join(root, plugin.ManifestFileName),
		[]byte(`{"packageId": "acme.report", "tags": ["critical"]}`), 0o600))
	m, _ := newTestManager(t, root)

	desc, err := m.Load(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, desc.Manifest)
	assert.Equal(t, "acme.report", desc.Manifest.PackageID)
	assert.Equal(t, "1.0.0", desc.Manifest.Version)
	assert.True(t, desc.Critical())
}

func TestManager_Load_Skipped(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.plug"), nil, 0o600))
	m, _ := newTestManager(t, root)

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(root, "missing.plug")},
		{"no module", filepath.Join(root, "empty.plug")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := m.Load(context.Background(), tt.path)
			require.NoError(t, err)
			assert.Nil(t, desc)
		})
	}
	assert.Empty(t, m.Descriptors())
}

func TestManager_Load_Failures(t *testing.T) {
	t.Run("loader error", func(t *testing.T) {
		root := t.TempDir()
		path := filepath.Join(root, "broken.plug")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		m, _ := newTestManager(t, root)

		_, err := m.Load(context.Background(), path)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "PLUGIN_LOAD_FAILED")
	})

	t.Run("invalid manifest releases binary", func(t *testing.T) {
		root := t.TempDir()
		path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
		require.NoError(t, os.WriteFile(filepath.Join(root, plugin.ManifestFileName),
			[]byte(`{"tags": "critical"}`), 0o600))
		m, loader := newTestManager(t, root)

		_, err := m.Load(context.Background(), path)
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "PLUGIN_LOAD_FAILED")

		bins := loader.binaries()
		require.Len(t, bins, 1)
		assert.True(t, bins[0].closed.Load(), "half-opened binary should be released")
		assert.Empty(t, m.Descriptors())
	})

	t.Run("metadata without version", func(t *testing.T) {
		root := t.TempDir()
		path := writePlugin(t, root, "anon.plug", pluginsdk.Metadata{Name: "anon"})
		m, _ := newTestManager(t, root)

		_, err := m.Load(context.Background(), path)
		require.Error(t, err)
	})
}

func TestManager_Load_ReplacesSameID(t *testing.T) {
	root := t.TempDir()
	md := pluginsdk.Metadata{Name: "report", Version: "1.0.0"}
	first := writePlugin(t, filepath.Join(root, "a"), "report.plug", md)
	second := writePlugin(t, filepath.Join(root, "b"), "report.plug", md)
	m, loader := newTestManager(t, root)

	_, err := m.Load(context.Background(), first)
	require.NoError(t, err)
	_, err = m.Load(context.Background(), second)
	require.NoError(t, err)

	descs := m.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, second, descs[0].BinaryPath)

	bins := loader.binaries()
	require.Len(t, bins, 2)
	assert.True(t, bins[0].closed.Load(), "replaced binary should be released")
	assert.False(t, bins[1].closed.Load())
}

func TestManager_LoadAll(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha.plug", pluginsdk.Metadata{Name: "alpha", Version: "1.0.0", Tags: []string{"demo"}})
	writePlugin(t, filepath.Join(root, "nested", "deeper"), "beta.plug", pluginsdk.Metadata{Name: "beta", Version: "2.0.0", Tags: []string{"nightly"}})
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.plug"), []byte("{"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, plugin.ManifestFileName), []byte(`{}`), 0o600))
	writePlugin(t, filepath.Join(root, ".hidden"), "gamma.plug", pluginsdk.Metadata{Name: "gamma", Version: "1.0.0"})
	m, _ := newTestManager(t, root)

	got, err := m.LoadAll(context.Background(), plugin.Filter{Tags: []string{"DEMO"}})
	require.NoError(t, err)

	require.Len(t, got, 1, "filter applies to the returned set only")
	assert.Equal(t, "alpha@1.0.0", got[0].ID)

	ids := make([]string, 0)
	for _, d := range m.Descriptors() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"alpha@1.0.0", "beta@2.0.0"}, ids)
}

func TestManager_LoadAll_MissingRoot(t *testing.T) {
	m, _ := newTestManager(t, filepath.Join(t.TempDir(), "absent"))

	got, err := m.LoadAll(context.Background(), plugin.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManager_Initialize_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "plugins")
	m, _ := newTestManager(t, root)

	require.NoError(t, m.Initialize(context.Background()))
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestManager_Unload(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	m, loader := newTestManager(t, root)
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, m.Unload(context.Background(), "report@1.0.0"))
	_, ok := m.Descriptor("report@1.0.0")
	assert.False(t, ok)
	assert.True(t, loader.binaries()[0].closed.Load())

	assert.NoError(t, m.Unload(context.Background(), "report@1.0.0"), "unknown id is a no-op")
}

func TestManager_ReloadPicksUpNewBinary(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	m, _ := newTestManager(t, root)
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.1.0"})
	require.NoError(t, m.Reload(context.Background(), "report@1.0.0"))

	_, ok := m.Descriptor("report@1.0.0")
	assert.False(t, ok)

	res, err := m.Execute(context.Background(), "report@1.1.0", pluginsdk.Request{})
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "report@1.1.0", res.Payload)

	assert.NoError(t, m.Reload(context.Background(), "missing@1.0.0"), "unknown id is a no-op")
}

func TestManager_Reload_FileRemoved(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	m, _ := newTestManager(t, root)
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.NoError(t, m.Reload(context.Background(), "report@1.0.0"))
	assert.Empty(t, m.Descriptors())
}

func TestManager_Execute_NotLoaded(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	_, err := m.Execute(context.Background(), "ghost@1.0.0", pluginsdk.Request{})
	errutil.AssertCodedSentinel(t, err, "PLUGIN_NOT_LOADED", plugin.ErrPluginNotLoaded)
}

func TestManager_Execute_Success(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0", Tags: []string{"demo"}})
	sink := execlog.NewMemorySink(0)
	m, loader := newTestManager(t, root, plugin.WithLogSink(sink))
	mod := &lifecycleModule{}
	loader.setModule("report", func() pluginsdk.Module { return mod })
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	res, err := m.Execute(context.Background(), "report@1.0.0", pluginsdk.Request{CorrelationID: "corr-1"})
	require.NoError(t, err)

	assert.True(t, res.Succeeded)
	assert.Equal(t, "report", res.PluginName)
	assert.Equal(t, "report@1.0.0", res.PluginID)
	assert.Equal(t, "done", res.Payload)
	assert.Empty(t, res.Error())
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
	assert.Equal(t, []string{"load", "execute", "unload"}, mod.Calls())
	assert.True(t, mod.closed, "module instance should be released")

	desc, _ := m.Descriptor("report@1.0.0")
	assert.Equal(t, plugin.StateCompleted, desc.State)

	records, err := sink.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, execlog.StatusCompleted, rec.Status)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, "done", rec.OutputPayload)
	assert.Equal(t, []string{"demo"}, rec.Tags)
	require.NotNil(t, rec.CompletedAt)
	assert.False(t, rec.CompletedAt.Before(rec.StartedAt))
}

func TestManager_Execute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		module    *lifecycleModule
		wantCalls []string
		wantErr   string
	}{
		{
			name:      "execute error",
			module:    &lifecycleModule{execErr: errors.New("boom")},
			wantCalls: []string{"load", "execute", "error:boom"},
			wantErr:   "boom",
		},
		{
			name:      "on load error",
			module:    &lifecycleModule{onLoadErr: errors.New("no db")},
			wantCalls: []string{"load", "error:no db"},
			wantErr:   "no db",
		},
		{
			name:    "panic",
			module:  &lifecycleModule{panicMsg: "kaboom"},
			wantErr: "kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
			sink := execlog.NewMemorySink(0)
			m, loader := newTestManager(t, root, plugin.WithLogSink(sink))
			loader.setModule("report", func() pluginsdk.Module { return tt.module })
			_, err := m.Load(context.Background(), path)
			require.NoError(t, err)

			res, err := m.Execute(context.Background(), "report@1.0.0", pluginsdk.Request{})
			require.NoError(t, err, "execution failures are reported through the result")

			assert.False(t, res.Succeeded)
			require.Error(t, res.Err)
			assert.Contains(t, res.Error(), tt.wantErr)
			if tt.wantCalls != nil {
				assert.Equal(t, tt.wantCalls, tt.module.Calls())
			}

			desc, _ := m.Descriptor("report@1.0.0")
			assert.Equal(t, plugin.StateFaulted, desc.State)

			records, err := sink.Recent(context.Background(), 10)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, execlog.StatusFaulted, records[0].Status)
			assert.Contains(t, records[0].Error, tt.wantErr)
			assert.NotNil(t, records[0].CompletedAt)
		})
	}
}

func TestManager_Execute_RecoversAfterFault(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "flaky.plug", pluginsdk.Metadata{Name: "flaky", Version: "1.0.0"})
	m, loader := newTestManager(t, root)
	var fail atomic.Bool
	fail.Store(true)
	loader.setModule("flaky", func() pluginsdk.Module {
		return pluginsdk.ModuleFunc(func(context.Context, *pluginsdk.Context) error {
			if fail.Load() {
				return errors.New("transient")
			}
			return nil
		})
	})
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	res, _ := m.Execute(context.Background(), "flaky@1.0.0", pluginsdk.Request{})
	assert.False(t, res.Succeeded)
	desc, _ := m.Descriptor("flaky@1.0.0")
	assert.Equal(t, plugin.StateFaulted, desc.State)

	fail.Store(false)
	res, _ = m.Execute(context.Background(), "flaky@1.0.0", pluginsdk.Request{})
	assert.True(t, res.Succeeded)
	desc, _ = m.Descriptor("flaky@1.0.0")
	assert.Equal(t, plugin.StateCompleted, desc.State)
}

func TestManager_Execute_FreshModulePerCall(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "counter.plug", pluginsdk.Metadata{Name: "counter", Version: "1.0.0"})
	m, loader := newTestManager(t, root)
	var created atomic.Int32
	loader.setModule("counter", func() pluginsdk.Module {
		created.Add(1)
		return &lifecycleModule{}
	})
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	for range 3 {
		_, err := m.Execute(context.Background(), "counter@1.0.0", pluginsdk.Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), created.Load())
}

func TestManager_Execute_CriticalEscalates(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	require.NoError(t, os.WriteFile(filepath.Join(root, plugin.ManifestFileName),
		[]byte(`{"tags": ["critical"]}`), 0o600))

	var escalated []plugin.Result
	esc := plugin.EscalatorFunc(func(_ context.Context, d plugin.Descriptor, res plugin.Result) {
		assert.Equal(t, "report@1.0.0", d.ID)
		escalated = append(escalated, res)
	})
	m, loader := newTestManager(t, root, plugin.WithEscalator(esc))
	var fail atomic.Bool
	loader.setModule("report", func() pluginsdk.Module {
		return pluginsdk.ModuleFunc(func(context.Context, *pluginsdk.Context) error {
			if fail.Load() {
				return errors.New("down")
			}
			return nil
		})
	})
	_, err := m.Load(context.Background(), path)
	require.NoError(t, err)

	_, _ = m.Execute(context.Background(), "report@1.0.0", pluginsdk.Request{})
	assert.Empty(t, escalated, "successful runs are never escalated")

	fail.Store(true)
	_, _ = m.Execute(context.Background(), "report@1.0.0", pluginsdk.Request{})
	require.Len(t, escalated, 1)
	assert.Equal(t, "down", escalated[0].Error())
}

func TestManager_Execute_ContextContents(t *testing.T) {
	root := t.TempDir()
	path := writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})

	allow, err := resource.NewAllowList([]string{"db.*"})
	require.NoError(t, err)
	reg := resource.NewRegistry(allow, nil)
	require.NoError(t, reg.Register("db.main", resource.Value("postgres://main")))
	require.NoError(t, reg.Register("secrets.key", resource.Value("hidden")))

	m, loader := newTestManager(t, root,
		plugin.WithResources(reg),
		plugin.WithConfig(plugin.StaticConfiguration{"report": {"region": "eu"}}),
	)
	var (
		seenRegion, seenDB, seenProp string
		seenSecret                   bool
	)
	loader.setModule("report", func() pluginsdk.Module {
		return pluginsdk.ModuleFunc(func(_ context.Context, pc *pluginsdk.Context) error {
			seenRegion, _ = pc.Config("region")
			seenDB, _ = pc.Resource("db.main")
			_, seenSecret = pc.Resource("secrets.key")
			seenProp, _ = pc.Request().Property("input")
			return nil
		})
	})
	_, err = m.Load(context.Background(), path)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), "report@1.0.0", pluginsdk.Request{
		Properties: pluginsdk.NewProperties("input", "42"),
	})
	require.NoError(t, err)

	assert.Equal(t, "eu", seenRegion)
	assert.Equal(t, "postgres://main", seenDB)
	assert.False(t, seenSecret, "resources outside the allow-list resolve to not-found")
	assert.Equal(t, "42", seenProp)
}

func TestManager_ExecuteFilter(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a.plug", pluginsdk.Metadata{Name: "a", Version: "1.0.0", Tags: []string{"demo"}})
	writePlugin(t, root, "b.plug", pluginsdk.Metadata{Name: "b", Version: "2.0.0", Tags: []string{"Demo", "nightly"}})
	writePlugin(t, root, "c.plug", pluginsdk.Metadata{Name: "c", Version: "1.0.0", Tags: []string{"other"}})
	m, _ := newTestManager(t, root)
	_, err := m.LoadAll(context.Background(), plugin.Filter{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter plugin.Filter
		want   []string
	}{
		{"tags", plugin.Filter{Tags: []string{"demo"}}, []string{"a@1.0.0", "b@2.0.0"}},
		{"semver constraint", plugin.Filter{Version: "^1"}, []string{"a@1.0.0", "c@1.0.0"}},
		{"tags and version", plugin.Filter{Tags: []string{"demo"}, Version: "2.0.0"}, []string{"b@2.0.0"}},
		{"predicate", plugin.Filter{Predicate: func(md pluginsdk.Metadata) bool { return md.Name == "c" }}, []string{"c@1.0.0"}},
		{"no match", plugin.Filter{Tags: []string{"missing"}}, nil},
		{"all", plugin.Filter{}, []string{"a@1.0.0", "b@2.0.0", "c@1.0.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := m.ExecuteFilter(context.Background(), tt.filter, pluginsdk.Request{})
			var ids []string
			for _, r := range results {
				assert.True(t, r.Succeeded)
				ids = append(ids, r.PluginID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestManager_Close(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a.plug", pluginsdk.Metadata{Name: "a", Version: "1.0.0"})
	writePlugin(t, root, "b.plug", pluginsdk.Metadata{Name: "b", Version: "1.0.0"})
	m, loader := newTestManager(t, root)
	_, err := m.LoadAll(context.Background(), plugin.Filter{})
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	assert.Empty(t, m.Descriptors())
	for _, b := range loader.binaries() {
		assert.True(t, b.closed.Load())
	}
}

func TestManager_HotReload(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	loader := newFakeLoader()
	m := plugin.NewManager(plugin.RuntimeConfig{
		PluginRoot:      root,
		WatchForChanges: true,
		EnableHotReload: true,
	}, plugin.WithLoader(fakeExt, loader))
	require.NoError(t, m.Initialize(context.Background()))
	defer func() { require.NoError(t, m.Close(context.Background())) }()

	_, ok := m.Descriptor("report@1.0.0")
	require.True(t, ok)

	writePlugin(t, root, "extra.plug", pluginsdk.Metadata{Name: "extra", Version: "1.0.0"})
	assert.Eventually(t, func() bool {
		_, ok := m.Descriptor("extra@1.0.0")
		return ok
	}, 5*time.Second, 20*time.Millisecond, "new plugin file should be loaded")

	writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "2.0.0"})
	assert.Eventually(t, func() bool {
		_, oldOK := m.Descriptor("report@1.0.0")
		_, newOK := m.Descriptor("report@2.0.0")
		return !oldOK && newOK
	}, 5*time.Second, 20*time.Millisecond, "changed plugin should be reloaded")

	require.NoError(t, os.Remove(filepath.Join(root, "extra.plug")))
	assert.Eventually(t, func() bool {
		_, ok := m.Descriptor("extra@1.0.0")
		return !ok
	}, 5*time.Second, 20*time.Millisecond, "removed plugin should be dropped")
}

func TestManager_HotReloadCoalescesRapidWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	root := t.TempDir()
	writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: "1.0.0"})
	loader := newFakeLoader()
	m := plugin.NewManager(plugin.RuntimeConfig{
		PluginRoot:      root,
		WatchForChanges: true,
		EnableHotReload: true,
	}, plugin.WithLoader(fakeExt, loader))
	require.NoError(t, m.Initialize(context.Background()))
	require.Len(t, loader.binaries(), 1)

	for i := range 5 {
		writePlugin(t, root, "report.plug", pluginsdk.Metadata{Name: "report", Version: fmt.Sprintf("2.0.%d", i)})
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		_, ok := m.Descriptor("report@2.0.4")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Never(t, func() bool {
		return len(loader.binaries()) != 2
	}, 400*time.Millisecond, 50*time.Millisecond, "burst of writes should reload once")

	require.NoError(t, m.Close(context.Background()))
}

func TestManager_CloseWithReloadPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	root := t.TempDir()
	loader := newFakeLoader()
	m := plugin.NewManager(plugin.RuntimeConfig{
		PluginRoot:      root,
		WatchForChanges: true,
		EnableHotReload: true,
	}, plugin.WithLoader(fakeExt, loader))
	require.NoError(t, m.Initialize(context.Background()))

	writePlugin(t, root, "late.plug", pluginsdk.Metadata{Name: "late", Version: "1.0.0"})
	require.NoError(t, m.Close(context.Background()))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, m.Descriptors())
}

func TestManager_WatchWithoutHotReloadIgnoresEvents(t *testing.T) {
	root := t.TempDir()
	loader := newFakeLoader()
	m := plugin.NewManager(plugin.RuntimeConfig{
		PluginRoot:      root,
		WatchForChanges: true,
	}, plugin.WithLoader(fakeExt, loader))
	require.NoError(t, m.Initialize(context.Background()))
	defer func() { require.NoError(t, m.Close(context.Background())) }()

	writePlugin(t, root, "late.plug", pluginsdk.Metadata{Name: "late", Version: "1.0.0"})
	assert.Never(t, func() bool {
		_, ok := m.Descriptor("late@1.0.0")
		return ok
	}, 400*time.Millisecond, 50*time.Millisecond)
}
