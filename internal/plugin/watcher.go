// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/pkg/errutil"
)

// reloadDelay coalesces the burst of write events produced while a
// binary is being copied into place.
const reloadDelay = 100 * time.Millisecond

// watcher hot-reloads plugins when files under the plugin root change.
type watcher struct {
	m   *Manager
	fsw *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

func newWatcher(m *Manager, root string) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.Code("PLUGIN_WATCH_FAILED").With("root", root).Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		m:       m,
		fsw:     fsw,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*time.Timer),
	}
	if err := w.addTree(root); err != nil {
		cancel()
		_ = fsw.Close()
		return nil, oops.Code("PLUGIN_WATCH_FAILED").With("root", root).Wrap(err)
	}
	return w, nil
}

// addTree watches root and every directory below it.
func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *watcher) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.m.logger.Warn("plugin watcher error", "error", err)
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if !w.m.cfg.EnableHotReload {
		return
	}
	path := filepath.Clean(ev.Name)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addTree(path); err != nil {
				w.m.logger.Warn("failed to watch new plugin directory", "path", path, "error", err)
			}
			return
		}
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		if _, known := w.m.descriptorByPath(path); !known {
			// chmod +x on a copied binary makes it a plugin candidate.
			w.schedule(path)
		}
		return
	}
	w.schedule(path)
}

// schedule runs a hot reload for path once events for it stop arriving.
func (w *watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(path)
}

// scheduleLocked replaces any pending timer for path with a fresh one.
// A timer that already fired but has not yet taken w.mu finds itself
// superseded and skips the reload. Callers hold w.mu.
func (w *watcher) scheduleLocked(path string) {
	if w.closed {
		return
	}
	if old, ok := w.pending[path]; !ok || !old.Stop() {
		// A stopped timer hands its wait group slot to the new one.
		w.wg.Add(1)
	}
	var t *time.Timer
	t = time.AfterFunc(reloadDelay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		current := w.pending[path] == t
		if current {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if current {
			w.m.hotReload(w.ctx, path)
		}
	})
	w.pending[path] = t
}

func (w *watcher) close() error {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()
	if err != nil {
		return oops.Code("PLUGIN_WATCH_FAILED").Wrap(err)
	}
	return nil
}

// hotReload reacts to a change at path: a known plugin is reloaded (and
// disappears if its file is gone), a manifest change reloads every plugin
// in its directory, and a new plugin file is loaded.
func (m *Manager) hotReload(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if filepath.Base(path) == ManifestFileName {
		dir := filepath.Dir(path)
		for _, d := range m.Descriptors() {
			if filepath.Dir(filepath.Clean(d.BinaryPath)) == dir {
				m.hotReloadID(ctx, d.ID, path)
			}
		}
		return
	}

	if d, ok := m.descriptorByPath(path); ok {
		m.hotReloadID(ctx, d.ID, path)
		return
	}

	info, err := os.Lstat(path)
	if err != nil || !m.isPluginFile(fs.FileInfoToDirEntry(info)) {
		return
	}
	if _, err := m.Load(ctx, path); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelError, "hot reload failed", err, "path", path)
	}
}

func (m *Manager) hotReloadID(ctx context.Context, id, path string) {
	if err := m.Reload(ctx, id); err != nil {
		errutil.Log(ctx, m.logger, slog.LevelError, "hot reload failed", err,
			"plugin", id,
			"path", path)
		return
	}
	m.logger.InfoContext(ctx, "plugin hot reloaded", "plugin", id, "path", path)
}

func (m *Manager) descriptorByPath(path string) (Descriptor, bool) {
	for _, d := range *m.table.Load() {
		if filepath.Clean(d.BinaryPath) == path {
			return d, true
		}
	}
	return Descriptor{}, false
}
