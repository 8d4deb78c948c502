package plugin

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 200 * time.Millisecond

// Watcher hot-loads manifests dropped into the plugin directory while the
// daemon runs. Writes are debounced per file so editors that write in
// several chunks trigger a single load. A changed manifest for a live
// plugin is only logged; the operator restarts the plugin to apply it.
type Watcher struct {
	mgr *Manager
	dir string
	fw  *fsnotify.Watcher
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	started bool

	done chan struct{}
}

func NewWatcher(mgr *Manager, dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		mgr:     mgr,
		dir:     dir,
		fw:      fw,
		log:     log.With().Str("component", "plugin_watcher").Str("dir", dir).Logger(),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	mask := fsnotify.Create | fsnotify.Write | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if evt.Op&mask == 0 || !isManifestPath(evt.Name) {
				continue
			}
			w.schedule(evt.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one manifest path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.pending[path] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handle(path)
	})
}

func (w *Watcher) handle(path string) {
	mf, err := LoadManifest(path)
	if err != nil {
		w.log.Error().Err(err).Str("path", path).Msg("manifest rejected")
		return
	}
	if e, ok := w.mgr.Registry().Get(mf.ID); ok {
		if e.Supervisor.State().Live() {
			w.log.Warn().Str("plugin", mf.ID).Msg("manifest changed while plugin is live, restart to apply")
			return
		}
		if err := w.mgr.Unload(mf.ID); err != nil {
			w.log.Error().Err(err).Str("plugin", mf.ID).Msg("reload unload failed")
			return
		}
	}
	if _, err := w.mgr.Load(mf); err != nil {
		w.log.Error().Err(err).Str("plugin", mf.ID).Msg("hot load failed")
		return
	}
	w.log.Info().Str("plugin", mf.ID).Str("path", path).Msg("manifest hot loaded")
}

// Close stops the underlying filesystem watcher and waits for the loop.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	w.mu.Lock()
	started := w.started
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

func isManifestPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
