// Package watch reloads graph descriptors when the file changes on
// disk. A changed descriptor is re-validated before the running
// pipeline is swapped; an invalid edit leaves the current pipeline
// untouched.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a graph descriptor file and fires OnChange after
// edits settle.
type Watcher struct {
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration

	mu    sync.RWMutex
	files map[string]*fileState

	// OnChange receives the changed descriptor path. Returning an
	// error keeps the current pipeline running; the error is logged.
	OnChange func(path string) error
}

type fileState struct {
	modTime    time.Time
	size       int64
	processing bool
}

// New creates a descriptor watcher.
func New(log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		watcher:  fsw,
		log:      log,
		debounce: 500 * time.Millisecond,
		files:    make(map[string]*fileState),
	}, nil
}

// Watch registers a descriptor file. The containing directory is
// watched because editors replace files rather than write in place.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	stat, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", abs, err)
	}

	w.mu.Lock()
	w.files[abs] = &fileState{modTime: stat.ModTime(), size: stat.Size()}
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return nil
}

// Run blocks delivering change notifications until the context is
// canceled.
func (w *Watcher) Run(ctx context.Context) error {
	timers := make(map[string]*time.Timer)
	var timerMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			w.mu.RLock()
			state, watched := w.files[abs]
			w.mu.RUnlock()
			if !watched {
				continue
			}

			// Editors emit bursts of events per save; debounce them.
			timerMu.Lock()
			if t, ok := timers[abs]; ok {
				t.Stop()
			}
			timers[abs] = time.AfterFunc(w.debounce, func() {
				w.handleChange(abs, state)
			})
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("descriptor watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleChange(path string, state *fileState) {
	w.mu.Lock()
	if state.processing {
		w.mu.Unlock()
		return
	}
	state.processing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		state.processing = false
		w.mu.Unlock()
	}()

	stat, err := os.Stat(path)
	if err != nil {
		w.log.Warn("descriptor vanished", "path", path, "error", err)
		return
	}
	if stat.ModTime().Equal(state.modTime) && stat.Size() == state.size {
		return
	}

	w.mu.Lock()
	state.modTime = stat.ModTime()
	state.size = stat.Size()
	w.mu.Unlock()

	if w.OnChange == nil {
		return
	}
	if err := w.OnChange(path); err != nil {
		w.log.Error("descriptor reload rejected, keeping current pipeline",
			"path", path, "error", err)
		return
	}
	w.log.Info("descriptor reloaded", "path", path)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
