package focus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
)

// Watcher notices edits to the focus record made outside this process.
type Watcher struct {
	store   *Store
	fsw     *fsnotify.Watcher
	logger  *logging.Logger
	stale   atomic.Bool
	changes chan struct{}
}

// NewWatcher watches the directory holding the store's record. The
// directory is watched rather than the file because writes replace it by rename.
func NewWatcher(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		store:   store,
		fsw:     fsw,
		logger:  logging.New().WithComponent("focus-watcher"),
		changes: make(chan struct{}, 1),
	}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.check()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		return
	}
	if w.store.OwnWrite(data) {
		return
	}
	w.stale.Store(true)
	w.logger.Info("focus record edited externally", map[string]interface{}{"path": w.store.Path()})
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

// Stale reports whether an external edit arrived since the last Clear.
func (w *Watcher) Stale() bool {
	return w.stale.Load()
}

// Clear resets the stale flag, typically right after re-reading the record.
func (w *Watcher) Clear() {
	w.stale.Store(false)
}

// Changes delivers a signal per external edit; signals coalesce.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
