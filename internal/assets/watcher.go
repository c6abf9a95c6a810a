package assets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = time.Second

// Watcher keeps a Tracker in sync with the filesystem. Events on any tracked
// directory are debounced and trigger a full UpdateAll.
type Watcher struct {
	log      *zap.Logger
	tracker  *Tracker
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onSync   func()

	mu      sync.Mutex
	watched map[string]struct{}
}

// NewWatcher creates a watcher for t. onSync, if set, runs after every
// resync, typically to persist the tree.
func NewWatcher(log *zap.Logger, t *Tracker, onSync func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		log:      log,
		tracker:  t,
		watcher:  fw,
		debounce: defaultDebounce,
		onSync:   onSync,
		watched:  make(map[string]struct{}),
	}, nil
}

// SetDebounce overrides the debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Refresh aligns the watch list with the tracked directories.
func (w *Watcher) Refresh() {
	dirs := w.tracker.Dirs()
	want := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		want[d] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for d := range w.watched {
		if _, ok := want[d]; !ok {
			_ = w.watcher.Remove(d)
			delete(w.watched, d)
		}
	}
	for d := range want {
		if _, ok := w.watched[d]; ok {
			continue
		}
		if err := w.watcher.Add(d); err != nil {
			w.log.Debug("Cannot watch directory", zap.String("path", d), zap.Error(err))
			continue
		}
		w.watched[d] = struct{}{}
	}
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.Refresh()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			w.log.Debug("Asset change detected", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Asset watcher error", zap.Error(err))

		case <-timer.C:
			w.sync(ctx)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) sync(ctx context.Context) {
	start := time.Now()
	if err := w.tracker.UpdateAll(ctx); err != nil {
		w.log.Warn("Failed to resync assets", zap.Error(err))
	}
	w.Refresh()
	if w.onSync != nil {
		w.onSync()
	}
	w.log.Debug("Assets resynced", zap.Duration("duration", time.Since(start)))
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
