package slots

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher forces a registry reload when the slots file changes on disk.
// It watches the parent directory so atomic rename-on-save is observed.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewWatcher creates a watcher for the loader's file.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.loader.Path())
	if err := w.watcher.Add(dir); err != nil {
		slog.Warn("Watcher.Start: cannot watch slots directory", "dir", dir, "error", err)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	slog.Info("Watcher.Start: watching slots file", "path", w.loader.Path())
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	target := filepath.Clean(w.loader.Path())
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			slog.Debug("Watcher: slots file changed", "path", evt.Name, "op", evt.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.loader.Load(true)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Watcher: fsnotify error", "error", err)
		}
	}
}
