// Package watch notices when another process changes the session store on
// disk, so that a running client can re-derive its session state. Bursts of
// writes are coalesced into one notification.
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

// Config configures a Watcher.
type Config struct {
	// Paths are the files to watch. Their directories are watched, so
	// files replaced by rename are still seen.
	Paths []string

	// Debounce is the quiet time after the last change before OnChange
	// runs. Default: 200ms
	Debounce time.Duration

	// OnChange is called once per burst of changes.
	OnChange func()

	// OnError is called when an error occurs during watching.
	OnError func(err error)

	// Logger for structured logging.
	Logger *slog.Logger
}

// Watcher monitors store files.
type Watcher struct {
	config  Config
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	files   map[string]bool

	mu       sync.Mutex
	pending  time.Time
	watching bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a watcher for config.Paths.
func New(config Config) (*Watcher, error) {
	if len(config.Paths) == 0 {
		return nil, fmt.Errorf("no paths to watch")
	}
	if config.OnChange == nil {
		return nil, fmt.Errorf("OnChange is required")
	}
	if config.Debounce <= 0 {
		config.Debounce = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	files := make(map[string]bool, len(config.Paths))
	for _, p := range config.Paths {
		files[filepath.Clean(p)] = true
	}

	return &Watcher{
		config:  config,
		watcher: fsWatcher,
		logger:  config.Logger,
		files:   files,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching. Call Stop to release the watcher.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.watching = true
	w.mu.Unlock()

	dirs := make(map[string]bool)
	for p := range w.files {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Debug("watching directory", "path", dir)
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutines to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.watching = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()
			w.logger.Debug("store file changed", "path", event.Name, "op", event.Op.String())

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
			if w.config.OnError != nil {
				w.config.OnError(err)
			}
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	tick := w.config.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.due() {
				w.config.OnChange()
			}
		}
	}
}

// due reports and consumes a burst whose quiet period has elapsed.
func (w *Watcher) due() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.IsZero() || time.Since(w.pending) < w.config.Debounce {
		return false
	}
	w.pending = time.Time{}
	return true
}
