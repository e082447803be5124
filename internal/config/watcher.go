package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigEvent represents a configuration change event.
type ConfigEvent struct {
	Path   string
	Config *Config
	Error  error
}

// Watcher monitors a single configuration file and reloads it on change.
// The parent directory is watched so editors that replace the file by
// rename are picked up too.
type Watcher struct {
	loader        *Loader
	path          string
	knownSubtools []string
	watcher       *fsnotify.Watcher
	events        chan ConfigEvent
	debounce      time.Duration
	mu            sync.RWMutex
	current       *Config
	started       bool
	quit          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

// NewWatcher creates a watcher for path. Reloaded configs are validated
// against knownSubtools.
func NewWatcher(loader *Loader, path string, knownSubtools []string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	return &Watcher{
		loader:        loader,
		path:          abs,
		knownSubtools: knownSubtools,
		watcher:       fsWatcher,
		events:        make(chan ConfigEvent, 10),
		debounce:      100 * time.Millisecond,
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}, nil
}

// Events returns the channel that receives config change events. It is
// closed when the watcher stops.
func (w *Watcher) Events() <-chan ConfigEvent {
	return w.events
}

// Start loads the file and begins watching it for changes.
func (w *Watcher) Start(ctx context.Context) error {
	cfg, err := w.loader.LoadAndValidate(w.path, w.knownSubtools)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.started = true
	go w.run(ctx)
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.quit)
		err = w.watcher.Close()
	})
	if w.started {
		<-w.done
	}
	return err
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	var pendingSince time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pendingSince = time.Now()
			} else if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.emit(ctx, ConfigEvent{
					Path:  w.path,
					Error: fmt.Errorf("config removed: %s", w.path),
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.emit(ctx, ConfigEvent{Path: w.path, Error: err})

		case <-ticker.C:
			if !pendingSince.IsZero() && time.Since(pendingSince) >= w.debounce {
				pendingSince = time.Time{}
				w.handleUpdate(ctx)
			}
		}
	}
}

func (w *Watcher) handleUpdate(ctx context.Context) {
	cfg, err := w.loader.LoadAndValidate(w.path, w.knownSubtools)
	if err != nil {
		w.emit(ctx, ConfigEvent{
			Path:  w.path,
			Error: fmt.Errorf("failed to reload config %s: %w", w.path, err),
		})
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.emit(ctx, ConfigEvent{Path: w.path, Config: cfg})
}

func (w *Watcher) emit(ctx context.Context, ev ConfigEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	case <-w.quit:
	}
}
