package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/meowth/internal/observability"
)

// DefaultWatchDebounce coalesces the bursts of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// valid result to a callback. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	opts     LoadOptions
	onChange func(*Config)
	debounce time.Duration
	logger   *observability.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	timer   *time.Timer
	wg      sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce overrides DefaultWatchDebounce.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *observability.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for path. Start begins watching.
func NewWatcher(path string, opts LoadOptions, onChange func(*Config), options ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		opts:     opts,
		onChange: onChange,
		debounce: DefaultWatchDebounce,
		logger:   observability.NewNopLogger(),
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Start watches the file's directory so renames from atomic saves are seen.
func (w *Watcher) Start(ctx context.Context) error {
	if w.onChange == nil {
		return errors.New("config watcher requires a change callback")
	}
	absPath, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return err
	}
	w.path = absPath
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops watching and waits for the loop to exit. A pending reload is
// dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "config watch error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cfg, err := Load(w.path, w.opts)
	if err != nil {
		w.logger.Warn(ctx, "config reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info(ctx, "config reloaded", "path", w.path)
	w.onChange(cfg)
}
