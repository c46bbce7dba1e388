package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads the config file after it changes and hands every config
// that loads and validates to the reload callback. A file that fails to
// load, or has gone missing, is logged and the previous config stays.
//
// Environment overrides are applied on each reload, same as at start.
type Watcher struct {
	path     string
	onReload func(*Config)
	logger   *zap.Logger
	debounce time.Duration

	mu    sync.Mutex
	fs    *fsnotify.Watcher
	timer *time.Timer

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l.Named("config")
		}
	}
}

// WithWatchDebounce sets how long the file must be quiet before a reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for configPath (empty means the default
// path). The path must pass the same checks as LoadWithFile.
func NewWatcher(configPath string, onReload func(*Config), opts ...WatcherOption) (*Watcher, error) {
	if onReload == nil {
		return nil, errors.New("config watcher needs a reload callback")
	}
	path, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	if path, err = filepath.Abs(path); err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		logger:   zap.NewNop(),
		debounce: defaultWatchDebounce,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path is the file being watched.
func (w *Watcher) Path() string { return w.path }

// Start watches the file's directory, so editors that save by renaming a
// temp file over the original are seen too. Watching ends when ctx is
// done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.mu.Lock()
	if w.fs != nil {
		w.mu.Unlock()
		_ = fsw.Close()
		return errors.New("config watcher already started")
	}
	w.fs = fsw
	w.mu.Unlock()

	w.logger.Info("watching config file", zap.String("path", w.path))
	go w.loop(ctx, fsw)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
		}
		if w.fs != nil {
			_ = w.fs.Close()
		}
	})
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		return
	default:
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stop:
		return
	default:
	}
	content, err := readConfigFile(w.path)
	if err == nil && content == nil {
		err = errors.New("config file is missing")
	}
	var cfg *Config
	if err == nil {
		cfg, err = load(content)
	}
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.logger.Info("config reloaded", zap.String("path", w.path))
	w.onReload(cfg)
}
