package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file on change and publishes the result to a
// Store. Requests already running keep the snapshot they started with.
type Watcher struct {
	loader   Loader
	store    *Store
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool
	debounce *time.Timer

	lastModTime time.Time
	lastSize    int64
	onReload    func(*Snapshot)
}

// NewWatcher creates a watcher for loader.ConfigFile.
func NewWatcher(loader Loader, store *Store) (*Watcher, error) {
	if loader.ConfigFile == "" {
		return nil, fmt.Errorf("no config file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		loader:  loader,
		store:   store,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnReload registers fn to run after each successful reload.
func (w *Watcher) OnReload(fn func(*Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. The directory is watched rather than the file so
// that editors replacing the file by rename are noticed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher is already running")
	}
	if stat, err := os.Stat(w.loader.ConfigFile); err == nil {
		w.lastModTime, w.lastSize = stat.ModTime(), stat.Size()
	}
	if err := w.watcher.Add(filepath.Dir(w.loader.ConfigFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	if w.debounce != nil {
		w.debounce.Stop()
	}
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}

			w.mu.Lock()
			if w.debounce != nil {
				w.debounce.Stop()
			}
			w.debounce = time.AfterFunc(reloadDebounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Config watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.loader.ConfigFile) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	stat, err := os.Stat(w.loader.ConfigFile)
	if err != nil {
		return
	}

	w.mu.Lock()
	if stat.ModTime().Equal(w.lastModTime) && stat.Size() == w.lastSize {
		w.mu.Unlock()
		return
	}
	w.lastModTime, w.lastSize = stat.ModTime(), stat.Size()
	onReload := w.onReload
	w.mu.Unlock()

	if err := w.Reload(); err != nil {
		logrus.Errorf("Failed to reload configuration, keeping previous: %v", err)
		return
	}
	if onReload != nil {
		onReload(w.store.Current())
	}
	logrus.Infof("Configuration reloaded from %s", w.loader.ConfigFile)
}

// Reload loads the config file now and publishes it.
func (w *Watcher) Reload() error {
	previous := w.store.Current()
	cfg, err := w.loader.Load()
	if err != nil {
		return err
	}
	if previous != nil && previous.Config.Addr() != cfg.Addr() {
		logrus.Warnf("Listen address change to %s takes effect after restart", cfg.Addr())
	}
	_, err = w.store.Apply(cfg)
	return err
}
