package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"wincell/pkg/manifest"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches the containers directory and reloads the registry when
// a manifest is created, changed or removed.
type Watcher struct {
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logrus.Entry

	mu       sync.RWMutex
	current  *Registry
	onReload []func(*Registry)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for dir. initial is the registry returned
// by the caller's own Load and may be nil.
func NewWatcher(dir string, initial *Registry, logger *logrus.Entry) (*Watcher, error) {
	if logger == nil {
		logger = logrus.WithField("source", "registry")
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve containers directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:      absDir,
		debounce: DefaultDebounce,
		watcher:  fw,
		logger:   logger,
		current:  initial,
	}, nil
}

// Start begins watching. The containers directory must exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch containers directory: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read containers directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.addDir(filepath.Join(w.dir, entry.Name()))
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()

	w.logger.WithField("dir", w.dir).Info("registry watcher started")
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	w.logger.Info("registry watcher stopped")
	return err
}

// OnReload registers a callback invoked with every successfully reloaded
// registry. Callbacks run on the watcher's timer goroutine.
func (w *Watcher) OnReload(callback func(*Registry)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, callback)
}

// Registry returns the most recently loaded registry.
func (w *Watcher) Registry() *Registry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) addDir(path string) {
	if err := w.watcher.Add(path); err != nil {
		w.logger.WithError(err).WithField("dir", path).Warn("cannot watch container directory")
	}
}

func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			w.logger.WithFields(logrus.Fields{"path": event.Name, "op": event.Op.String()}).Debug("registry change detected")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

// relevant reports whether event can change the registry. New container
// directories are added to the watch set as a side effect.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Base(event.Name) == manifest.FileName {
		return true
	}
	if filepath.Dir(event.Name) != w.dir {
		return false
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(event.Name)
			return true
		}
	}
	return event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}

	reg, err := Load(w.dir)
	if reg == nil {
		w.logger.WithError(err).Error("registry reload failed")
		return
	}
	if err != nil {
		w.logger.WithError(err).Warn("registry reloaded with invalid manifests")
	}

	w.mu.Lock()
	w.current = reg
	callbacks := make([]func(*Registry), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.WithField("containers", reg.Len()).Info("registry reloaded")

	for _, callback := range callbacks {
		callback(reg)
	}
}
