// Package watcher reloads the gateway configuration when the config file
// changes on disk. Events are debounced and deduplicated by content hash so
// editors that write in multiple steps trigger a single reload.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
)

const debounceWindow = 500 * time.Millisecond

// Watcher observes the config file and invokes the reload callback with the
// freshly parsed configuration.
type Watcher struct {
	configPath string
	reload     func(*config.Config)
	watcher    *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
	pending  *time.Timer
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, reload func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		reload:     reload,
		watcher:    fsWatcher,
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-based saves keep delivering events.
func (w *Watcher) Start(ctx context.Context) error {
	if data, err := os.ReadFile(w.configPath); err == nil {
		w.lastHash = hashOf(data)
	}
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	log.Debugf("watcher: watching config file %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	log.Debugf("watcher: config event %s", event.Op)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounceWindow, w.maybeReload)
}

// maybeReload re-reads the file after the debounce window and fires the
// callback only when the content actually changed.
func (w *Watcher) maybeReload() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("watcher: read config: %v", err)
		return
	}
	if len(data) == 0 {
		// Some editors truncate before writing; wait for the next event.
		return
	}

	hash := hashOf(data)
	w.mu.Lock()
	unchanged := hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		log.Debug("watcher: config content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: config reload skipped, parse failed: %v", err)
		return
	}
	log.Infof("watcher: config file changed, reloading")
	w.reload(cfg)
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
