package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives the re-read env map when the watched file changes.
type ReloadFunc func(env map[string]string)

// Watcher watches the orchestrator .env file and invokes callbacks on
// change. Only log level and window defaults are safe to hot-apply;
// queue geometry changes require a restart.
type Watcher struct {
	mu        sync.Mutex
	envPath   string
	watcher   *fsnotify.Watcher
	callbacks []ReloadFunc
	debounce  time.Duration
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher for the given env file path.
func NewWatcher(envPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:  filepath.Clean(envPath),
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		stopChan: make(chan struct{}),
	}

	// Watch the directory, not the file: editors and provisioning tools
	// replace the file by rename, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(w.envPath)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// OnReload registers a callback invoked after the env file is re-read.
func (w *Watcher) OnReload(cb ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

func (w *Watcher) run() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce bursts of writes into one reload.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Failed to re-read env file")
		return
	}

	cleaned := make(map[string]string, len(envMap))
	for k, v := range envMap {
		cleaned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	w.mu.Lock()
	callbacks := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()

	log.Info().Str("path", w.envPath).Int("keys", len(cleaned)).Msg("Reloaded env file")
	for _, cb := range callbacks {
		cb(cleaned)
	}
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.watcher.Close()
	})
}
