package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/logging"
)

// Watcher holds the live configuration and reloads it when the backing file
// changes. Readers get an immutable snapshot; a reload swaps the snapshot
// atomically so queued state is never touched.
type Watcher struct {
	v   *viper.Viper
	cur atomic.Pointer[Config]

	mu   sync.Mutex
	subs []func(*Config)
}

// NewWatcher loads the configuration and returns a watcher positioned on it.
// Call Watch to start reacting to file changes.
func NewWatcher(path string) (*Watcher, error) {
	v := newViper(path)
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v}
	w.cur.Store(cfg)
	return w, nil
}

// Current returns the latest valid configuration snapshot.
func (w *Watcher) Current() *Config {
	return w.cur.Load()
}

// OnChange registers a callback invoked with each new snapshot. Callbacks
// run on the reload goroutine and must not block.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Watch starts watching the config file for changes. Invalid edits are
// logged and skipped; the previous snapshot stays active.
func (w *Watcher) Watch() {
	w.v.OnConfigChange(func(fsnotify.Event) {
		w.reload()
	})
	w.v.WatchConfig()
}

func (w *Watcher) reload() {
	if err := w.v.ReadInConfig(); err != nil {
		logging.Warn("config reread failed, keeping previous", zap.Error(err))
		return
	}

	var cfg Config
	if err := w.v.Unmarshal(&cfg); err != nil {
		logging.Warn("config reload failed, keeping previous", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.Warn("config reload rejected, keeping previous", zap.Error(err))
		return
	}

	w.cur.Store(&cfg)
	logging.Info("config reloaded")

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(&cfg)
	}
}
