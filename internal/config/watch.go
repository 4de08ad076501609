package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeCallback is called after a successful reload.
type ChangeCallback func(oldConfig, newConfig *Config)

// Watcher keeps the latest valid configuration of one file.
type Watcher struct {
	path   string
	v      *viper.Viper
	logger *zap.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeCallback
}

// Watch loads path and starts watching it. Invalid edits are logged and
// the previous configuration is kept.
func Watch(path string, logger *zap.Logger) (*Watcher, error) {
	w, err := newWatcher(path, logger)
	if err != nil {
		return nil, err
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.logger.Info("Configuration file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		w.reload()
	})
	w.v.WatchConfig()
	return w, nil
}

func newWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:    path,
		v:       viper.New(),
		logger:  logger.With(zap.String("component", "config")),
		current: cfg,
	}
	w.v.SetConfigFile(path)
	if err := w.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return w, nil
}

// Current returns a copy of the latest configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c := *w.current
	return &c
}

// RegisterCallback adds cb to the reload notifications.
func (w *Watcher) RegisterCallback(cb ChangeCallback) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, cb)
	w.mu.Unlock()
}

func (w *Watcher) reload() {
	next, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload configuration, keeping previous", zap.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	callbacks := append([]ChangeCallback(nil), w.callbacks...)
	w.mu.Unlock()

	w.logChanges(prev, next)
	for _, cb := range callbacks {
		cb(prev, next)
	}
}

func (w *Watcher) logChanges(prev, next *Config) {
	if prev.Workflow.TaskDelay != next.Workflow.TaskDelay ||
		prev.Workflow.ValidationDelay != next.Workflow.ValidationDelay {
		w.logger.Info("Workflow delays changed",
			zap.Duration("task_delay", next.Workflow.TaskDelay),
			zap.Duration("validation_delay", next.Workflow.ValidationDelay))
	}
	if prev.LLM.BaseURL != next.LLM.BaseURL {
		w.logger.Info("LLM service endpoint changed",
			zap.String("old", prev.LLM.BaseURL),
			zap.String("new", next.LLM.BaseURL))
	}
	if prev.Policy.Mode != next.Policy.Mode {
		w.logger.Info("Policy mode changed",
			zap.String("old", string(prev.Policy.Mode)),
			zap.String("new", string(next.Policy.Mode)))
	}
}
