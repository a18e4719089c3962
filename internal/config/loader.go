package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Loader reads a Config from disk and can notify subscribers when it
// changes on disk. viper.WatchConfig already uses an internal fsnotify
// watcher for the config file itself; Loader adds a second, independent
// fsnotify.Watcher over the KMS CA file, since that path lives outside the
// config file viper tracks and a rotated CA needs its own reload signal.
type Loader struct {
	v      *viper.Viper
	logger *logrus.Logger

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)

	caWatcher *fsnotify.Watcher
}

// NewLoader reads path into a Config, applying defaults for unset fields.
func NewLoader(path string, logger *logrus.Logger) (*Loader, error) {
	if logger == nil {
		logger = logrus.New()
	}

	v := viper.New()
	v.SetConfigFile(path)

	d := defaults()
	v.SetDefault("cipher.suite", d.Cipher.Suite)
	v.SetDefault("cipher.chunk_size", d.Cipher.ChunkSize)
	v.SetDefault("metrics.enable_suite_label", d.Metrics.EnableSuiteLabel)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	l := &Loader{v: v, logger: logger}
	if err := l.reload(); err != nil {
		return nil, err
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		if err := l.reload(); err != nil {
			l.logger.WithError(err).Warn("config: reload failed, keeping previous configuration")
			return
		}
		l.notify()
	})
	v.WatchConfig()

	return l, nil
}

func (l *Loader) reload() error {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Cipher.Suite == "" {
		cfg.Cipher.Suite = defaults().Cipher.Suite
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return nil
}

// Get returns the most recently loaded Config.
func (l *Loader) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked with the new Config after each
// successful reload. Callbacks are called synchronously from the watcher's
// goroutine; they must not block.
func (l *Loader) OnChange(fn func(Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Loader) notify() {
	l.mu.RLock()
	cfg := l.current
	listeners := append([]func(Config){}, l.listeners...)
	l.mu.RUnlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// WatchCAFile starts watching the KMS CA file for changes (e.g. certificate
// rotation) and invokes fn with its new contents' path on write/rename
// events. Call Close to stop watching.
func (l *Loader) WatchCAFile(path string, fn func(path string)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create CA file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	l.mu.Lock()
	l.caWatcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					fn(event.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.WithError(err).Warn("config: CA file watcher error")
			}
		}
	}()
	return nil
}

// Close stops the CA file watcher started by WatchCAFile. viper's own
// config-file watcher is not stopped.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.caWatcher != nil {
		return l.caWatcher.Close()
	}
	return nil
}
