// Package config loads ttymux-server's YAML configuration file and watches
// it for changes, grounded on azalio-cc-web's internal/config (the pack's
// only dedicated config package and its only YAML dependency), generalized
// from its single flat struct to a watchable config with sane defaults for
// ttymux's terminal-multiplexing domain.
package config

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the full set of settings for ttymux-server.
type Config struct {
	ListenAddr        string `yaml:"listen_addr"`
	CertDir           string `yaml:"cert_dir"`
	ExtraTLSHost      string `yaml:"extra_tls_host"`
	HostBinary        string `yaml:"host_binary"`
	DefaultShell      string `yaml:"default_shell"`
	ScrollbackBytes   int    `yaml:"scrollback_bytes"`
	ViewerQueueDepth  int    `yaml:"viewer_queue_depth"`
	BackgroundFlushKB int    `yaml:"background_flush_kb"`
	RecordingsEnabled bool   `yaml:"recordings_enabled"`
	RecordingsDir     string `yaml:"recordings_dir"`
	MaxSessions       int    `yaml:"max_sessions"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8443",
		CertDir:           "./certs",
		HostBinary:        "ttymux-host",
		DefaultShell:      "/bin/sh",
		ScrollbackBytes:   128 * 1024,
		ViewerQueueDepth:  500,
		BackgroundFlushKB: 2,
		RecordingsEnabled: false,
		RecordingsDir:     "./recordings",
		MaxSessions:       64,
	}
}

// Load reads and validates the config file at path, filling in defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.ScrollbackBytes <= 0 {
		return fmt.Errorf("scrollback_bytes must be positive, got %d", c.ScrollbackBytes)
	}
	return nil
}

// Watcher reloads a Config from disk whenever its file changes and hands the
// fresh value to a callback. Used by cmd/ttymux-server for cert-rotation and
// queue-tuning hot-reload without a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config

	onReload func(*Config)
}

// WatchFile loads path once, then starts watching it for writes and
// creates (renames and removals do not trigger a reload), invoking
// onReload with each successfully reloaded Config. A failed reload
// (e.g. a transient partial write) is logged and the previous Config is kept.
func WatchFile(path string, onReload func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{path: path, watcher: fw, current: cfg, onReload: onReload}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[CONFIG] watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[CONFIG] reload failed, keeping previous config: %v", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
