package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "listen_addr: \"0.0.0.0:9443\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:9443" {
		t.Fatalf("expected overridden listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.MaxSessions != 64 {
		t.Fatalf("expected default max_sessions, got %d", cfg.MaxSessions)
	}
	if cfg.ScrollbackBytes != 128*1024 {
		t.Fatalf("expected default scrollback_bytes, got %d", cfg.ScrollbackBytes)
	}
}

func TestLoadRejectsInvalidMaxSessions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "max_sessions: 0\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for max_sessions: 0")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestWatchFileReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "max_sessions: 5\n")

	reloaded := make(chan *Config, 1)
	w, err := WatchFile(path, func(c *Config) {
		reloaded <- c
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.Current().MaxSessions != 5 {
		t.Fatalf("expected initial max_sessions 5, got %d", w.Current().MaxSessions)
	}

	time.Sleep(50 * time.Millisecond)
	writeConfig(t, dir, "max_sessions: 9\n")

	select {
	case cfg := <-reloaded:
		if cfg.MaxSessions != 9 {
			t.Fatalf("expected reloaded max_sessions 9, got %d", cfg.MaxSessions)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
