package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.MaxConnectAttempts != 3 {
		t.Fatalf("unexpected retry default %d", cfg.Session.MaxConnectAttempts)
	}
	if cfg.Session.BackoffBase != 500*time.Millisecond {
		t.Fatalf("unexpected backoff default %s", cfg.Session.BackoffBase)
	}
	if !cfg.Transcript.ProgressiveReveal {
		t.Fatal("progressive reveal must default on")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	content := []byte(`
log_level: debug
server:
  room: soporte
session:
  max_connect_attempts: 5
transcript:
  progressive_reveal: false
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.Room != "soporte" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Session.MaxConnectAttempts != 5 {
		t.Fatalf("unexpected retry budget %d", cfg.Session.MaxConnectAttempts)
	}
	if cfg.Transcript.ProgressiveReveal {
		t.Fatal("file must be able to disable progressive reveal")
	}
	// Untouched keys keep their defaults.
	if cfg.Gateway.ListenAddr != "127.0.0.1:8750" {
		t.Fatalf("default lost: %q", cfg.Gateway.ListenAddr)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}
