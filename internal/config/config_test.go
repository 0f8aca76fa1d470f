package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TRADEBOOK_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database.Path != "data/tradebook.db" {
		t.Errorf("Expected default database path, got %q", cfg.Database.Path)
	}
	if time.Duration(cfg.Sync.Interval) != 10*time.Second {
		t.Errorf("Expected 10s sync interval, got %s", time.Duration(cfg.Sync.Interval))
	}
	if cfg.Sync.PushBatchSize != 500 {
		t.Errorf("Expected batch size 500, got %d", cfg.Sync.PushBatchSize)
	}
	if cfg.Sync.TieBreak != "remote" {
		t.Errorf("Expected remote tie break, got %q", cfg.Sync.TieBreak)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Sync.BaseURL != "" {
		t.Errorf("Expected local-only mode by default, got base url %q", cfg.Sync.BaseURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradebook.yaml")
	yaml := `
database:
  path: /tmp/custom.db
sync:
  base_url: https://sync.example.com
  interval: 30s
  push_batch_size: 100
  tie_break: local
server:
  port: 9090
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database.Path != "/tmp/custom.db" {
		t.Errorf("Expected custom path, got %q", cfg.Database.Path)
	}
	if cfg.Sync.BaseURL != "https://sync.example.com" {
		t.Errorf("Expected base url, got %q", cfg.Sync.BaseURL)
	}
	if time.Duration(cfg.Sync.Interval) != 30*time.Second {
		t.Errorf("Expected 30s interval, got %s", time.Duration(cfg.Sync.Interval))
	}
	if cfg.Sync.TieBreak != "local" {
		t.Errorf("Expected local tie break, got %q", cfg.Sync.TieBreak)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug level, got %q", cfg.Log.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Sync.PushBatchSize != 100 {
		t.Errorf("Expected batch size 100, got %d", cfg.Sync.PushBatchSize)
	}
	if time.Duration(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Expected default shutdown timeout, got %s", time.Duration(cfg.Server.ShutdownTimeout))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRADEBOOK_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TRADEBOOK_DB_PATH", "/tmp/env.db")
	t.Setenv("TRADEBOOK_SYNC_BASE_URL", "https://env.example.com")
	t.Setenv("TRADEBOOK_SYNC_API_KEY", "secret")
	t.Setenv("TRADEBOOK_SYNC_INTERVAL", "45s")
	t.Setenv("TRADEBOOK_SYNC_TIE_BREAK", "local")
	t.Setenv("TRADEBOOK_PORT", "7070")
	t.Setenv("TRADEBOOK_LOG_FORMAT", "text")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Expected env path, got %q", cfg.Database.Path)
	}
	if cfg.Sync.BaseURL != "https://env.example.com" || cfg.Sync.APIKey != "secret" {
		t.Errorf("Expected env sync settings, got %+v", cfg.Sync)
	}
	if time.Duration(cfg.Sync.Interval) != 45*time.Second {
		t.Errorf("Expected 45s interval, got %s", time.Duration(cfg.Sync.Interval))
	}
	if cfg.Sync.TieBreak != "local" {
		t.Errorf("Expected local tie break, got %q", cfg.Sync.TieBreak)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Expected text format, got %q", cfg.Log.Format)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero interval", "TRADEBOOK_SYNC_INTERVAL", "0s"},
		{"negative batch", "TRADEBOOK_SYNC_PUSH_BATCH_SIZE", "-1"},
		{"unknown tie break", "TRADEBOOK_SYNC_TIE_BREAK", "newest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TRADEBOOK_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected validation error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  interval: soon\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for unparseable duration")
	}
}
