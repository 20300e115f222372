// Nightsync - Nightscout Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nightsync

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies the built-in defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Nightscout.DuplicateErrorCode != 66 {
		t.Errorf("Nightscout.DuplicateErrorCode = %d, want 66", cfg.Nightscout.DuplicateErrorCode)
	}
	if cfg.Nightscout.GroupSeparator != "-" {
		t.Errorf("Nightscout.GroupSeparator = %q, want -", cfg.Nightscout.GroupSeparator)
	}
	if cfg.Nightscout.DosingSystem != "openaps" {
		t.Errorf("Nightscout.DosingSystem = %q, want openaps", cfg.Nightscout.DosingSystem)
	}
	if cfg.Sync.BatchSize != 500 {
		t.Errorf("Sync.BatchSize = %d, want 500", cfg.Sync.BatchSize)
	}
	if cfg.Sync.ReadingInterval != 5*time.Minute {
		t.Errorf("Sync.ReadingInterval = %v, want 5m", cfg.Sync.ReadingInterval)
	}
	if cfg.Sync.FrequentReadingInterval != time.Minute {
		t.Errorf("Sync.FrequentReadingInterval = %v, want 1m", cfg.Sync.FrequentReadingInterval)
	}
	if cfg.Sync.TreatmentWindow != 7*24*time.Hour {
		t.Errorf("Sync.TreatmentWindow = %v, want 168h", cfg.Sync.TreatmentWindow)
	}
	if cfg.Poller.ProfileMinInterval != 30*time.Second {
		t.Errorf("Poller.ProfileMinInterval = %v, want 30s", cfg.Poller.ProfileMinInterval)
	}
	if cfg.Poller.LoopLookback != 12*time.Hour {
		t.Errorf("Poller.LoopLookback = %v, want 12h", cfg.Poller.LoopLookback)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"NIGHTSCOUT_URL", "nightscout.url"},
		{"API_SECRET", "nightscout.api_secret"},
		{"SYNC_BATCH_SIZE", "sync.batch_size"},
		{"POLLER_LOOP_LOOKBACK", "poller.loop_lookback"},
		{"HTTP_PORT", "server.port"},
		{"PATH", ""},
		{"HOME", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadWithKoanf_EnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("NIGHTSCOUT_URL", "https://ns.example.com/")
	t.Setenv("NIGHTSCOUT_TOKEN", "reader-0123456789")
	t.Setenv("NIGHTSCOUT_DOSING_SYSTEM", "loop")
	t.Setenv("SYNC_BATCH_SIZE", "250")
	t.Setenv("SYNC_INTERVAL", "2m")
	t.Setenv("STORE_IN_MEMORY", "true")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Nightscout.URL != "https://ns.example.com" {
		t.Errorf("Nightscout.URL = %q, want trailing slash trimmed", cfg.Nightscout.URL)
	}
	if cfg.Nightscout.Token != "reader-0123456789" {
		t.Errorf("Nightscout.Token = %q", cfg.Nightscout.Token)
	}
	if cfg.Nightscout.DosingSystem != "loop" {
		t.Errorf("Nightscout.DosingSystem = %q, want loop", cfg.Nightscout.DosingSystem)
	}
	if cfg.Sync.BatchSize != 250 {
		t.Errorf("Sync.BatchSize = %d, want 250", cfg.Sync.BatchSize)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("Sync.Interval = %v, want 2m", cfg.Sync.Interval)
	}
	if !cfg.Nightscout.HasCredentials() {
		t.Error("HasCredentials() = false, want true with token")
	}
}

func TestLoadWithKoanf_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightsync.yaml")
	yaml := `
nightscout:
  url: https://yaml.example.com
  api_secret: supersecretvalue
  group_separator: ":"
sync:
  treatment_window: 48h
store:
  in_memory: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("SYNC_TREATMENT_WINDOW", "72h")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if cfg.Nightscout.URL != "https://yaml.example.com" {
		t.Errorf("Nightscout.URL = %q", cfg.Nightscout.URL)
	}
	if cfg.Nightscout.GroupSeparator != ":" {
		t.Errorf("Nightscout.GroupSeparator = %q, want :", cfg.Nightscout.GroupSeparator)
	}
	if cfg.Sync.TreatmentWindow != 72*time.Hour {
		t.Errorf("Sync.TreatmentWindow = %v, want env override 72h", cfg.Sync.TreatmentWindow)
	}
	if cfg.Sync.BatchSize != 500 {
		t.Errorf("Sync.BatchSize = %d, want default 500", cfg.Sync.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.Nightscout.URL = "" }, "NIGHTSCOUT_URL is required"},
		{"disabled without url", func(c *Config) { c.Nightscout.Enabled = false; c.Nightscout.URL = "" }, ""},
		{"bad scheme", func(c *Config) { c.Nightscout.URL = "ftp://ns.example.com" }, "scheme must be http or https"},
		{"query in url", func(c *Config) { c.Nightscout.URL = "https://ns.example.com?token=x" }, "query parameters"},
		{"bad dialect", func(c *Config) { c.Nightscout.DosingSystem = "androidaps" }, "dosing_system must be one of"},
		{"batch too large", func(c *Config) { c.Sync.BatchSize = 5000 }, "batch_size must be at most 1000"},
		{"slack too large", func(c *Config) { c.Sync.SpacingSlack = 2 * time.Minute }, "SYNC_SPACING_SLACK"},
		{"short window", func(c *Config) { c.Sync.TreatmentWindow = time.Minute }, "SYNC_TREATMENT_WINDOW"},
		{"no store path", func(c *Config) { c.Store.Path = ""; c.Store.InMemory = false }, "STORE_PATH"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "format must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Nightscout.URL = "https://ns.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWatchConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nightsync.yaml")
	if err := os.WriteFile(path, []byte("nightscout:\n  token: a\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 1)
	stop, err := WatchConfigFile(path, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchConfigFile() error = %v", err)
	}
	defer func() { _ = stop() }()

	if err := os.WriteFile(path, []byte("nightscout:\n  token: b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked after file change")
	}
}
