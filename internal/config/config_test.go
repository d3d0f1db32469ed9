// Package config tests for loading, validation, and hot reload.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caregohq/carego-sync/internal/errors"
)

func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()

	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// TestLoad_defaults verifies defaults apply without a config file.
func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("default max_retries = %d, want 5", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase != 2*time.Second {
		t.Errorf("default backoff_base = %v, want 2s", cfg.Sync.BackoffBase)
	}
	if cfg.Sync.Concurrency != 4 {
		t.Errorf("default concurrency = %d, want 4", cfg.Sync.Concurrency)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default store driver = %q, want sqlite", cfg.Store.Driver)
	}
	if got := cfg.PriorityFor("Observation"); got != 1 {
		t.Errorf("default priority for Observation = %d, want 1", got)
	}
}

// TestLoad_file verifies values load from a YAML file.
func TestLoad_file(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"server": map[string]any{"addr": "127.0.0.1:9999"},
		"sync": map[string]any{
			"max_retries":  3,
			"backoff_base": "500ms",
			"backoff_cap":  "10s",
			"priorities":   map[string]any{"message": 1, "observation": 2},
			"conflict_modes": map[string]any{
				"profile": "reject",
			},
		},
		"store": map[string]any{"driver": "memory"},
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("server.addr = %q, want 127.0.0.1:9999", cfg.Server.Addr)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase != 500*time.Millisecond {
		t.Errorf("backoff_base = %v, want 500ms", cfg.Sync.BackoffBase)
	}
	if got := cfg.PriorityFor("Message"); got != 1 {
		t.Errorf("priority for Message = %d, want 1", got)
	}
	if got := cfg.PriorityFor("Incident"); got != cfg.Sync.DefaultPriority {
		t.Errorf("priority for unknown model = %d, want default %d", got, cfg.Sync.DefaultPriority)
	}
	if got := cfg.ConflictModeFor("Profile"); got != ModeReject {
		t.Errorf("conflict mode for Profile = %q, want reject", got)
	}
	if got := cfg.ConflictModeFor("Message"); got != ModeLastWriteWins {
		t.Errorf("conflict mode default = %q, want lww", got)
	}
}

// TestLoad_envOverride verifies CAREGO_ environment overrides.
func TestLoad_envOverride(t *testing.T) {
	t.Setenv("CAREGO_SYNC_MAX_RETRIES", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.MaxRetries != 9 {
		t.Errorf("max_retries = %d, want env override 9", cfg.Sync.MaxRetries)
	}
}

// TestValidate verifies rejection of unusable configurations.
func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max retries", func(c *Config) { c.Sync.MaxRetries = -1 }},
		{"zero backoff base", func(c *Config) { c.Sync.BackoffBase = 0 }},
		{"cap below base", func(c *Config) { c.Sync.BackoffCap = c.Sync.BackoffBase / 2 }},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }},
		{"bad conflict mode", func(c *Config) { c.Sync.ConflictModes = map[string]string{"message": "merge-ask"} }},
		{"bad store driver", func(c *Config) { c.Store.Driver = "dynamo" }},
		{"zero poor dispatch rate", func(c *Config) { c.Sync.PoorDispatchRate = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !errors.Is(err, errors.ErrConfig) {
				t.Errorf("Validate() code = %v, want CONFIG_ERROR", err)
			}
		})
	}
}

// TestWatcher_reload verifies hot reload swaps the snapshot and notifies.
func TestWatcher_reload(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"sync": map[string]any{"max_retries": 2},
	})

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if got := w.Current().Sync.MaxRetries; got != 2 {
		t.Fatalf("initial max_retries = %d, want 2", got)
	}

	var notified *Config
	w.OnChange(func(c *Config) { notified = c })

	data, _ := yaml.Marshal(map[string]any{
		"sync": map[string]any{"max_retries": 7},
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	w.reload()

	if got := w.Current().Sync.MaxRetries; got != 7 {
		t.Errorf("reloaded max_retries = %d, want 7", got)
	}
	if notified == nil || notified.Sync.MaxRetries != 7 {
		t.Error("OnChange callback did not receive the new snapshot")
	}
}

// TestWatcher_reloadInvalid verifies a bad edit keeps the previous snapshot.
func TestWatcher_reloadInvalid(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"sync": map[string]any{"max_retries": 2},
	})

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	data, _ := yaml.Marshal(map[string]any{
		"sync": map[string]any{"concurrency": 0},
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	w.reload()

	if got := w.Current().Sync.Concurrency; got == 0 {
		t.Error("invalid reload should keep the previous snapshot")
	}
	if got := w.Current().Sync.MaxRetries; got != 2 {
		t.Errorf("max_retries after invalid reload = %d, want 2", got)
	}
}
