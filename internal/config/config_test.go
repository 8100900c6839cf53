package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 7690 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Engine.GlobalConcurrency != 10 {
		t.Errorf("global concurrency = %d", cfg.Engine.GlobalConcurrency)
	}
	if cfg.Engine.PerHostQueueDepth != 128 {
		t.Errorf("queue depth = %d", cfg.Engine.PerHostQueueDepth)
	}
	if cfg.Engine.DefaultSuppressionS != 300 || cfg.Engine.DefaultIdempotencyS != 600 {
		t.Errorf("window defaults = %d/%d", cfg.Engine.DefaultSuppressionS, cfg.Engine.DefaultIdempotencyS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SURGEGUARD_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("SURGEGUARD_PORT", "8800")
	t.Setenv("SURGEGUARD_DATA_DIR", "/tmp/surgeguard-test")
	t.Setenv("SURGEGUARD_LOG_LEVEL", "DEBUG")
	t.Setenv("SURGEGUARD_GLOBAL_CONCURRENCY", "4")
	t.Setenv("SURGEGUARD_HISTORY_PER_POLICY", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.DataDir != "/tmp/surgeguard-test" {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want lowercased", cfg.Logging.Level)
	}
	if cfg.Engine.GlobalConcurrency != 4 {
		t.Errorf("global concurrency = %d", cfg.Engine.GlobalConcurrency)
	}
	// Garbage integers fall back to the default instead of failing.
	if cfg.Engine.HistoryPerPolicy != 30 {
		t.Errorf("history per policy = %d, want default", cfg.Engine.HistoryPerPolicy)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SURGEGUARD_PORT=9100\nSURGEGUARD_LOG_FORMAT=json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SURGEGUARD_ENV_FILE", envPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %s", cfg.Logging.Format)
	}
}

func TestEnvBeatsEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SURGEGUARD_PORT=9100\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SURGEGUARD_ENV_FILE", envPath)
	t.Setenv("SURGEGUARD_PORT", "9200")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("port = %d, process env must win", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero concurrency", func(c *Config) { c.Engine.GlobalConcurrency = 0 }},
		{"zero queue depth", func(c *Config) { c.Engine.PerHostQueueDepth = 0 }},
		{"zero refresh sla", func(c *Config) { c.Engine.InventoryRefreshSLAS = 0 }},
		{"zero history", func(c *Config) { c.Engine.HistoryPerPolicy = 0 }},
		{"zero idle timeout", func(c *Config) { c.Engine.WorkerIdleTimeoutS = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
