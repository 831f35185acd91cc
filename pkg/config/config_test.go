package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.IdleTimeoutSeconds != 900 {
		t.Errorf("idle_timeout default = %d, want 900", cfg.IdleTimeoutSeconds)
	}
	if cfg.PollIntervalSeconds != 10 {
		t.Errorf("poll_interval default = %d, want 10", cfg.PollIntervalSeconds)
	}
	if cfg.StartupTimeoutSeconds != 60 {
		t.Errorf("startup_timeout default = %d, want 60", cfg.StartupTimeoutSeconds)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("max_retries default = %d, want 3", cfg.MaxRetries)
	}
	if cfg.HealthCheckPort != 80 {
		t.Errorf("health_check_port default = %d, want 80", cfg.HealthCheckPort)
	}
	if cfg.HealthCheckPath != "/health" {
		t.Errorf("health_check_path default = %q, want /health", cfg.HealthCheckPath)
	}
	if cfg.ProxyContainerName != "kamal-proxy" {
		t.Errorf("proxy_container_name default = %q", cfg.ProxyContainerName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	body := "idle_timeout: 300\nhealth_check_path: /up\nstate_dir: " + dir + "\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdleTimeoutSeconds != 300 {
		t.Errorf("idle_timeout = %d, want 300", cfg.IdleTimeoutSeconds)
	}
	if cfg.HealthCheckPath != "/up" {
		t.Errorf("health_check_path = %q, want /up", cfg.HealthCheckPath)
	}
	// Untouched keys keep their defaults.
	if cfg.PollIntervalSeconds != 10 {
		t.Errorf("poll_interval = %d, want default 10", cfg.PollIntervalSeconds)
	}
	if cfg.IdleTimeout() != 300*time.Second {
		t.Errorf("IdleTimeout() = %v", cfg.IdleTimeout())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for missing explicit file, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("KAMAL_NAPPER_IDLE_TIMEOUT", "120")
	t.Setenv("KAMAL_NAPPER_OWN_HOSTNAME", "napper.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IdleTimeoutSeconds != 120 {
		t.Errorf("idle_timeout = %d, want env override 120", cfg.IdleTimeoutSeconds)
	}
	if cfg.OwnHostname != "napper.internal" {
		t.Errorf("own_hostname = %q, want napper.internal", cfg.OwnHostname)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte("poll_interval: 30\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KAMAL_NAPPER_POLL_INTERVAL", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSeconds != 5 {
		t.Errorf("poll_interval = %d, env should beat file", cfg.PollIntervalSeconds)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero idle_timeout", func(c *Config) { c.IdleTimeoutSeconds = 0 }},
		{"negative poll_interval", func(c *Config) { c.PollIntervalSeconds = -1 }},
		{"zero startup_timeout", func(c *Config) { c.StartupTimeoutSeconds = 0 }},
		{"negative max_retries", func(c *Config) { c.MaxRetries = -1 }},
		{"port too large", func(c *Config) { c.HealthCheckPort = 70000 }},
		{"empty state_dir", func(c *Config) { c.StateDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
