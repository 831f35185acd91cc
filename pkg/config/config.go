// Package config loads and validates the napperd configuration.
//
// Resolution order (lowest to highest): built-in defaults, the YAML
// config file, then KAMAL_NAPPER_<UPPER_KEY> environment variables
// coerced to the default's type.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// KAMAL_NAPPER_IDLE_TIMEOUT=300.
const EnvPrefix = "KAMAL_NAPPER"

// ErrInvalid marks configuration validation failures. Callers match it
// with errors.Is to decide whether startup should abort.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved daemon configuration. Duration-valued fields
// are expressed in seconds in the file and environment; use the
// corresponding method to get a time.Duration.
type Config struct {
	IdleTimeoutSeconds        int    `mapstructure:"idle_timeout"`
	PollIntervalSeconds       int    `mapstructure:"poll_interval"`
	StartupTimeoutSeconds     int    `mapstructure:"startup_timeout"`
	MaxRetries                int    `mapstructure:"max_retries"`
	HealthCheckPort           int    `mapstructure:"health_check_port"`
	HealthCheckPath           string `mapstructure:"health_check_path"`
	HealthCheckTimeoutSeconds int    `mapstructure:"health_check_timeout"`
	StateDir                  string `mapstructure:"state_dir"`
	OwnHostname               string `mapstructure:"own_hostname"`
	LogLevel                  string `mapstructure:"log_level"`

	// Operational settings not exposed by every deployment.
	ListenAddr         string `mapstructure:"listen_addr"`
	ProxyContainerName string `mapstructure:"proxy_container_name"`
	AccessLogDir       string `mapstructure:"access_log_dir"`
	TimestampDir       string `mapstructure:"timestamp_dir"`
	DockerPath         string `mapstructure:"docker_path"`
}

func defaults() map[string]any {
	return map[string]any{
		"idle_timeout":         900,
		"poll_interval":        10,
		"startup_timeout":      60,
		"max_retries":          3,
		"health_check_port":    80,
		"health_check_path":    "/health",
		"health_check_timeout": 10,
		"state_dir":            "/var/lib/kamal-napper",
		"own_hostname":         "",
		"log_level":            "info",
		"listen_addr":          ":4915",
		"proxy_container_name": "kamal-proxy",
		"access_log_dir":       "",
		"timestamp_dir":        filepath.Join(os.TempDir(), "kamal-napper"),
		"docker_path":          "docker",
	}
}

// Load resolves configuration from the given YAML file path. An empty
// path skips the file layer entirely (defaults + environment only); a
// non-empty path that cannot be read or parsed is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Validate checks the numeric and path constraints. It returns an error
// wrapping ErrInvalid listing the first offending field.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"idle_timeout", c.IdleTimeoutSeconds},
		{"poll_interval", c.PollIntervalSeconds},
		{"startup_timeout", c.StartupTimeoutSeconds},
		{"health_check_timeout", c.HealthCheckTimeoutSeconds},
	}
	for _, f := range positive {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be a positive number of seconds, got %d", ErrInvalid, f.name, f.value)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalid, c.MaxRetries)
	}
	if c.HealthCheckPort < 1 || c.HealthCheckPort > 65535 {
		return fmt.Errorf("%w: health_check_port must be in 1-65535, got %d", ErrInvalid, c.HealthCheckPort)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir must not be empty", ErrInvalid)
	}
	return nil
}

// IdleTimeout is how long a host may go without user traffic before its
// container is stopped.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// PollInterval is the supervisor tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StartupTimeout bounds how long a starting app may stay unhealthy
// before it is forced back to stopped.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

// HealthCheckTimeout bounds a single health probe, connect plus read.
func (c *Config) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutSeconds) * time.Second
}
