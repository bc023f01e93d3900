package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"botbox/internal/fetch"
	"botbox/internal/sandbox"
	"botbox/internal/store"
)

// Config holds all botbox configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// StoreConfig configures the bot database.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // sqlite, sqlite3
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// SandboxConfig configures the per-run limits of the execution cell.
type SandboxConfig struct {
	Timeout      string `yaml:"timeout"`
	MaxMemoryMB  int    `yaml:"max_memory_mb"` // 0 disables the ceiling
	PollInterval string `yaml:"poll_interval"`
}

// FetchConfig configures outbound fetches made on behalf of Curl.
type FetchConfig struct {
	Timeout      string `yaml:"timeout"`
	UserAgent    string `yaml:"user_agent"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// ValidDrivers lists the supported database drivers.
var ValidDrivers = []string{store.DriverModernc, store.DriverCgo}

// ValidFormats lists the supported log encodings.
var ValidFormats = []string{"json", "console"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	limits := sandbox.DefaultLimits()
	httpOpts := fetch.DefaultHTTPOptions()

	return &Config{
		Server: ServerConfig{
			SocketPath: "botbox.sock",
		},
		Store: StoreConfig{
			Driver:      store.DriverModernc,
			Path:        "data/botbox.db",
			BusyTimeout: "5s",
		},
		Sandbox: SandboxConfig{
			Timeout:      limits.Timeout.String(),
			MaxMemoryMB:  int(limits.MaxMemoryBytes >> 20),
			PollInterval: limits.PollInterval.String(),
		},
		Fetch: FetchConfig{
			Timeout:      httpOpts.Timeout.String(),
			UserAgent:    httpOpts.UserAgent,
			MaxBodyBytes: httpOpts.MaxBodyBytes,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("BOTBOX_SOCKET"); path != "" {
		c.Server.SocketPath = path
	}
	if path := os.Getenv("BOTBOX_DB"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("BOTBOX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socket_path is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if !slices.Contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}

	durations := []struct {
		field string
		value string
	}{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"sandbox.timeout", c.Sandbox.Timeout},
		{"sandbox.poll_interval", c.Sandbox.PollInterval},
		{"fetch.timeout", c.Fetch.Timeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.field, err)
		}
		if v <= 0 {
			return fmt.Errorf("invalid %s: must be positive", d.field)
		}
	}

	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("invalid sandbox.max_memory_mb: %d", c.Sandbox.MaxMemoryMB)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid fetch.max_body_bytes: %d", c.Fetch.MaxBodyBytes)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if !slices.Contains(ValidFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.Logging.Format, ValidFormats)
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %w", err)
	}
	return level, nil
}

// StoreOptions returns the options for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver:      c.Store.Driver,
		Path:        c.Store.Path,
		BusyTimeout: duration(c.Store.BusyTimeout, 5*time.Second),
	}
}

// SandboxLimits returns the per-run limits for the execution cell.
func (c *Config) SandboxLimits() sandbox.Limits {
	def := sandbox.DefaultLimits()
	return sandbox.Limits{
		Timeout:        duration(c.Sandbox.Timeout, def.Timeout),
		MaxMemoryBytes: uint64(max(c.Sandbox.MaxMemoryMB, 0)) << 20,
		PollInterval:   duration(c.Sandbox.PollInterval, def.PollInterval),
	}
}

// HTTPOptions returns the options for the HTTP fetcher.
func (c *Config) HTTPOptions() fetch.HTTPOptions {
	def := fetch.DefaultHTTPOptions()
	opts := fetch.HTTPOptions{
		Timeout:      duration(c.Fetch.Timeout, def.Timeout),
		UserAgent:    c.Fetch.UserAgent,
		MaxBodyBytes: c.Fetch.MaxBodyBytes,
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	return opts
}

// duration parses s, falling back to def when it is unset or invalid.
func duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
