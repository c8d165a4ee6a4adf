package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/listsyncd/internal/theme"
)

// Config represents the complete listsyncd configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Actions ActionsConfig `yaml:"actions"`
	Paths   PathsConfig   `yaml:"paths"`
	Serve   ServeConfig   `yaml:"serve"`
	Theme   string        `yaml:"theme"`
}

// RemoteConfig configures the appstore API
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	TokenFile       string        `yaml:"token_file"`
	DeviceTokenFile string        `yaml:"device_token_file"`
	Timeout         time.Duration `yaml:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// SyncConfig configures polling
type SyncConfig struct {
	Interval  time.Duration `yaml:"interval"`
	QueueSize int           `yaml:"queue_size"`
}

// ActionsConfig configures install label timing
type ActionsConfig struct {
	FailureRevert time.Duration `yaml:"failure_revert"`
	SuccessRevert time.Duration `yaml:"success_revert"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// ServeConfig configures the control API server
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	SocketName        string        `yaml:"socket_name"`
	RefreshSecretFile string        `yaml:"refresh_secret_file"`
	RefreshDebounce   time.Duration `yaml:"refresh_debounce"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.BaseURL = os.ExpandEnv(c.Remote.BaseURL)
	c.Remote.TokenFile = os.ExpandEnv(c.Remote.TokenFile)
	c.Remote.DeviceTokenFile = os.ExpandEnv(c.Remote.DeviceTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.RefreshSecretFile = os.ExpandEnv(c.Serve.RefreshSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Remote.RetryAttempts == 0 {
		c.Remote.RetryAttempts = 3
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 3 * time.Second
	}
	if c.Sync.QueueSize == 0 {
		c.Sync.QueueSize = 64
	}
	if c.Actions.FailureRevert == 0 {
		c.Actions.FailureRevert = 300 * time.Millisecond
	}
	if c.Actions.SuccessRevert == 0 {
		c.Actions.SuccessRevert = 5 * time.Second
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.RefreshDebounce == 0 {
		c.Serve.RefreshDebounce = 2 * time.Second
	}
	if c.Theme == "" {
		c.Theme = string(theme.Light)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.base_url must be an http or https URL: %s", c.Remote.BaseURL)
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Remote.RetryAttempts < 1 {
		return fmt.Errorf("remote.retry_attempts must be at least 1")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.QueueSize < 1 {
		return fmt.Errorf("sync.queue_size must be at least 1")
	}

	if c.Actions.FailureRevert < 0 || c.Actions.SuccessRevert < 0 {
		return fmt.Errorf("actions revert delays must not be negative")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if _, err := theme.Parse(c.Theme); err != nil {
		return fmt.Errorf("theme: %w", err)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" && c.Serve.SocketName == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.RefreshDebounce < 0 {
			return fmt.Errorf("serve.refresh_debounce must not be negative")
		}
	}

	return nil
}

// ThemeFilePath returns the path to the persisted theme
func (c *Config) ThemeFilePath() string {
	return filepath.Join(c.Paths.StateDir, "theme.json")
}

// Linked reports whether a device is linked to receive installs
func (c *Config) Linked() bool {
	return c.Remote.DeviceTokenFile != ""
}

// ReadSecret reads a secret file, trimming surrounding whitespace. An empty
// path yields an empty secret.
func ReadSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
