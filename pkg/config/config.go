package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "yaml"
	configDir  = ".stagedoor"
	envPrefix  = "STAGEDOOR"
)

// Config holds every recognized stagedoor setting. Values come from
// <dataDir>/config.yaml and STAGEDOOR_* environment variables, with
// defaults applied for anything left unset.
type Config struct {
	// Pool sizing and lifecycle.
	PoolCapacity     int           `mapstructure:"pool_capacity"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	QueueWaitTimeout time.Duration `mapstructure:"queue_wait_timeout"`

	// Transfer pipeline.
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// Challenge resolver.
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ResolveBudget time.Duration `mapstructure:"resolve_budget"`

	// Engine.
	Headless        bool          `mapstructure:"headless"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`

	// Service.
	ListenAddr string `mapstructure:"listen_addr"`

	// Directories. DataDir is the root; the others default beneath it.
	DataDir       string `mapstructure:"data_dir"`
	DownloadDir   string `mapstructure:"download_dir"`
	DebugDir      string `mapstructure:"debug_dir"`
	CredentialDir string `mapstructure:"credential_dir"`
}

// Load reads the configuration from dir (defaulting to ~/.stagedoor) and
// the environment. A missing config file is not an error; defaults apply.
func Load(dir string) (*Config, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(homeDir, configDir)
	}

	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	setDefaults(v, dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Sub-directories follow DataDir when not set explicitly.
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(cfg.DataDir, "downloads")
	}
	if cfg.DebugDir == "" {
		cfg.DebugDir = filepath.Join(cfg.DataDir, "debug")
	}
	if cfg.CredentialDir == "" {
		cfg.CredentialDir = filepath.Join(cfg.DataDir, "credentials")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("pool_capacity", 3)
	v.SetDefault("queue_capacity", 8)
	v.SetDefault("idle_timeout", 5*time.Minute)
	v.SetDefault("reap_interval", 30*time.Second)
	v.SetDefault("queue_wait_timeout", 45*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 5*time.Second)
	v.SetDefault("probe_timeout", 8*time.Second)
	v.SetDefault("resolve_budget", 3*time.Minute)
	v.SetDefault("headless", true)
	v.SetDefault("navigate_timeout", 30*time.Second)
	v.SetDefault("listen_addr", ":8400")
	v.SetDefault("data_dir", dir)
}

// Validate rejects settings the pool and pipeline cannot operate with.
func (c *Config) Validate() error {
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool_capacity must be positive, got %d", c.PoolCapacity)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity must be non-negative, got %d", c.QueueCapacity)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive, got %s", c.ReapInterval)
	}
	if c.QueueWaitTimeout <= 0 {
		return fmt.Errorf("queue_wait_timeout must be positive, got %s", c.QueueWaitTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be non-negative, got %s", c.RetryDelay)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.ResolveBudget <= 0 {
		return fmt.Errorf("resolve_budget must be positive, got %s", c.ResolveBudget)
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	return nil
}

// EnsureDirectories creates every directory the service writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.DownloadDir, c.DebugDir, c.CredentialDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
