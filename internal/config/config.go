// Package config loads spbsync configuration from file, environment and
// flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPBSYNC_API_BASE_URL.
const EnvPrefix = "SPBSYNC"

// Config is the fully resolved configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	API          APIConfig          `mapstructure:"api"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
	SecureStore  SecureStoreConfig  `mapstructure:"secure_store"`
}

// APIConfig describes the remote authority.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the outbox and drain passes.
type SyncConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	PushTimeout     time.Duration `mapstructure:"push_timeout"`
	PushesPerSecond float64       `mapstructure:"pushes_per_second"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
}

// AuthConfig tunes the token lifecycle manager.
type AuthConfig struct {
	RefreshThreshold   time.Duration `mapstructure:"refresh_threshold"`
	RefreshWait        time.Duration `mapstructure:"refresh_wait"`
	MaxRefreshAttempts int           `mapstructure:"max_refresh_attempts"`
	LockoutWindow      time.Duration `mapstructure:"lockout_window"`
}

// ConnectivityConfig tunes the reachability prober.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// LogConfig selects level and optional rotating file output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServerConfig is the local daemon listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SecureStoreConfig locates the encrypted token file.
type SecureStoreConfig struct {
	Path      string `mapstructure:"path"`
	MachineID string `mapstructure:"machine_id"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("api.base_url", "https://api.example.invalid")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_max", time.Hour)
	v.SetDefault("sync.push_timeout", 30*time.Second)
	v.SetDefault("sync.pushes_per_second", 0)
	v.SetDefault("sync.retry_interval", time.Minute)

	v.SetDefault("auth.refresh_threshold", 5*time.Minute)
	v.SetDefault("auth.refresh_wait", 2*time.Second)
	v.SetDefault("auth.max_refresh_attempts", 5)
	v.SetDefault("auth.lockout_window", 15*time.Minute)

	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("server.addr", "127.0.0.1:8090")

	v.SetDefault("secure_store.path", "")
	v.SetDefault("secure_store.machine_id", "")
}

// Load reads configuration. An empty path searches for spbsync.yaml in the
// working directory; a missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spbsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.SecureStore.Path == "" {
		cfg.SecureStore.Path = filepath.Join(cfg.DataDir, "credentials.enc")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.base_url is not a valid URL: %q", c.API.BaseURL)
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}
	if c.Auth.MaxRefreshAttempts <= 0 {
		return errors.New("auth.max_refresh_attempts must be positive")
	}
	if c.Auth.RefreshThreshold < 0 || c.Auth.LockoutWindow <= 0 {
		return errors.New("auth durations must be positive")
	}
	return nil
}
