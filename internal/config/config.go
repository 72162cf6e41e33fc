package config

import (
	"fmt"
	"time"
)

// Config represents the application configuration
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CacheConfig contains local repository cache settings
type CacheConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

// FetchConfig contains HTTPS fetch settings
type FetchConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
	ProxyURL   string        `mapstructure:"proxy_url" yaml:"proxy_url"`
}

// SyncConfig contains sync behaviour settings
type SyncConfig struct {
	// MaxSessions caps how many repositories stream concurrently
	MaxSessions int `mapstructure:"max_sessions" yaml:"max_sessions"`
	// DeltaLimit prefers a snapshot over chains longer than this; 0 means
	// no limit
	DeltaLimit int `mapstructure:"delta_limit" yaml:"delta_limit"`
	// IgnoreWithdraw leaves withdrawn objects in place
	IgnoreWithdraw bool `mapstructure:"ignore_withdraw" yaml:"ignore_withdraw"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate checks the configuration and applies defaults for invalid values
func (c *Config) Validate() error {
	if c.Cache.Directory == "" {
		c.Cache.Directory = DefaultCacheDir()
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = DefaultTimeout
	}
	if c.Fetch.MaxRetries < 0 {
		c.Fetch.MaxRetries = DefaultMaxRetries
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = DefaultUserAgent
	}
	if c.Sync.MaxSessions <= 0 {
		c.Sync.MaxSessions = DefaultMaxSessions
	}
	if c.Sync.DeltaLimit < 0 {
		return fmt.Errorf("sync.delta_limit must not be negative")
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = DefaultLogFormat
	case "pretty", "json":
	default:
		return fmt.Errorf("logging.format must be \"pretty\" or \"json\"")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	return nil
}
