package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Default values
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultUserAgent  = "rrdp-go"

	DefaultMaxSessions = 12
	DefaultDeltaLimit  = 0

	DefaultLogLevel  = "info"
	DefaultLogFormat = "pretty"
)

// ConfigDir returns the config directory path
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rrdp"
	}
	return filepath.Join(home, ".rrdp")
}

// DefaultCacheDir returns the default repository cache directory
func DefaultCacheDir() string {
	return filepath.Join(ConfigDir(), "cache")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.directory", DefaultCacheDir())
	v.SetDefault("fetch.timeout", DefaultTimeout)
	v.SetDefault("fetch.max_retries", DefaultMaxRetries)
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("sync.max_sessions", DefaultMaxSessions)
	v.SetDefault("sync.delta_limit", DefaultDeltaLimit)
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
}
