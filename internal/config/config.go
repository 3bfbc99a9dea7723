// Package config loads the coapfs command-line client configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the client configuration.
type Config struct {
	// Server is the file service address, host:port.
	Server string `mapstructure:"server"`
	// DialTimeout bounds resolving and connecting the socket.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ResponseTimeout is how long a command waits for its response.
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	// TokenLength is the request token size in bytes, 0 to 8.
	TokenLength int `mapstructure:"token_length"`
	// BufferSize is the number of datagrams queued for sending.
	BufferSize int `mapstructure:"buffer_size"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// Mirror configures the directory mirror.
	Mirror MirrorConfig `mapstructure:"mirror"`
}

// MirrorConfig holds directory mirror settings.
type MirrorConfig struct {
	// LocalRoot is the watched local directory.
	LocalRoot string `mapstructure:"local_root"`
	// RemoteRoot is the service path LocalRoot maps to.
	RemoteRoot string `mapstructure:"remote_root"`
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server is required")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("response_timeout must be positive")
	}
	if c.TokenLength < 0 || c.TokenLength > 8 {
		return fmt.Errorf("token_length must be between 0 and 8")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.Mirror.RemoteRoot == "" || !strings.HasPrefix(c.Mirror.RemoteRoot, "/") {
		return fmt.Errorf("mirror.remote_root must be an absolute path")
	}
	return nil
}

// Load loads the configuration from file and environment variables.
// configPath may be empty, in which case defaults and COAPFS_* variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("server", "127.0.0.1:5683")
	v.SetDefault("dial_timeout", "5s")
	v.SetDefault("response_timeout", "10s")
	v.SetDefault("token_length", 4)
	v.SetDefault("buffer_size", 16)
	v.SetDefault("log_level", "info")
	v.SetDefault("mirror.local_root", ".")
	v.SetDefault("mirror.remote_root", "/")

	// Set up environment variable support
	v.SetEnvPrefix("COAPFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
