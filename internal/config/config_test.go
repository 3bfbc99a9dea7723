package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Server:          "127.0.0.1:5683",
		DialTimeout:     time.Second,
		ResponseTimeout: time.Second,
		TokenLength:     4,
		BufferSize:      16,
		LogLevel:        "info",
		Mirror:          MirrorConfig{LocalRoot: ".", RemoteRoot: "/"},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero token length", func(c *Config) { c.TokenLength = 0 }, false},
		{"missing server", func(c *Config) { c.Server = "" }, true},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }, true},
		{"zero response timeout", func(c *Config) { c.ResponseTimeout = 0 }, true},
		{"token too long", func(c *Config) { c.TokenLength = 9 }, true},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"relative remote root", func(c *Config) { c.Mirror.RemoteRoot = "docs" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5683", c.Server)
	assert.Equal(t, 5*time.Second, c.DialTimeout)
	assert.Equal(t, 10*time.Second, c.ResponseTimeout)
	assert.Equal(t, 4, c.TokenLength)
	assert.Equal(t, 16, c.BufferSize)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "/", c.Mirror.RemoteRoot)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coapfs.yaml")
	content := `
server: files.local:5683
response_timeout: 2s
token_length: 8
log_level: debug
mirror:
  local_root: /tmp/work
  remote_root: /work
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "files.local:5683", c.Server)
	assert.Equal(t, 2*time.Second, c.ResponseTimeout)
	assert.Equal(t, 8, c.TokenLength)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "/tmp/work", c.Mirror.LocalRoot)
	assert.Equal(t, "/work", c.Mirror.RemoteRoot)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("COAPFS_SERVER", "10.0.0.2:5683")
	t.Setenv("COAPFS_MIRROR_REMOTE_ROOT", "/shared")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2:5683", c.Server)
	assert.Equal(t, "/shared", c.Mirror.RemoteRoot)
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coapfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token_length: 12\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
