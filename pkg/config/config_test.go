package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Scanner.MaxConcurrent)
	assert.Equal(t, 3*time.Second, cfg.Scanner.Timeout)
	assert.Equal(t, 1, cfg.Scanner.RetryCount)
	assert.False(t, cfg.Scanner.ServiceDetection)

	assert.Equal(t, 64, cfg.Ping.PacketSize)
	assert.Equal(t, 5*time.Second, cfg.Ping.Timeout)
	assert.Equal(t, time.Second, cfg.Ping.Interval)
	assert.True(t, cfg.Ping.UseLibraryFallback)
	assert.False(t, cfg.Ping.UseRawSocket)

	assert.Equal(t, 1000, cfg.Broker.MaxConnections)
	assert.Equal(t, 8192, cfg.Broker.MessageBufferSize)
	assert.Equal(t, 300*time.Second, cfg.Broker.ClientTimeout)
	assert.Equal(t, 1000, cfg.Broker.MaxHistorySize)

	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netprobe.yaml")
	content := `
log:
  level: debug
  json: true
scanner:
  max_concurrent: 200
  banner_grabbing: true
ping:
  packet_size: 128
broker:
  enabled: true
  port: 9100
bridge:
  listen: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 200, cfg.Scanner.MaxConcurrent)
	assert.True(t, cfg.Scanner.BannerGrabbing)
	// Untouched fields keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Scanner.Timeout)
	assert.Equal(t, 128, cfg.Ping.PacketSize)
	assert.True(t, cfg.Broker.Enabled)
	assert.Equal(t, 9100, cfg.Broker.Port)
	assert.Equal(t, ":9090", cfg.Bridge.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanner: ["), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "max_concurrent too high",
			mutate: func(c *Config) { c.Scanner.MaxConcurrent = 501 },
		},
		{
			name:   "max_concurrent zero",
			mutate: func(c *Config) { c.Scanner.MaxConcurrent = 0 },
		},
		{
			name:   "packet size too small",
			mutate: func(c *Config) { c.Ping.PacketSize = 4 },
		},
		{
			name:   "negative interval",
			mutate: func(c *Config) { c.Ping.Interval = -time.Second },
		},
		{
			name:   "broker port out of range",
			mutate: func(c *Config) { c.Broker.Port = 70000 },
		},
		{
			name:   "bridge threads zero",
			mutate: func(c *Config) { c.Bridge.MaxThreads = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
