package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loadable from YAML with
// flag overrides applied by the CLI
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Scanner ScannerConfig `yaml:"scanner"`
	Ping    PingConfig    `yaml:"ping"`
	Broker  BrokerConfig  `yaml:"broker"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ScannerConfig mirrors the port scanner's operational parameters
type ScannerConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryCount       int           `yaml:"retry_count"`
	ServiceDetection bool          `yaml:"service_detection"`
	BannerGrabbing   bool          `yaml:"banner_grabbing"`
}

// PingConfig mirrors the ping engine's operational parameters
type PingConfig struct {
	PacketSize         int           `yaml:"packet_size"`
	Timeout            time.Duration `yaml:"timeout"`
	Interval           time.Duration `yaml:"interval"`
	UseSystemCommand   bool          `yaml:"use_system_command"`
	UseLibraryFallback bool          `yaml:"use_library_fallback"`
	UseRawSocket       bool          `yaml:"use_raw_socket"`
}

// BrokerConfig mirrors the broker server's operational parameters
type BrokerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	MessageBufferSize int           `yaml:"message_buffer_size"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	MaxHistorySize    int           `yaml:"max_history_size"`
}

// BridgeConfig controls the stream bridge and ops HTTP listener
type BridgeConfig struct {
	Listen     string `yaml:"listen"`
	MaxThreads int    `yaml:"max_threads"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Scanner: ScannerConfig{
			MaxConcurrent: 100,
			Timeout:       3 * time.Second,
			RetryCount:    1,
		},
		Ping: PingConfig{
			PacketSize:         64,
			Timeout:            5 * time.Second,
			Interval:           time.Second,
			UseSystemCommand:   true,
			UseLibraryFallback: true,
			UseRawSocket:       false,
		},
		Broker: BrokerConfig{
			Enabled:           false,
			Host:              "0.0.0.0",
			Port:              9000,
			MaxConnections:    1000,
			MessageBufferSize: 8192,
			ClientTimeout:     300 * time.Second,
			MaxHistorySize:    1000,
		},
		Bridge: BridgeConfig{
			Listen:     ":8080",
			MaxThreads: 50,
		},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values outside their allowed ranges
func (c *Config) Validate() error {
	if c.Scanner.MaxConcurrent < 1 || c.Scanner.MaxConcurrent > 500 {
		return fmt.Errorf("scanner.max_concurrent must be in 1-500, got %d", c.Scanner.MaxConcurrent)
	}
	if c.Scanner.Timeout <= 0 {
		return fmt.Errorf("scanner.timeout must be positive")
	}
	if c.Ping.PacketSize < 8 || c.Ping.PacketSize > 65507 {
		return fmt.Errorf("ping.packet_size must be in 8-65507, got %d", c.Ping.PacketSize)
	}
	if c.Ping.Interval <= 0 {
		return fmt.Errorf("ping.interval must be positive")
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be in 0-65535, got %d", c.Broker.Port)
	}
	if c.Broker.MaxConnections < 1 {
		return fmt.Errorf("broker.max_connections must be positive")
	}
	if c.Bridge.MaxThreads < 1 {
		return fmt.Errorf("bridge.max_threads must be positive")
	}
	return nil
}
