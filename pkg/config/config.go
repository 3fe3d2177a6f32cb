package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults
const (
	DefaultControlAddr        = ":7000"
	DefaultProxyAddr          = ":7001"
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultHeartbeatTimeout   = 10 * time.Second
	DefaultBufferSize         = 64 * 1024
	DefaultMaxPendingMessages = 64
	DefaultAcceptBacklog      = 128
	DefaultLingerTimeout      = 5 * time.Second
	DefaultMetricsAddr        = ":9100"
	DefaultReportInterval     = 30 * time.Second
)

// minBufferSize fits one frame carrying the largest fixed-size control
// message, so a control round trip always fits a connection buffer.
const minBufferSize = 64

// Config represents the main configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig represents the configuration for the relay server
type ServerConfig struct {
	ControlAddr        string        `yaml:"control_addr"`
	ProxyAddr          string        `yaml:"proxy_addr"`
	PublicHost         string        `yaml:"public_host"`
	Password           string        `yaml:"password"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	MaxPendingMessages int           `yaml:"max_pending_messages"`
	AcceptBacklog      int           `yaml:"accept_backlog"`
	LingerTimeout      time.Duration `yaml:"linger_timeout"`
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig represents the configuration for the metrics endpoint
type MetricsConfig struct {
	// Empty disables the HTTP endpoint.
	ListenAddr string `yaml:"listen_addr"`
	// Zero disables the periodic performance log line.
	ReportInterval time.Duration `yaml:"report_interval"`
}

var conf *Config

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	conf = &config

	return &config, nil
}

// GetConfig returns the most recently loaded configuration
func GetConfig() *Config {
	return conf
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{
		Metrics: MetricsConfig{
			ListenAddr:     DefaultMetricsAddr,
			ReportInterval: DefaultReportInterval,
		},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero server values with defaults. Metrics settings keep
// their zero values, which disable the corresponding feature.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	if s.ControlAddr == "" {
		s.ControlAddr = DefaultControlAddr
	}
	if s.ProxyAddr == "" {
		s.ProxyAddr = DefaultProxyAddr
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.BufferSize == 0 {
		s.BufferSize = DefaultBufferSize
	}
	if s.MaxPendingMessages == 0 {
		s.MaxPendingMessages = DefaultMaxPendingMessages
	}
	if s.AcceptBacklog == 0 {
		s.AcceptBacklog = DefaultAcceptBacklog
	}
	if s.LingerTimeout == 0 {
		s.LingerTimeout = DefaultLingerTimeout
	}
}

// Validate checks the server configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	s := c.Server
	if s.Password == "" {
		return errors.New("server.password is required")
	}
	if s.BufferSize < minBufferSize {
		return fmt.Errorf("server.buffer_size must be at least %d, got %d", minBufferSize, s.BufferSize)
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat_interval must be positive, got %s", s.HeartbeatInterval)
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		return fmt.Errorf("server.heartbeat_timeout (%s) must exceed server.heartbeat_interval (%s)", s.HeartbeatTimeout, s.HeartbeatInterval)
	}
	if s.MaxPendingMessages < 1 {
		return fmt.Errorf("server.max_pending_messages must be positive, got %d", s.MaxPendingMessages)
	}
	if s.AcceptBacklog < 1 {
		return fmt.Errorf("server.accept_backlog must be positive, got %d", s.AcceptBacklog)
	}
	if s.LingerTimeout < 0 {
		return fmt.Errorf("server.linger_timeout must not be negative, got %s", s.LingerTimeout)
	}
	return nil
}
