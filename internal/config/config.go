package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Session  SessionConfig  `yaml:"session"`
	Limits   LimitsConfig   `yaml:"limits"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port             int     `yaml:"port"`
	BindAddress      string  `yaml:"bind_address"`
	WSPath           string  `yaml:"ws_path"`
	HandshakeTimeout float64 `yaml:"handshake_timeout"` // seconds
	ReadBufferSize   int     `yaml:"read_buffer_size"`
	WriteBufferSize  int     `yaml:"write_buffer_size"`
}

// HTTPConfig contains the admin/metrics HTTP server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// SessionConfig contains per-session ingestion parameters
type SessionConfig struct {
	WindowBytes      int     `yaml:"window_bytes"`
	MaxFragmentBytes int     `yaml:"max_fragment_bytes"`
	QueueCapacity    int     `yaml:"queue_capacity"`
	OverflowPolicy   string  `yaml:"overflow_policy"` // "block" or "drop_oldest"
	BlockTimeout     float64 `yaml:"block_timeout"`   // seconds
	DrainTimeout     float64 `yaml:"drain_timeout"`   // seconds
	IdleTimeout      float64 `yaml:"idle_timeout"`    // seconds
	SampleRate       int     `yaml:"sample_rate"`
}

// LimitsConfig contains service-wide admission limits
type LimitsConfig struct {
	MaxSessions   int     `yaml:"max_sessions"`
	ShutdownGrace float64 `yaml:"shutdown_grace"` // seconds
}

// PipelineConfig contains processing pipeline configuration
type PipelineConfig struct {
	Mode          string  `yaml:"mode"` // "echo" or "http"
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Timeout       float64 `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	Format        string  `yaml:"format"` // "raw" or "wav"
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration used when no config file
// is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			BindAddress:      "0.0.0.0",
			WSPath:           "/ws",
			HandshakeTimeout: 5,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		HTTP: HTTPConfig{
			Port:    8081,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Session: SessionConfig{
			WindowBytes:      3200,
			MaxFragmentBytes: 65536,
			QueueCapacity:    32,
			OverflowPolicy:   "block",
			BlockTimeout:     5,
			DrainTimeout:     10,
			IdleTimeout:      60,
			SampleRate:       8000,
		},
		Limits: LimitsConfig{
			MaxSessions:   256,
			ShutdownGrace: 15,
		},
		Pipeline: PipelineConfig{
			Mode:          "echo",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
			Format:        "raw",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.WSPath == "" || s.WSPath[0] != '/' {
		return fmt.Errorf("ws_path must start with '/', got %q", s.WSPath)
	}

	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %f", s.HandshakeTimeout)
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.WriteBufferSize < 1024 {
		return fmt.Errorf("write_buffer_size must be at least 1024 bytes, got %d", s.WriteBufferSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.WindowBytes < 1 {
		return fmt.Errorf("window_bytes must be at least 1, got %d", s.WindowBytes)
	}

	if s.MaxFragmentBytes < 1 {
		return fmt.Errorf("max_fragment_bytes must be at least 1, got %d", s.MaxFragmentBytes)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", s.QueueCapacity)
	}

	if s.OverflowPolicy != "block" && s.OverflowPolicy != "drop_oldest" {
		return fmt.Errorf("overflow_policy must be 'block' or 'drop_oldest', got '%s'", s.OverflowPolicy)
	}

	if s.BlockTimeout <= 0 {
		return fmt.Errorf("block_timeout must be positive, got %f", s.BlockTimeout)
	}

	if s.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive, got %f", s.DrainTimeout)
	}

	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %f", s.IdleTimeout)
	}

	if s.SampleRate != 8000 && s.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 8000 or 16000 Hz, got %d", s.SampleRate)
	}

	return nil
}

// Validate validates limits configuration
func (l *LimitsConfig) Validate() error {
	if l.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", l.MaxSessions)
	}

	if l.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive, got %f", l.ShutdownGrace)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.Mode != "echo" && p.Mode != "http" {
		return fmt.Errorf("mode must be 'echo' or 'http', got '%s'", p.Mode)
	}

	if p.Mode == "http" {
		if p.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty in http mode")
		}

		if p.Timeout <= 0 {
			return fmt.Errorf("timeout must be positive, got %f", p.Timeout)
		}

		if p.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", p.MaxRetries)
		}

		if p.MaxConcurrent < 1 {
			return fmt.Errorf("max_concurrent must be at least 1, got %d", p.MaxConcurrent)
		}

		if p.Format != "raw" && p.Format != "wav" {
			return fmt.Errorf("format must be 'raw' or 'wav', got '%s'", p.Format)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetHandshakeTimeout returns the handshake timeout as a time.Duration
func (s *ServerConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeout * float64(time.Second))
}

// GetBlockTimeout returns the backpressure block timeout as a time.Duration
func (s *SessionConfig) GetBlockTimeout() time.Duration {
	return time.Duration(s.BlockTimeout * float64(time.Second))
}

// GetDrainTimeout returns the drain timeout as a time.Duration
func (s *SessionConfig) GetDrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeout * float64(time.Second))
}

// GetIdleTimeout returns the idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout * float64(time.Second))
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration
func (l *LimitsConfig) GetShutdownGrace() time.Duration {
	return time.Duration(l.ShutdownGrace * float64(time.Second))
}

// GetTimeoutDuration returns the pipeline timeout as a time.Duration
func (p *PipelineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout * float64(time.Second))
}
