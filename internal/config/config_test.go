package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config should validate, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "invalid server port",
			mutate: func(c *Config) {
				c.Server.Port = 70000
			},
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name: "ws path without leading slash",
			mutate: func(c *Config) {
				c.Server.WSPath = "ws"
			},
			expectError: true,
			errorMsg:    "ws_path must start with '/'",
		},
		{
			name: "invalid overflow policy",
			mutate: func(c *Config) {
				c.Session.OverflowPolicy = "drop_newest"
			},
			expectError: true,
			errorMsg:    "overflow_policy must be 'block' or 'drop_oldest'",
		},
		{
			name: "zero window bytes",
			mutate: func(c *Config) {
				c.Session.WindowBytes = 0
			},
			expectError: true,
			errorMsg:    "window_bytes must be at least 1",
		},
		{
			name: "invalid sample rate",
			mutate: func(c *Config) {
				c.Session.SampleRate = 44100
			},
			expectError: true,
			errorMsg:    "sample_rate must be 8000 or 16000 Hz",
		},
		{
			name: "zero max sessions",
			mutate: func(c *Config) {
				c.Limits.MaxSessions = 0
			},
			expectError: true,
			errorMsg:    "max_sessions must be at least 1",
		},
		{
			name: "http mode without endpoint",
			mutate: func(c *Config) {
				c.Pipeline.Mode = "http"
				c.Pipeline.Endpoint = ""
			},
			expectError: true,
			errorMsg:    "endpoint cannot be empty in http mode",
		},
		{
			name: "unknown pipeline mode",
			mutate: func(c *Config) {
				c.Pipeline.Mode = "grpc"
			},
			expectError: true,
			errorMsg:    "mode must be 'echo' or 'http'",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Logging.Level = "trace"
			},
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  port: 9090
  bind_address: "127.0.0.1"
  ws_path: "/ws"
session:
  window_bytes: 600
  queue_capacity: 8
  overflow_policy: "drop_oldest"
limits:
  max_sessions: 2
pipeline:
  mode: "echo"
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: 9090
  read_buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid value fails validation",
			configYAML: `
session:
  overflow_policy: "panic"
`,
			expectError: true,
			errorMsg:    "overflow_policy must be 'block' or 'drop_oldest'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadAppliesDefaults(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	partial := `
server:
  port: 9090
`
	if err := os.WriteFile(configPath, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Server.Port != 9090 {
		t.Errorf("Expected overridden port 9090, got %d", config.Server.Port)
	}
	if config.Session.WindowBytes != Default().Session.WindowBytes {
		t.Errorf("Expected default window_bytes, got %d", config.Session.WindowBytes)
	}
	if config.Pipeline.Mode != "echo" {
		t.Errorf("Expected default pipeline mode echo, got %s", config.Pipeline.Mode)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{HandshakeTimeout: 2.5}
	if server.GetHandshakeTimeout() != 2500*time.Millisecond {
		t.Errorf("Expected 2.5 seconds, got %v", server.GetHandshakeTimeout())
	}

	session := SessionConfig{
		BlockTimeout: 0.5,
		DrainTimeout: 10,
		IdleTimeout:  60,
	}

	if session.GetBlockTimeout() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", session.GetBlockTimeout())
	}
	if session.GetDrainTimeout() != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", session.GetDrainTimeout())
	}
	if session.GetIdleTimeout() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", session.GetIdleTimeout())
	}

	limits := LimitsConfig{ShutdownGrace: 15}
	if limits.GetShutdownGrace() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", limits.GetShutdownGrace())
	}

	pipeline := PipelineConfig{Timeout: 30}
	if pipeline.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", pipeline.GetTimeoutDuration())
	}
}

func TestServerConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config ServerConfig
		valid  bool
	}{
		{
			name: "valid config",
			config: ServerConfig{
				Port:             8080,
				BindAddress:      "0.0.0.0",
				WSPath:           "/ws",
				HandshakeTimeout: 5,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
			},
			valid: true,
		},
		{
			name: "port too low",
			config: ServerConfig{
				Port:             0,
				BindAddress:      "0.0.0.0",
				WSPath:           "/ws",
				HandshakeTimeout: 5,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
			},
			valid: false,
		},
		{
			name: "empty bind address",
			config: ServerConfig{
				Port:             8080,
				BindAddress:      "",
				WSPath:           "/ws",
				HandshakeTimeout: 5,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
			},
			valid: false,
		},
		{
			name: "read buffer too small",
			config: ServerConfig{
				Port:             8080,
				BindAddress:      "0.0.0.0",
				WSPath:           "/ws",
				HandshakeTimeout: 5,
				ReadBufferSize:   512,
				WriteBufferSize:  4096,
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name: "valid json to stdout",
			config: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			valid: true,
		},
		{
			name: "valid text to stderr",
			config: LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "stderr",
			},
			valid: true,
		},
		{
			name: "invalid log level",
			config: LoggingConfig{
				Level:  "trace",
				Format: "json",
				Output: "stdout",
			},
			valid: false,
		},
		{
			name: "invalid format",
			config: LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

// Helper function to check if a string contains a substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > len(substr) && findSubstring(s, substr)))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
