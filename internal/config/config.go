// Package config provides configuration parsing and validation for Remote Desk.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	API    APIConfig    `yaml:"api"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains control-channel listener settings.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`  // control channel HTTP listener
	ControlPath string `yaml:"control_path"` // websocket upgrade path
}

// APIConfig contains management API settings.
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig contains the shared agent credential.
// AgentTokenHash is a bcrypt hash and takes precedence over AgentToken.
// A plaintext AgentToken is accepted for development setups.
type AuthConfig struct {
	AgentToken     string `yaml:"agent_token"`
	AgentTokenHash string `yaml:"agent_token_hash"`
}

// TunnelConfig contains relay listener and port pool settings.
type TunnelConfig struct {
	RelayAddr        string        `yaml:"relay_addr"`        // machine-side relay listener
	AdvertiseHost    string        `yaml:"advertise_host"`    // host reported to machines and operators
	PortBase         int           `yaml:"port_base"`         // first operator port
	PortCount        int           `yaml:"port_count"`        // size of operator port range
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // relay handshake line deadline
	PendingTimeout   time.Duration `yaml:"pending_timeout"`   // reclaim port if machine never connects
	Bandwidth        string        `yaml:"bandwidth"`         // per-tunnel cap, e.g. "2 MB"; "0" = unlimited
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8443",
			ControlPath: "/ws",
		},
		API: APIConfig{
			ListenAddr:   "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Tunnel: TunnelConfig{
			RelayAddr:        ":7000",
			AdvertiseHost:    "127.0.0.1",
			PortBase:         7100,
			PortCount:        200,
			HandshakeTimeout: 10 * time.Second,
			PendingTimeout:   30 * time.Second,
			Bandwidth:        "0",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}
	if c.Server.ControlPath == "" || !strings.HasPrefix(c.Server.ControlPath, "/") {
		errs = append(errs, "server.control_path must be an absolute path")
	}

	if c.API.ListenAddr == "" {
		errs = append(errs, "api.listen_addr is required")
	}

	if c.Auth.AgentToken == "" && c.Auth.AgentTokenHash == "" {
		errs = append(errs, "auth.agent_token or auth.agent_token_hash is required")
	}

	if c.Tunnel.RelayAddr == "" {
		errs = append(errs, "tunnel.relay_addr is required")
	}
	if c.Tunnel.PortBase < 1024 {
		errs = append(errs, "tunnel.port_base must be >= 1024")
	}
	if c.Tunnel.PortCount < 1 {
		errs = append(errs, "tunnel.port_count must be positive")
	}
	if c.Tunnel.PortBase+c.Tunnel.PortCount > 65536 {
		errs = append(errs, "tunnel.port_base + tunnel.port_count must not exceed 65536")
	}
	if c.Tunnel.HandshakeTimeout <= 0 {
		errs = append(errs, "tunnel.handshake_timeout must be positive")
	}
	if _, err := c.BandwidthBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("tunnel.bandwidth: %v", err))
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// BandwidthBytes parses the per-tunnel bandwidth cap into bytes per second.
// Returns 0 for "0", "" or "unlimited".
func (c *Config) BandwidthBytes() (int64, error) {
	s := strings.TrimSpace(c.Tunnel.Bandwidth)
	switch s {
	case "", "0", "unlimited":
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.AgentToken != "" {
		redacted.Auth.AgentToken = redactedValue
	}
	if redacted.Auth.AgentTokenHash != "" {
		redacted.Auth.AgentTokenHash = redactedValue
	}

	return redacted
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
