// Package config provides configuration parsing and validation for ntied-core.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Transport  TransportConfig  `yaml:"transport"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Timers     TimersConfig     `yaml:"timers"`
	Limits     LimitsConfig     `yaml:"limits"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// NodeConfig holds this node's identity and logging settings.
type NodeConfig struct {
	// IdentityKeyPath is the file holding the node's PKCS#8 PEM long-term
	// private key. If the file does not exist, a key is generated and
	// written there on first run.
	IdentityKeyPath string `yaml:"identity_key_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TransportConfig controls the local UDP socket.
type TransportConfig struct {
	// BindAddress is the local UDP address to listen on, e.g. "0.0.0.0:0"
	// to let the kernel choose an ephemeral port.
	BindAddress string `yaml:"bind_address"`

	// InboundRateLimit bounds inbound packets per second per source
	// address, using a token bucket per source.
	InboundRateLimit float64 `yaml:"inbound_rate_limit"`
	InboundRateBurst  int     `yaml:"inbound_rate_burst"`
}

// RendezvousConfig controls this node's use of a rendezvous server for
// address discovery.
type RendezvousConfig struct {
	// ServerAddress is the rendezvous server's UDP address. The connect and
	// chat commands do not read it; they take the server address from their
	// --rendezvous flag and use direct addresses when that flag is empty.
	ServerAddress string `yaml:"server_address"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// TimersConfig holds the connection-level timing constants.
type TimersConfig struct {
	HandshakeRetryInterval time.Duration `yaml:"handshake_retry_interval"`
	HandshakeMaxRetries    int           `yaml:"handshake_max_retries"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	RotationInterval time.Duration `yaml:"rotation_interval"`
	RotationTimeout  time.Duration `yaml:"rotation_timeout"`

	// ContactRequestInterval is how often a PendingOutgoing contact
	// session resends its Contact::Request while awaiting acceptance.
	ContactRequestInterval time.Duration `yaml:"contact_request_interval"`

	// ContactConnectTimeout is carried in the configuration, but
	// contact.Session does not read it: a session waits for the outbound
	// dial or an inbound SetConnection with no time limit, and does not
	// retry a dial that failed.
	ContactConnectTimeout time.Duration `yaml:"contact_connect_timeout"`
}

// LimitsConfig bounds resource usage.
type LimitsConfig struct {
	MaxConnections     int `yaml:"max_connections"`
	MaxPendingHandshakes int `yaml:"max_pending_handshakes"`
	SendQueueSize      int `yaml:"send_queue_size"`
	RecvBufferSize     int `yaml:"recv_buffer_size"`
}

// HTTPConfig controls the optional metrics/debug HTTP endpoint.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultTimersConfig returns the timer values the connection state machine
// uses absent any configuration.
func DefaultTimersConfig() TimersConfig {
	return TimersConfig{
		HandshakeRetryInterval: 100 * time.Millisecond,
		HandshakeMaxRetries:    20,

		HeartbeatInterval: 750 * time.Millisecond,
		HeartbeatTimeout:  3 * time.Second,

		RotationInterval: 15 * time.Minute,
		RotationTimeout:  3 * time.Second,

		ContactRequestInterval: time.Second,
		ContactConnectTimeout:  10 * time.Second,
	}
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			IdentityKeyPath: "./identity.pem",
			LogLevel:        "info",
			LogFormat:       "text",
		},
		Transport: TransportConfig{
			BindAddress:      "0.0.0.0:0",
			InboundRateLimit: 200,
			InboundRateBurst: 400,
		},
		Rendezvous: RendezvousConfig{
			HeartbeatInterval: 8 * time.Second,
			RequestTimeout:    32 * time.Second,
		},
		Timers: DefaultTimersConfig(),
		Limits: LimitsConfig{
			MaxConnections:       10000,
			MaxPendingHandshakes: 1000,
			SendQueueSize:        256,
			RecvBufferSize:       2048,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default and
// overlaying whatever the document sets.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or ${VAR:-default} patterns.
var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarRegex.FindStringSubmatch(match)
		name := groups[1]
		defaultVal := ""
		if len(groups[2]) > 2 {
			defaultVal = groups[2][2:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return defaultVal
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.IdentityKeyPath == "" {
		errs = append(errs, "node.identity_key_path is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Transport.BindAddress == "" {
		errs = append(errs, "transport.bind_address is required")
	}
	if c.Transport.InboundRateLimit <= 0 {
		errs = append(errs, "transport.inbound_rate_limit must be positive")
	}

	if c.Timers.HandshakeMaxRetries < 1 {
		errs = append(errs, "timers.handshake_max_retries must be positive")
	}
	if c.Timers.HeartbeatTimeout <= c.Timers.HeartbeatInterval {
		errs = append(errs, "timers.heartbeat_timeout must exceed heartbeat_interval")
	}

	if c.Limits.MaxConnections < 1 {
		errs = append(errs, "limits.max_connections must be positive")
	}
	if c.Limits.SendQueueSize < 1 {
		errs = append(errs, "limits.send_queue_size must be positive")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
