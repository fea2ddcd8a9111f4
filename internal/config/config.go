// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultMessageLimit      = 2000
	DefaultThreadNameLength  = 20
	DefaultThinkingMessage   = "🤔 Thinking..."
	DefaultAgentBinary       = "claude"
	DefaultInvocationTimeout = 30 * time.Minute
	DefaultSendRate          = 5.0
	DefaultSendBurst         = 10
	MinJWTSecretLength       = 32
)

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// MatrixConfig holds Matrix homeserver credentials and room filtering.
// Either AccessToken or Username/Password must be set.
type MatrixConfig struct {
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	UserID          string   `yaml:"user_id" toml:"user_id"`
	AccessToken     string   `yaml:"access_token" toml:"access_token"`
	Username        string   `yaml:"username" toml:"username"`
	Password        string   `yaml:"password" toml:"password"`
	DeviceID        string   `yaml:"device_id" toml:"device_id"`
	RecoveryKey     string   `yaml:"recovery_key" toml:"recovery_key"`
	Encryption      bool     `yaml:"encryption" toml:"encryption"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	TypingIndicator bool     `yaml:"typing_indicator" toml:"typing_indicator"`
	SendRate        float64  `yaml:"send_rate" toml:"send_rate"`   // messages per second
	SendBurst       int      `yaml:"send_burst" toml:"send_burst"` // burst allowance
}

// AgentConfig controls how the agent CLI is invoked
type AgentConfig struct {
	Binary         string   `yaml:"binary" toml:"binary"`
	Model          string   `yaml:"model" toml:"model"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`
	SystemPrompt   string   `yaml:"system_prompt" toml:"system_prompt"`
	ExtraArgs      []string `yaml:"extra_args" toml:"extra_args"`

	InvocationTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	InvocationTimeoutRaw string `yaml:"invocation_timeout" toml:"invocation_timeout"`
}

// RelayConfig holds turn-handling behavior
type RelayConfig struct {
	MessageLimit      int    `yaml:"message_limit" toml:"message_limit"`
	ThreadNameLength  int    `yaml:"thread_name_length" toml:"thread_name_length"`
	RequireMention    bool   `yaml:"require_mention" toml:"require_mention"`
	ThinkingMessage   string `yaml:"thinking_message" toml:"thinking_message"`
	DefaultWorkingDir string `yaml:"default_working_dir" toml:"default_working_dir"`

	Rooms []RoomConfig `yaml:"rooms" toml:"rooms"`
}

// RoomConfig overrides relay behavior for a single room (channel)
type RoomConfig struct {
	ID         string `yaml:"id" toml:"id"`
	WorkingDir string `yaml:"working_dir" toml:"working_dir"`
	// Batch delivers only the final response of each turn
	Batch bool `yaml:"batch" toml:"batch"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ServerConfig holds admin server addresses. Empty addresses disable the listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// AuthConfig holds authentication configuration for the admin API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agent.Binary == "" {
		c.Agent.Binary = DefaultAgentBinary
	}
	if c.Agent.InvocationTimeout == 0 {
		c.Agent.InvocationTimeout = DefaultInvocationTimeout
	}
	if c.Relay.MessageLimit == 0 {
		c.Relay.MessageLimit = DefaultMessageLimit
	}
	if c.Relay.ThreadNameLength == 0 {
		c.Relay.ThreadNameLength = DefaultThreadNameLength
	}
	if c.Relay.ThinkingMessage == "" {
		c.Relay.ThinkingMessage = DefaultThinkingMessage
	}
	if c.Matrix.SendRate == 0 {
		c.Matrix.SendRate = DefaultSendRate
	}
	if c.Matrix.SendBurst == 0 {
		c.Matrix.SendBurst = DefaultSendBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}

	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
	}
	if c.Matrix.AccessToken != "" && c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required with matrix.access_token")
	}
	if c.Matrix.SendRate < 0 || c.Matrix.SendBurst < 0 {
		return fmt.Errorf("matrix.send_rate and matrix.send_burst must not be negative")
	}

	if c.Relay.MessageLimit < 100 {
		return fmt.Errorf("relay.message_limit must be at least 100, got %d", c.Relay.MessageLimit)
	}
	if c.Relay.ThreadNameLength < 1 {
		return fmt.Errorf("relay.thread_name_length must be positive")
	}
	seen := make(map[string]bool, len(c.Relay.Rooms))
	for i, room := range c.Relay.Rooms {
		if room.ID == "" {
			return fmt.Errorf("relay.rooms[%d].id is required", i)
		}
		if seen[room.ID] {
			return fmt.Errorf("relay.rooms[%d]: duplicate room %q", i, room.ID)
		}
		seen[room.ID] = true
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// Room returns the per-room override for roomID, if any.
func (c *Config) Room(roomID string) (RoomConfig, bool) {
	for _, r := range c.Relay.Rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return RoomConfig{}, false
}

// WorkingDirFor returns the working directory for new sessions in roomID.
func (c *Config) WorkingDirFor(roomID string) string {
	if r, ok := c.Room(roomID); ok && r.WorkingDir != "" {
		return r.WorkingDir
	}
	return c.Relay.DefaultWorkingDir
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Agent.InvocationTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Agent.InvocationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing invocation_timeout %q: %w", cfg.Agent.InvocationTimeoutRaw, err)
		}
		if d < 0 {
			return fmt.Errorf("invocation_timeout must not be negative")
		}
		cfg.Agent.InvocationTimeout = d
	}
	return nil
}
