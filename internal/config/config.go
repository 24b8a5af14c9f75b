// ABOUTME: Configuration loading and parsing for coven-appserver
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves a value unset.
const (
	DefaultBatchLimit      = 100
	DefaultStartTimeout    = 30 * time.Second
	DefaultConversationURL = "http://localhost:3000/conversations/{conversation_id}"
	DefaultSlackAPIURL     = "https://slack.com/api"
)

// Config represents the complete coven-appserver configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Web           WebConfig           `yaml:"web" toml:"web"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Sandbox       SandboxConfig       `yaml:"sandbox" toml:"sandbox"`
	Slack         SlackConfig         `yaml:"slack" toml:"slack"`
	Matrix        MatrixConfig        `yaml:"matrix" toml:"matrix"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // grpc.health.v1 only; empty disables
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// WebConfig holds settings for links back into the web UI
type WebConfig struct {
	// ConversationURL is a template; {conversation_id} is replaced with the dashed id.
	ConversationURL string `yaml:"conversation_url" toml:"conversation_url"`
}

// ConversationsConfig holds conversation router and start settings
type ConversationsConfig struct {
	BatchLimit     int    `yaml:"batch_limit" toml:"batch_limit"`
	AgentServerURL string `yaml:"agent_server_url" toml:"agent_server_url"`

	StartTimeout    time.Duration `yaml:"-" toml:"-"`
	StartTimeoutRaw string        `yaml:"start_timeout" toml:"start_timeout"`
}

// SandboxConfig holds sandbox spec seeding and agent server image settings
type SandboxConfig struct {
	AgentServerImageRepository string              `yaml:"agent_server_image_repository" toml:"agent_server_image_repository"`
	AgentServerImageTag        string              `yaml:"agent_server_image_tag" toml:"agent_server_image_tag"`
	Specs                      []SandboxSpecConfig `yaml:"specs" toml:"specs"`
}

// SandboxSpecConfig describes a sandbox spec seeded into the database on startup
type SandboxSpecConfig struct {
	ID         string            `yaml:"id" toml:"id"`
	Command    []string          `yaml:"command" toml:"command"`
	WorkingDir string            `yaml:"working_dir" toml:"working_dir"`
	InitialEnv map[string]string `yaml:"initial_env" toml:"initial_env"`
}

// SlackConfig holds Slack Web API settings
type SlackConfig struct {
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// MatrixConfig holds Matrix homeserver credentials for the matrix callback processor
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
}

// Enabled reports whether enough Matrix credentials are configured to post messages.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != "" && m.UserID != "" && m.AccessToken != ""
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data), formatFor(path))
}

// Format names a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw configuration content in the given format, applies defaults and validates.
func Parse(content string, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(content)

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
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
	if c.Conversations.BatchLimit == 0 {
		c.Conversations.BatchLimit = DefaultBatchLimit
	}
	if c.Conversations.StartTimeout == 0 {
		c.Conversations.StartTimeout = DefaultStartTimeout
	}
	if c.Web.ConversationURL == "" {
		c.Web.ConversationURL = DefaultConversationURL
	}
	if c.Slack.APIURL == "" {
		c.Slack.APIURL = DefaultSlackAPIURL
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Conversations.BatchLimit < 1 {
		return fmt.Errorf("conversations.batch_limit must be positive, got %d", c.Conversations.BatchLimit)
	}

	if !strings.Contains(c.Web.ConversationURL, "{conversation_id}") {
		return fmt.Errorf("web.conversation_url must contain {conversation_id}")
	}

	seen := make(map[string]bool, len(c.Sandbox.Specs))
	for i, spec := range c.Sandbox.Specs {
		if spec.ID == "" {
			return fmt.Errorf("sandbox.specs[%d].id is required", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("sandbox.specs[%d].id %q is duplicated", i, spec.ID)
		}
		seen[spec.ID] = true
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Conversations.StartTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.Conversations.StartTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing start_timeout %q: %w", cfg.Conversations.StartTimeoutRaw, err)
		}
		cfg.Conversations.StartTimeout = d
	}
	return nil
}
