// Package config provides configuration management for the edge worker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the edge worker.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
	Runners      RunnersConfig      `mapstructure:"runners"`
	Platform     PlatformConfig     `mapstructure:"platform"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds ingest-transport HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"` // in seconds
	SigningSecret   string `mapstructure:"signingSecret"`
	BearerToken     string `mapstructure:"bearerToken"`
	WebhookPath     string `mapstructure:"webhookPath"`
}

// WorkerConfig holds top-level worker identity and durable-state configuration.
type WorkerConfig struct {
	// AgentHandle is the @-mention string used to detect CommentMention events.
	AgentHandle string `mapstructure:"agentHandle"`
	// StateDir is the directory holding edge-worker-state.json and active-work.json.
	StateDir string `mapstructure:"stateDir"`
	// PersistDebounceMillis is how long the persistence loop waits while dirty before
	// coalescing into a single write.
	PersistDebounceMillis int `mapstructure:"persistDebounceMillis"`
	// ToolErrorEscalation controls whether recoverable tool-command errors can
	// ever be escalated to session-fatal. Only "never" is implemented.
	ToolErrorEscalation string `mapstructure:"toolErrorEscalation"`
}

// RepositoryConfig describes one configured repository the worker can spawn
// sessions against. Immutable after load.
type RepositoryConfig struct {
	ID                 string            `mapstructure:"id"`
	DisplayName        string            `mapstructure:"displayName"`
	Path               string            `mapstructure:"path"`
	WorkspaceBaseDir   string            `mapstructure:"workspaceBaseDir"`
	BaseBranch         string            `mapstructure:"baseBranch"`
	PlatformWorkspaceID string           `mapstructure:"platformWorkspaceId"`
	CredentialHandle   string            `mapstructure:"credentialHandle"`
	Active             bool              `mapstructure:"active"`
	AllowedTools       []string          `mapstructure:"allowedTools"`
	DisallowedTools    []string          `mapstructure:"disallowedTools"`
	TeamKeys           []string          `mapstructure:"teamKeys"`
	DefaultRunner      string            `mapstructure:"defaultRunner"`
	DefaultModel       string            `mapstructure:"defaultModel"`
	ApprovalMode       string            `mapstructure:"approvalMode"`
	SandboxLevel       string            `mapstructure:"sandboxLevel"`
	LabelPrompts       []LabelPromptRule `mapstructure:"labelPrompts"`
}

// LabelPromptRule maps a work-item label to a named prompt template and,
// optionally, a runner flavor override.
type LabelPromptRule struct {
	Label    string `mapstructure:"label"`
	Template string `mapstructure:"template"`
	Runner   string `mapstructure:"runner"`
	Model    string `mapstructure:"model"`
}

// RunnersConfig holds per-flavor runner defaults and named prompt templates.
type RunnersConfig struct {
	ClaudeCode RunnerFlavorConfig          `mapstructure:"claudeCode"`
	Codex      RunnerFlavorConfig          `mapstructure:"codex"`
	ACP        RunnerFlavorConfig          `mapstructure:"acp"`
	Templates  map[string]string          `mapstructure:"templates"`
}

// RunnerFlavorConfig holds the binary path and default argv flags for one runner flavor.
type RunnerFlavorConfig struct {
	BinaryPath string   `mapstructure:"binaryPath"`
	ExtraArgs  []string `mapstructure:"extraArgs"`
}

// PlatformConfig holds the credentials and base URL for the external
// issue-tracking platform's REST API (work items, attachments, activities) —
// distinct from ServerConfig, which is this worker's own inbound webhook.
type PlatformConfig struct {
	BaseURL     string `mapstructure:"baseUrl"`
	BearerToken string `mapstructure:"bearerToken"`
}

// NATSConfig holds NATS messaging configuration for the internal event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuditConfig controls the optional SQLite-backed audit mirror.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PersistDebounce returns the persistence-loop debounce interval as a time.Duration.
func (w *WorkerConfig) PersistDebounce() time.Duration {
	return time.Duration(w.PersistDebounceMillis) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("EDGEWORKER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.webhookPath", "/webhooks/platform")

	v.SetDefault("worker.agentHandle", "@agent")
	v.SetDefault("worker.stateDir", "./.edgeworker")
	v.SetDefault("worker.persistDebounceMillis", 500)
	v.SetDefault("worker.toolErrorEscalation", "never")

	v.SetDefault("runners.claudeCode.binaryPath", "claude")
	v.SetDefault("runners.codex.binaryPath", "codex")
	v.SetDefault("runners.acp.binaryPath", "")

	v.SetDefault("platform.baseUrl", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "edgeworker-cluster")
	v.SetDefault("nats.clientId", "edgeworker-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", "./.edgeworker/edge-worker-audit.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix EDGEWORKER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/edgeworker/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("EDGEWORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.signingSecret", "EDGEWORKER_SERVER_SIGNING_SECRET", "EDGEWORKER_WEBHOOK_SECRET")
	_ = v.BindEnv("platform.bearerToken", "EDGEWORKER_PLATFORM_TOKEN")
	_ = v.BindEnv("worker.agentHandle", "EDGEWORKER_AGENT_HANDLE")
	_ = v.BindEnv("worker.stateDir", "EDGEWORKER_STATE_DIR")
	_ = v.BindEnv("logging.level", "EDGEWORKER_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/edgeworker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set. It does
// not check for ambiguous team-key routing across active repositories; that
// is reported separately by AmbiguousTeamKeys and never rejects the config.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	seen := make(map[string]bool, len(cfg.Repositories))
	for _, r := range cfg.Repositories {
		if r.ID == "" {
			errs = append(errs, "repositories[].id is required")
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("duplicate repository id %q", r.ID))
		}
		seen[r.ID] = true
	}

	if cfg.Worker.ToolErrorEscalation != "never" {
		errs = append(errs, "worker.toolErrorEscalation only supports \"never\" in this version")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// AmbiguousTeamKeys returns team keys that are claimed by more than one
// active repository, so the caller can log a startup warning (see DESIGN.md
// for why this is a warning, not a load-time rejection).
func (c *Config) AmbiguousTeamKeys() []string {
	owners := make(map[string]int)
	for _, r := range c.Repositories {
		if !r.Active {
			continue
		}
		for _, tk := range r.TeamKeys {
			owners[tk]++
		}
	}
	var ambiguous []string
	for tk, n := range owners {
		if n > 1 {
			ambiguous = append(ambiguous, tk)
		}
	}
	return ambiguous
}

// RepositoryByTeamKey returns the first active repository whose TeamKeys
// contains the given key, per the "first active wins" routing rule.
func (c *Config) RepositoryByTeamKey(teamKey string) (*RepositoryConfig, bool) {
	for i := range c.Repositories {
		r := &c.Repositories[i]
		if !r.Active {
			continue
		}
		for _, tk := range r.TeamKeys {
			if tk == teamKey {
				return r, true
			}
		}
	}
	return nil, false
}
