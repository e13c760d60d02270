// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the agentloop configuration.
type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Planner   PlannerConfig   `toml:"planner"`
	Session   SessionConfig   `toml:"session"`
	Risk      RiskConfig      `toml:"risk"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Finalize  FinalizeConfig  `toml:"finalize"`
	LLM       LLMConfig       `toml:"llm"`       // Quality-tier synthesis model
	SmallLLM  LLMConfig       `toml:"small_llm"` // Fast-tier synthesis model
	Audit     AuditConfig     `toml:"audit"`
	Snapshot  SnapshotConfig  `toml:"snapshot"` // Optional session crash recovery
	Telemetry TelemetryConfig `toml:"telemetry"`
	Executor  ExecutorConfig  `toml:"executor"`
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// PlannerConfig bounds plan construction.
type PlannerConfig struct {
	MaxSubtasks     int      `toml:"max_subtasks"`
	ValidOperations []string `toml:"valid_operations"` // Empty = every registered operation
}

// SessionConfig holds the caps of every per-session collection.
type SessionConfig struct {
	EntityTTL        int `toml:"entity_ttl_turns"`
	MaxEntities      int `toml:"max_entities"`
	MaxConfirmations int `toml:"max_confirmations"`
	MaxTraces        int `toml:"max_traces"`
	HistoryTurns     int `toml:"history_turns"`
	SummaryChars     int `toml:"summary_chars"`
	MaxToolResults   int `toml:"max_tool_results"`
	MaxConfirmedOps  int `toml:"max_confirmed_ops"`
	SnapshotChars    int `toml:"snapshot_chars"`
}

// RiskConfig configures the risk gate.
type RiskConfig struct {
	DefaultTier     string              `toml:"default_tier"`     // low|medium|high
	Tiers           map[string]string   `toml:"tiers"`            // operation -> tier
	ShellOperations []string            `toml:"shell_operations"` // ops whose "command" param is free text
	DenyPatterns    []string            `toml:"deny_patterns"`    // Extend the built-in deny list
	DryRunPatterns  []string            `toml:"dry_run_patterns"`
	AskOncePatterns []string            `toml:"ask_once_patterns"`
	EditableFields  map[string][]string `toml:"editable_fields"` // HIGH-tier op -> editable params
}

// SandboxConfig configures command execution.
type SandboxConfig struct {
	Shell          string   `toml:"shell"`
	DefaultTimeout string   `toml:"default_timeout"`
	AllowedRoots   []string `toml:"allowed_roots"`
	MaxOutputBytes int64    `toml:"max_output_bytes"`
	MaxCheckpoints int      `toml:"max_checkpoints"`
	CheckpointDir  string   `toml:"checkpoint_dir"`
}

// FinalizeConfig configures reply synthesis.
type FinalizeConfig struct {
	Override            string   `toml:"override"` // "", "fast" or "quality"
	SmalltalkMaxChars   int      `toml:"smalltalk_max_chars"`
	QualityRetries      int      `toml:"quality_retries"`
	QualityMinResults   int      `toml:"quality_min_results"`
	QualityMinChars     int      `toml:"quality_min_chars"`
	EmptyResultPrefixes []string `toml:"empty_result_prefixes"`
	Timeout             string   `toml:"timeout"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
}

// AuditConfig selects audit sinks. Both may be enabled.
type AuditConfig struct {
	Path        string `toml:"path"`
	MaxSizeMB   int    `toml:"max_size_mb"`
	NATSURL     string `toml:"nats_url"`
	NATSSubject string `toml:"nats_subject"`
}

// SnapshotConfig selects where session snapshots are kept.
type SnapshotConfig struct {
	Backend       string `toml:"backend"` // none|file|redis
	Dir           string `toml:"dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
	TTL           string `toml:"ttl"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// ExecutorConfig tunes subtask dispatch.
type ExecutorConfig struct {
	MaxParallel int `toml:"max_parallel"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Planner: PlannerConfig{
			MaxSubtasks: 6,
		},
		Session: SessionConfig{
			EntityTTL:        5,
			MaxEntities:      32,
			MaxConfirmations: 8,
			MaxTraces:        64,
			HistoryTurns:     6,
			SummaryChars:     1200,
			MaxToolResults:   8,
			MaxConfirmedOps:  64,
			SnapshotChars:    4000,
		},
		Risk: RiskConfig{
			DefaultTier:     "medium",
			ShellOperations: []string{"shell"},
			Tiers: map[string]string{
				"rollback": "low",
			},
		},
		Sandbox: SandboxConfig{
			Shell:          "/bin/sh",
			DefaultTimeout: "30s",
			MaxOutputBytes: 1 << 20,
			MaxCheckpoints: 32,
			CheckpointDir:  "~/.local/agentloop/checkpoints",
		},
		Finalize: FinalizeConfig{
			SmalltalkMaxChars:   40,
			QualityRetries:      1,
			QualityMinResults:   2,
			QualityMinChars:     160,
			EmptyResultPrefixes: []string{"list_", "search_", "find_"},
			Timeout:             "45s",
		},
		LLM: LLMConfig{
			MaxTokens: 1024,
		},
		SmallLLM: LLMConfig{
			MaxTokens: 512,
		},
		Audit: AuditConfig{
			MaxSizeMB:   100,
			NATSSubject: "agentloop.audit",
		},
		Snapshot: SnapshotConfig{
			Backend:     "none",
			Dir:         "~/.local/agentloop/sessions",
			RedisPrefix: "agentloop:session:",
			TTL:         "24h",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Executor: ExecutorConfig{
			MaxParallel: 4,
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from agent.toml in the current directory.
// A missing file yields the defaults.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "agent.toml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return LoadFile(path)
}

var validTiers = map[string]bool{"low": true, "medium": true, "high": true}

// Validate rejects configurations that cannot be run.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"planner.max_subtasks":      c.Planner.MaxSubtasks,
		"session.entity_ttl_turns":  c.Session.EntityTTL,
		"session.max_entities":      c.Session.MaxEntities,
		"session.max_confirmations": c.Session.MaxConfirmations,
		"session.max_traces":        c.Session.MaxTraces,
		"session.history_turns":     c.Session.HistoryTurns,
		"session.summary_chars":     c.Session.SummaryChars,
		"session.max_tool_results":  c.Session.MaxToolResults,
		"session.max_confirmed_ops": c.Session.MaxConfirmedOps,
		"session.snapshot_chars":    c.Session.SnapshotChars,
		"sandbox.max_checkpoints":   c.Sandbox.MaxCheckpoints,
		"executor.max_parallel":     c.Executor.MaxParallel,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.Finalize.QualityRetries < 0 {
		errs = append(errs, fmt.Errorf("finalize.quality_retries must not be negative"))
	}

	if !validTiers[c.Risk.DefaultTier] {
		errs = append(errs, fmt.Errorf("risk.default_tier: unknown tier %q", c.Risk.DefaultTier))
	}
	for op, tier := range c.Risk.Tiers {
		if !validTiers[tier] {
			errs = append(errs, fmt.Errorf("risk.tiers.%s: unknown tier %q", op, tier))
		}
	}
	for _, group := range [][]string{c.Risk.DenyPatterns, c.Risk.DryRunPatterns, c.Risk.AskOncePatterns} {
		for _, p := range group {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("risk pattern %q: %w", p, err))
			}
		}
	}

	switch c.Finalize.Override {
	case "", "fast", "quality":
	default:
		errs = append(errs, fmt.Errorf("finalize.override: unknown tier %q", c.Finalize.Override))
	}

	switch c.Snapshot.Backend {
	case "", "none", "file":
	case "redis":
		if c.Snapshot.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("snapshot.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend: unknown backend %q", c.Snapshot.Backend))
	}

	for name, d := range map[string]string{
		"sandbox.default_timeout": c.Sandbox.DefaultTimeout,
		"finalize.timeout":        c.Finalize.Timeout,
		"snapshot.ttl":            c.Snapshot.TTL,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Duration parses a duration setting, falling back when empty or invalid.
// Validate has already rejected invalid values for loaded configs.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// GetAPIKey returns the API key for an LLM config from its environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (l LLMConfig) GetAPIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}
