// Package config loads engine configuration from YAML with defaults and
// CLI-flag overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GitConfig controls clone behaviour.
type GitConfig struct {
	// Shallow enables depth-1 clones.
	Shallow bool `yaml:"shallow"`

	// SparsePaths enables a narrow checkout restricted to these paths.
	SparsePaths []string `yaml:"sparse_paths"`

	// CloneTimeout bounds a single clone attempt.
	CloneTimeout time.Duration `yaml:"clone_timeout"`
}

// AgentConfig controls agent execution.
type AgentConfig struct {
	// BinaryPath is the agent CLI binary (local mode).
	BinaryPath string `yaml:"binary_path"`

	// BaseURL selects the hosted-session backend (remote mode). Empty
	// means local CLI execution.
	BaseURL string `yaml:"base_url"`

	// MaxTurns bounds one agent run.
	MaxTurns int `yaml:"max_turns"`

	// MaxAttempts bounds agent retries per task.
	MaxAttempts int `yaml:"max_attempts"`

	// AttemptTimeout is the hard per-attempt deadline.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// AttemptDelays is the fixed (not exponential) backoff schedule
	// between agent attempts. Agent runs are expensive, so the schedule
	// is short and explicit.
	AttemptDelays []time.Duration `yaml:"attempt_delays"`

	// AllowedTools restricts the tools offered to the agent.
	AllowedTools []string `yaml:"allowed_tools"`
}

// BreakerConfig controls the agent-backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DeadLetterConfig controls the dead-letter queue.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// ValidatorConfig holds the response-validation thresholds. These are
// empirical heuristics, kept configurable rather than hard-coded.
type ValidatorConfig struct {
	// InvestigationToolCalls is the tool-call budget under which a
	// no-change run counts as legitimate investigation.
	InvestigationToolCalls int `yaml:"investigation_tool_calls"`

	// ExcessiveToolCalls is the bound above which a no-change run is
	// unproductive effort rather than investigation.
	ExcessiveToolCalls int `yaml:"excessive_tool_calls"`

	// Stall detection: runs shorter than StallDuration with fewer than
	// StallTurns turns and StallToolCalls tool calls are suspicious.
	StallDuration  time.Duration `yaml:"stall_duration"`
	StallTurns     int           `yaml:"stall_turns"`
	StallToolCalls int           `yaml:"stall_tool_calls"`
}

// Config represents engine configuration options.
type Config struct {
	// WorkspaceRoot is where per-task workspaces are allocated.
	WorkspaceRoot string `yaml:"workspace_root"`

	// Concurrency is the maximum number of tasks resolved in parallel.
	Concurrency int `yaml:"concurrency"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	Git        GitConfig        `yaml:"git"`
	Agent      AgentConfig      `yaml:"agent"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Validator  ValidatorConfig  `yaml:"validator"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceRoot: filepath.Join(os.TempDir(), "autodev"),
		Concurrency:   2,
		LogLevel:      "info",
		Git: GitConfig{
			Shallow:      true,
			CloneTimeout: 5 * time.Minute,
		},
		Agent: AgentConfig{
			BinaryPath:     "claude",
			MaxTurns:       100,
			MaxAttempts:    3,
			AttemptTimeout: 30 * time.Minute,
			AttemptDelays:  []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
			AllowedTools:   []string{"Read", "Edit", "Write", "Bash", "Grep", "Glob"},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
			DBPath:  filepath.Join(os.TempDir(), "autodev", "deadletter.db"),
		},
		Validator: ValidatorConfig{
			InvestigationToolCalls: 15,
			ExcessiveToolCalls:     30,
			StallDuration:          5 * time.Second,
			StallTurns:             2,
			StallToolCalls:         3,
		},
	}
}

// yamlConfig mirrors Config with string durations, since YAML has no
// native duration type.
type yamlConfig struct {
	WorkspaceRoot string `yaml:"workspace_root"`
	Concurrency   int    `yaml:"concurrency"`
	LogLevel      string `yaml:"log_level"`

	Git struct {
		Shallow      *bool    `yaml:"shallow"`
		SparsePaths  []string `yaml:"sparse_paths"`
		CloneTimeout string   `yaml:"clone_timeout"`
	} `yaml:"git"`

	Agent struct {
		BinaryPath     string   `yaml:"binary_path"`
		BaseURL        string   `yaml:"base_url"`
		MaxTurns       int      `yaml:"max_turns"`
		MaxAttempts    int      `yaml:"max_attempts"`
		AttemptTimeout string   `yaml:"attempt_timeout"`
		AttemptDelays  []string `yaml:"attempt_delays"`
		AllowedTools   []string `yaml:"allowed_tools"`
	} `yaml:"agent"`

	Breaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		Cooldown         string `yaml:"cooldown"`
	} `yaml:"breaker"`

	DeadLetter struct {
		Enabled *bool  `yaml:"enabled"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"dead_letter"`

	Validator struct {
		InvestigationToolCalls int    `yaml:"investigation_tool_calls"`
		ExcessiveToolCalls     int    `yaml:"excessive_tool_calls"`
		StallDuration          string `yaml:"stall_duration"`
		StallTurns             int    `yaml:"stall_turns"`
		StallToolCalls         int    `yaml:"stall_tool_calls"`
	} `yaml:"validator"`
}

// LoadConfig loads configuration from the specified file path. A missing
// file returns defaults without error; a malformed file returns an error.
// File values merge over defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if raw.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = raw.WorkspaceRoot
	}
	if raw.Concurrency != 0 {
		cfg.Concurrency = raw.Concurrency
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}

	if raw.Git.Shallow != nil {
		cfg.Git.Shallow = *raw.Git.Shallow
	}
	if raw.Git.SparsePaths != nil {
		cfg.Git.SparsePaths = raw.Git.SparsePaths
	}
	if err := setDuration(&cfg.Git.CloneTimeout, raw.Git.CloneTimeout, "git.clone_timeout"); err != nil {
		return nil, err
	}

	if raw.Agent.BinaryPath != "" {
		cfg.Agent.BinaryPath = raw.Agent.BinaryPath
	}
	if raw.Agent.BaseURL != "" {
		cfg.Agent.BaseURL = raw.Agent.BaseURL
	}
	if raw.Agent.MaxTurns != 0 {
		cfg.Agent.MaxTurns = raw.Agent.MaxTurns
	}
	if raw.Agent.MaxAttempts != 0 {
		cfg.Agent.MaxAttempts = raw.Agent.MaxAttempts
	}
	if err := setDuration(&cfg.Agent.AttemptTimeout, raw.Agent.AttemptTimeout, "agent.attempt_timeout"); err != nil {
		return nil, err
	}
	if raw.Agent.AttemptDelays != nil {
		delays := make([]time.Duration, 0, len(raw.Agent.AttemptDelays))
		for _, s := range raw.Agent.AttemptDelays {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid agent.attempt_delays entry %q: %w", s, err)
			}
			delays = append(delays, d)
		}
		cfg.Agent.AttemptDelays = delays
	}
	if raw.Agent.AllowedTools != nil {
		cfg.Agent.AllowedTools = raw.Agent.AllowedTools
	}

	if raw.Breaker.FailureThreshold != 0 {
		cfg.Breaker.FailureThreshold = raw.Breaker.FailureThreshold
	}
	if err := setDuration(&cfg.Breaker.Cooldown, raw.Breaker.Cooldown, "breaker.cooldown"); err != nil {
		return nil, err
	}

	if raw.DeadLetter.Enabled != nil {
		cfg.DeadLetter.Enabled = *raw.DeadLetter.Enabled
	}
	if raw.DeadLetter.DBPath != "" {
		cfg.DeadLetter.DBPath = raw.DeadLetter.DBPath
	}

	if raw.Validator.InvestigationToolCalls != 0 {
		cfg.Validator.InvestigationToolCalls = raw.Validator.InvestigationToolCalls
	}
	if raw.Validator.ExcessiveToolCalls != 0 {
		cfg.Validator.ExcessiveToolCalls = raw.Validator.ExcessiveToolCalls
	}
	if err := setDuration(&cfg.Validator.StallDuration, raw.Validator.StallDuration, "validator.stall_duration"); err != nil {
		return nil, err
	}
	if raw.Validator.StallTurns != 0 {
		cfg.Validator.StallTurns = raw.Validator.StallTurns
	}
	if raw.Validator.StallToolCalls != 0 {
		cfg.Validator.StallToolCalls = raw.Validator.StallToolCalls
	}

	return cfg, nil
}

// setDuration parses a duration string into dst when the string is set.
func setDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	*dst = d
	return nil
}

// MergeWithFlags merges CLI flags into the configuration. Non-nil flag
// values take precedence over config file settings.
func (c *Config) MergeWithFlags(workspaceRoot *string, concurrency *int, logLevel *string, attemptTimeout *time.Duration) {
	if workspaceRoot != nil && *workspaceRoot != "" {
		c.WorkspaceRoot = *workspaceRoot
	}
	if concurrency != nil && *concurrency > 0 {
		c.Concurrency = *concurrency
	}
	if logLevel != nil && *logLevel != "" {
		c.LogLevel = *logLevel
	}
	if attemptTimeout != nil && *attemptTimeout > 0 {
		c.Agent.AttemptTimeout = *attemptTimeout
	}
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root cannot be empty")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0, got %d", c.Concurrency)
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("agent.max_attempts must be > 0, got %d", c.Agent.MaxAttempts)
	}
	if c.Agent.AttemptTimeout <= 0 {
		return fmt.Errorf("agent.attempt_timeout must be > 0, got %v", c.Agent.AttemptTimeout)
	}
	if c.Agent.BaseURL == "" && c.Agent.BinaryPath == "" {
		return fmt.Errorf("agent requires either binary_path or base_url")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be > 0, got %v", c.Breaker.Cooldown)
	}

	if c.DeadLetter.Enabled && c.DeadLetter.DBPath == "" {
		return fmt.Errorf("dead_letter.db_path cannot be empty when dead-lettering is enabled")
	}

	if c.Validator.InvestigationToolCalls <= 0 || c.Validator.ExcessiveToolCalls <= c.Validator.InvestigationToolCalls {
		return fmt.Errorf("validator thresholds must satisfy 0 < investigation_tool_calls < excessive_tool_calls")
	}

	return nil
}
