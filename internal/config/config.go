package config

import (
	"time"

	"github.com/harun/hive/internal/logger"
)

// Config is the root hive configuration.
type Config struct {
	DataDir     string            `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`
	Workspace   string            `json:"workspace" mapstructure:"workspace" yaml:"workspace"`
	Logging     logger.Config     `json:"logging" mapstructure:"logging" yaml:"logging"`
	Tracing     TracingConfig     `json:"tracing" mapstructure:"tracing" yaml:"tracing"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent" yaml:"agent"`
	Queue       QueueConfig       `json:"queue" mapstructure:"queue" yaml:"queue"`
	Lock        LockConfig        `json:"lock" mapstructure:"lock" yaml:"lock"`
	Tools       ToolsConfig       `json:"tools" mapstructure:"tools" yaml:"tools"`
	Approval    ApprovalConfig    `json:"approval" mapstructure:"approval" yaml:"approval"`
	Providers   []ProviderConfig  `json:"providers" mapstructure:"providers" yaml:"providers"`
	Router      RouterConfig      `json:"router" mapstructure:"router" yaml:"router"`
	Swarm       SwarmConfig       `json:"swarm" mapstructure:"swarm" yaml:"swarm"`
	Server      ServerConfig      `json:"server" mapstructure:"server" yaml:"server"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance" yaml:"maintenance"`
}

// TracingConfig controls OpenTelemetry setup.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// AgentConfig holds per-loop limits.
type AgentConfig struct {
	MaxSteps int `json:"max_steps" mapstructure:"max_steps" yaml:"max_steps"`
	// ContextTokenLimit is compared against a chars/4 estimate, not a tokenizer count.
	ContextTokenLimit int     `json:"context_token_limit" mapstructure:"context_token_limit" yaml:"context_token_limit"`
	KeepRecent        int     `json:"keep_recent" mapstructure:"keep_recent" yaml:"keep_recent"`
	SystemPrompt      string  `json:"system_prompt" mapstructure:"system_prompt" yaml:"system_prompt"`
	Model             string  `json:"model" mapstructure:"model" yaml:"model"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature       float64 `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	FlushMemory       bool    `json:"flush_memory" mapstructure:"flush_memory" yaml:"flush_memory"`
}

// QueueConfig configures lane admission.
type QueueConfig struct {
	WarnAfterMs int            `json:"warn_after_ms" mapstructure:"warn_after_ms" yaml:"warn_after_ms"`
	Lanes       map[string]int `json:"lanes" mapstructure:"lanes" yaml:"lanes"`
}

// LockConfig configures the exclusive file lock.
type LockConfig struct {
	TimeoutMs int `json:"timeout_ms" mapstructure:"timeout_ms" yaml:"timeout_ms"`
	StaleMs   int `json:"stale_ms" mapstructure:"stale_ms" yaml:"stale_ms"`
}

// ToolsConfig configures the tool runner.
type ToolsConfig struct {
	Mode             string   `json:"mode" mapstructure:"mode" yaml:"mode"` // local, cloud
	AllowedCommands  []string `json:"allowed_commands" mapstructure:"allowed_commands" yaml:"allowed_commands"`
	AllowlistPath    string   `json:"allowlist_path" mapstructure:"allowlist_path" yaml:"allowlist_path"`
	CommandTimeoutMs int      `json:"command_timeout_ms" mapstructure:"command_timeout_ms" yaml:"command_timeout_ms"`
	ScriptThreshold  int      `json:"script_threshold" mapstructure:"script_threshold" yaml:"script_threshold"`
	SpawnAttempts    int      `json:"spawn_attempts" mapstructure:"spawn_attempts" yaml:"spawn_attempts"`
	// Container settings apply in cloud mode only.
	Image       string `json:"image" mapstructure:"image" yaml:"image"`
	Network     string `json:"network" mapstructure:"network" yaml:"network"`
	MaxCPU      int    `json:"max_cpu" mapstructure:"max_cpu" yaml:"max_cpu"`
	MaxMemoryMB int    `json:"max_memory_mb" mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
}

// ApprovalConfig configures human/webhook approval.
type ApprovalConfig struct {
	TimeoutMs     int    `json:"timeout_ms" mapstructure:"timeout_ms" yaml:"timeout_ms"`
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`
	ForwardURL    string `json:"forward_url" mapstructure:"forward_url" yaml:"forward_url"`
}

// ProviderKind is the closed set of supported model backends.
type ProviderKind string

const (
	ProviderAnthropic        ProviderKind = "anthropic"
	ProviderOpenAI           ProviderKind = "openai"
	ProviderGemini           ProviderKind = "gemini"
	ProviderOpenAICompatible ProviderKind = "openai_compatible"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOpenAICompatible:
		return true
	}
	return false
}

// ProviderConfig describes one model profile.
type ProviderConfig struct {
	ID           string       `json:"id" mapstructure:"id" yaml:"id"`
	Kind         ProviderKind `json:"kind" mapstructure:"kind" yaml:"kind"`
	Model        string       `json:"model" mapstructure:"model" yaml:"model"`
	APIKey       string       `json:"api_key" mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv    string       `json:"api_key_env" mapstructure:"api_key_env" yaml:"api_key_env"`
	BaseURL      string       `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Weight       int          `json:"weight" mapstructure:"weight" yaml:"weight"`
	Capabilities []string     `json:"capabilities" mapstructure:"capabilities" yaml:"capabilities"`
	Disabled     bool         `json:"disabled" mapstructure:"disabled" yaml:"disabled"`
}

// RouterConfig configures provider selection and cooldowns.
type RouterConfig struct {
	Strategy         string `json:"strategy" mapstructure:"strategy" yaml:"strategy"` // static, weighted, capability
	Preferred        string `json:"preferred" mapstructure:"preferred" yaml:"preferred"`
	Fallback         bool   `json:"fallback" mapstructure:"fallback" yaml:"fallback"`
	FailureWindowMs  int64  `json:"failure_window_ms" mapstructure:"failure_window_ms" yaml:"failure_window_ms"`
	BillingBackoffMs int64  `json:"billing_backoff_ms" mapstructure:"billing_backoff_ms" yaml:"billing_backoff_ms"`
	BillingMaxMs     int64  `json:"billing_max_ms" mapstructure:"billing_max_ms" yaml:"billing_max_ms"`
}

// SwarmConfig configures the worker supervisor.
type SwarmConfig struct {
	StaggerMs       int    `json:"stagger_ms" mapstructure:"stagger_ms" yaml:"stagger_ms"`
	WorkerMaxSteps  int    `json:"worker_max_steps" mapstructure:"worker_max_steps" yaml:"worker_max_steps"`
	Isolation       string `json:"isolation" mapstructure:"isolation" yaml:"isolation"` // directory, worktree, none
	RegistryPath    string `json:"registry_path" mapstructure:"registry_path" yaml:"registry_path"`
	RegistryBackend string `json:"registry_backend" mapstructure:"registry_backend" yaml:"registry_backend"` // json, sqlite
}

// ServerConfig configures `hive serve`.
type ServerConfig struct {
	Addr         string `json:"addr" mapstructure:"addr" yaml:"addr"`
	EventsPath   string `json:"events_path" mapstructure:"events_path" yaml:"events_path"`
	ApprovalPath string `json:"approval_path" mapstructure:"approval_path" yaml:"approval_path"`
	MetricsPath  string `json:"metrics_path" mapstructure:"metrics_path" yaml:"metrics_path"`
}

// MaintenanceConfig configures background jobs.
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	LockSweep      string `json:"lock_sweep" mapstructure:"lock_sweep" yaml:"lock_sweep"`
	HealthSnapshot string `json:"health_snapshot" mapstructure:"health_snapshot" yaml:"health_snapshot"`
	ApprovalPurge  string `json:"approval_purge" mapstructure:"approval_purge" yaml:"approval_purge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Logging:   logger.DefaultConfig(),
		Tracing: TracingConfig{
			ServiceName: "hive",
			SampleRatio: 1,
		},
		Agent: AgentConfig{
			MaxSteps:          10,
			ContextTokenLimit: 100000,
			KeepRecent:        10,
			MaxTokens:         4096,
			Temperature:       0.2,
			FlushMemory:       true,
		},
		Queue: QueueConfig{
			WarnAfterMs: 2000,
			Lanes: map[string]int{
				"main":       1,
				"automation": 1,
				"subagent":   4,
			},
		},
		Lock: LockConfig{
			TimeoutMs: 10000,
			StaleMs:   30 * 60 * 1000,
		},
		Tools: ToolsConfig{
			Mode:             "local",
			AllowedCommands:  []string{"ls", "cat", "echo", "grep", "find", "go", "git", "npm", "node", "pwd", "head", "tail", "wc", "mkdir", "touch"},
			CommandTimeoutMs: 60000,
			ScriptThreshold:  1000,
			SpawnAttempts:    3,
			Image:            "alpine:3.20",
			Network:          "none",
			MaxCPU:           50,
			MaxMemoryMB:      512,
		},
		Approval: ApprovalConfig{
			TimeoutMs: 5 * 60 * 1000,
		},
		Router: RouterConfig{
			Strategy:         "static",
			Fallback:         true,
			FailureWindowMs:  24 * 60 * 60 * 1000,
			BillingBackoffMs: 5 * 60 * 60 * 1000,
			BillingMaxMs:     24 * 60 * 60 * 1000,
		},
		Swarm: SwarmConfig{
			StaggerMs:       500,
			WorkerMaxSteps:  25,
			Isolation:       "directory",
			RegistryBackend: "json",
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:7420",
			EventsPath:   "/events",
			ApprovalPath: "/approvals",
			MetricsPath:  "/metrics",
		},
		Maintenance: MaintenanceConfig{
			Enabled:        true,
			LockSweep:      "*/5 * * * *",
			HealthSnapshot: "* * * * *",
			ApprovalPurge:  "*/10 * * * *",
		},
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// LockTimeout returns the lock acquisition timeout.
func (c LockConfig) LockTimeout() time.Duration { return ms(int64(c.TimeoutMs)) }

// StaleAfter returns the lock staleness threshold.
func (c LockConfig) StaleAfter() time.Duration { return ms(int64(c.StaleMs)) }

// CommandTimeout returns the shell execution timeout.
func (c ToolsConfig) CommandTimeout() time.Duration { return ms(int64(c.CommandTimeoutMs)) }

// Timeout returns the approval wait.
func (c ApprovalConfig) Timeout() time.Duration { return ms(int64(c.TimeoutMs)) }

// WarnAfter returns the queue wait warning threshold.
func (c QueueConfig) WarnAfter() time.Duration { return ms(int64(c.WarnAfterMs)) }

// Stagger returns the per-active-worker launch delay.
func (c SwarmConfig) Stagger() time.Duration { return ms(int64(c.StaggerMs)) }

// FailureWindow returns the window after which failure counters reset.
func (c RouterConfig) FailureWindow() time.Duration { return ms(c.FailureWindowMs) }

// BillingBackoff returns the base billing disable duration.
func (c RouterConfig) BillingBackoff() time.Duration { return ms(c.BillingBackoffMs) }

// BillingMax returns the billing disable cap.
func (c RouterConfig) BillingMax() time.Duration { return ms(c.BillingMaxMs) }
