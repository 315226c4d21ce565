package agent

import (
	"context"
	"time"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/toolrunner"
)

const (
	DefaultMaxSteps          = 10
	DefaultContextTokenLimit = 100000
	DefaultKeepRecent        = 10
	// BreakerThreshold is the number of consecutive failures of one tool
	// that trips the circuit breaker.
	BreakerThreshold = 3
)

// State is how a run ended.
type State string

const (
	StateDone      State = "done"
	StateStepLimit State = "step_limit_reached"
	StateAborted   State = "aborted"
	StateError     State = "error"
)

// Thread is the conversation owned by one run.
type Thread struct {
	ID         string              `json:"id"`
	SwarmID    string              `json:"swarmId,omitempty"`
	Messages   []providers.Message `json:"messages"`
	Step       int                 `json:"step"`
	MaxSteps   int                 `json:"maxSteps"`
	ProviderID string              `json:"providerId,omitempty"`
}

// ToolExecutor runs tool calls and advertises the catalogue.
// *toolrunner.Runner implements it.
type ToolExecutor interface {
	Execute(ctx context.Context, call providers.ToolCall, ec toolrunner.ExecContext) (*toolrunner.Result, error)
	Tools() []providers.ToolSpec
}

// RunOptions tunes one run. Zero values take the loop defaults.
type RunOptions struct {
	SystemPrompt      string
	Model             string
	MaxSteps          int
	MaxTokens         int
	Temperature       float64
	ContextTokenLimit int
	KeepRecent        int
	Capabilities      []string
	// History is prepended after the system prompt.
	History []providers.Message
	// Exec is the tool environment. ThreadID, AgentID and SwarmID are filled
	// from the run when empty.
	Exec    toolrunner.ExecContext
	AgentID string
	SwarmID string
}

// OptionsFromConfig builds run defaults from the agent config section.
func OptionsFromConfig(cfg config.AgentConfig) RunOptions {
	return RunOptions{
		SystemPrompt:      cfg.SystemPrompt,
		Model:             cfg.Model,
		MaxSteps:          cfg.MaxSteps,
		MaxTokens:         cfg.MaxTokens,
		Temperature:       cfg.Temperature,
		ContextTokenLimit: cfg.ContextTokenLimit,
		KeepRecent:        cfg.KeepRecent,
	}
}

func (o RunOptions) withDefaults(base RunOptions) RunOptions {
	if o.SystemPrompt == "" {
		o.SystemPrompt = base.SystemPrompt
	}
	if o.Model == "" {
		o.Model = base.Model
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = base.MaxSteps
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = base.MaxTokens
	}
	if o.Temperature == 0 {
		o.Temperature = base.Temperature
	}
	if o.ContextTokenLimit <= 0 {
		o.ContextTokenLimit = base.ContextTokenLimit
	}
	if o.ContextTokenLimit <= 0 {
		o.ContextTokenLimit = DefaultContextTokenLimit
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = base.KeepRecent
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	if o.Exec.Mode == "" {
		o.Exec.Mode = base.Exec.Mode
	}
	if o.Exec.AllowedCommands == nil {
		o.Exec.AllowedCommands = base.Exec.AllowedCommands
	}
	return o
}

// Result is the outcome of a run.
type Result struct {
	State    State           `json:"state"`
	Final    string          `json:"final"`
	Thread   *Thread         `json:"thread"`
	Usage    providers.Usage `json:"usage"`
	Duration time.Duration   `json:"duration"`
	AgentID  string          `json:"agentId,omitempty"`
	// ProjectRoot is where the run's shared memory log lives.
	ProjectRoot string `json:"projectRoot,omitempty"`
	Err         error  `json:"-"`
}
