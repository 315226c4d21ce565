package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/memory"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/sandbox"
	"github.com/harun/hive/pkg/storage"
	"github.com/harun/hive/pkg/tasks"
)

const (
	DefaultCommandTimeout  = 60 * time.Second
	DefaultScriptThreshold = 1000
	DefaultSpawnAttempts   = 3
	maxOutput              = 16 * 1024
)

// ExecContext is the per-call environment.
type ExecContext struct {
	// Root confines file access and is the shell working directory.
	Root string
	// ProjectRoot holds the shared memory log and task manifest. Defaults to Root.
	ProjectRoot     string
	Mode            string // local or cloud
	AllowedCommands []string
	ThreadID        string
	SwarmID         string
	AgentID         string
}

func (ec ExecContext) projectRoot() string {
	if ec.ProjectRoot != "" {
		return ec.ProjectRoot
	}
	return ec.Root
}

// Result is the observation produced by one call.
type Result struct {
	CallID   string        `json:"callId"`
	Name     string        `json:"name"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// ExecutorFactory builds a command executor for a mode and root.
type ExecutorFactory func(mode, root string) (sandbox.Executor, error)

// Config configures a Runner.
type Config struct {
	Registry *Registry
	Store    storage.KeyValueStore
	// Trail receives the audit trail. Defaults to Store when it is also an
	// AppendLog.
	Trail     storage.AppendLog
	Locker    *filelock.Locker
	Lock      filelock.Options
	Approvals *ApprovalManager
	Allowlist *Allowlist
	Sandbox   sandbox.Config
	// NewExecutor defaults to sandbox.New with Sandbox as the template.
	NewExecutor     ExecutorFactory
	CommandTimeout  time.Duration
	ScriptThreshold int
	SpawnAttempts   int
	SpawnBackoff    time.Duration
	Publisher       events.Publisher
	Logger          zerolog.Logger
}

// Runner executes tool calls with path containment, command allow-listing,
// approvals and auditing.
type Runner struct {
	registry        *Registry
	store           storage.KeyValueStore
	trail           storage.AppendLog
	locker          *filelock.Locker
	lockOpts        filelock.Options
	approvals       *ApprovalManager
	allowlist       *Allowlist
	newExecutor     ExecutorFactory
	commandTimeout  time.Duration
	scriptThreshold int
	spawnAttempts   int
	spawnBackoff    time.Duration
	publisher       events.Publisher
	logger          zerolog.Logger
}

// New creates a Runner and registers the built-in tools.
func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		cfg.Store = storage.NewFileStore("")
	}
	if cfg.Trail == nil {
		cfg.Trail, _ = cfg.Store.(storage.AppendLog)
	}
	if cfg.Locker == nil {
		cfg.Locker = filelock.New(filelock.Config{Store: cfg.Store, Logger: cfg.Logger})
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.ScriptThreshold <= 0 {
		cfg.ScriptThreshold = DefaultScriptThreshold
	}
	if cfg.SpawnAttempts <= 0 {
		cfg.SpawnAttempts = DefaultSpawnAttempts
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = 200 * time.Millisecond
	}
	if cfg.NewExecutor == nil {
		template := cfg.Sandbox
		if template.Timeout == 0 {
			template = sandbox.DefaultConfig()
		}
		template.Logger = cfg.Logger
		cfg.NewExecutor = func(mode, root string) (sandbox.Executor, error) {
			c := template
			c.Root = root
			return sandbox.New(sandbox.RuntimeForMode(mode), c)
		}
	}

	r := &Runner{
		registry:        cfg.Registry,
		store:           cfg.Store,
		trail:           cfg.Trail,
		locker:          cfg.Locker,
		lockOpts:        cfg.Lock,
		approvals:       cfg.Approvals,
		allowlist:       cfg.Allowlist,
		newExecutor:     cfg.NewExecutor,
		commandTimeout:  cfg.CommandTimeout,
		scriptThreshold: cfg.ScriptThreshold,
		spawnAttempts:   cfg.SpawnAttempts,
		spawnBackoff:    cfg.SpawnBackoff,
		publisher:       events.OrNop(cfg.Publisher),
		logger:          cfg.Logger,
	}
	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// Registry returns the tool catalogue.
func (r *Runner) Registry() *Registry { return r.registry }

// Tools returns the catalogue as provider tool specs.
func (r *Runner) Tools() []providers.ToolSpec { return r.registry.Specs() }

// Memory returns the shared memory log for a project root.
func (r *Runner) Memory(projectRoot string) *memory.Log {
	return memory.NewLog(memory.Config{
		Store:     r.store,
		Locker:    r.locker,
		Path:      filepath.Join(projectRoot, memory.FileName),
		Lock:      r.lockOpts,
		Publisher: r.publisher,
		Logger:    r.logger,
	})
}

// Tasks returns the task manifest for a project root.
func (r *Runner) Tasks(projectRoot string) *tasks.Manifest {
	return tasks.NewManifest(tasks.Config{
		Store:  r.store,
		Locker: r.locker,
		Path:   filepath.Join(projectRoot, tasks.FileName),
		Lock:   r.lockOpts,
		Logger: r.logger,
	})
}

// Execute validates and runs one tool call. Security blocks are recorded in
// the project's memory log before being returned.
func (r *Runner) Execute(ctx context.Context, call providers.ToolCall, ec ExecContext) (*Result, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("tool", call.Name).
		Str("call_id", call.ID).
		Logger()

	if ctx.Err() != nil {
		err = aborted(ctx.Err())
		return nil, err
	}
	if strings.TrimSpace(ec.Root) == "" {
		err = fmt.Errorf("%w: sandbox root is required", ErrSecurityViolation)
		return nil, err
	}

	var def ToolDefinition
	def, err = r.registry.validate(call.Name, call.Arguments)
	if err != nil {
		observability.RecordToolExecution(call.Name, time.Since(start), false)
		r.audit(ctx, ec, call.Name, call.ID, time.Since(start), err)
		return nil, err
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}

	var output string
	output, err = def.Handler(ctx, args, ec)
	duration := time.Since(start)

	if err != nil {
		if isCancel(ctx, err) && !errors.Is(err, ErrAborted) {
			err = aborted(err)
		}
		observability.RecordToolExecution(call.Name, duration, false)
		switch {
		case errors.Is(err, ErrSecurityBlock):
			observability.RecordToolBlocked("audit")
			r.recordIssue(ctx, ec, call.Name, err)
		case errors.Is(err, ErrSecurityViolation):
			observability.RecordToolBlocked("path")
		case errors.Is(err, ErrApprovalRejected):
			observability.RecordToolBlocked("approval")
		}
		logger.Warn().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		r.audit(ctx, ec, call.Name, call.ID, duration, err)
		return nil, err
	}

	observability.RecordToolExecution(call.Name, duration, true)
	r.audit(ctx, ec, call.Name, call.ID, duration, nil)
	logger.Debug().Dur("duration", duration).Msg("Tool execution completed")

	return &Result{
		CallID:   call.ID,
		Name:     call.Name,
		Output:   truncateOutput(output),
		Duration: duration,
	}, nil
}

// recordIssue writes a security block to the memory log so sibling agents
// do not repeat it. The original arguments are not logged.
func (r *Runner) recordIssue(ctx context.Context, ec ExecContext, tool string, blockErr error) {
	agent := ec.AgentID
	if agent == "" {
		agent = "toolrunner"
	}
	text := fmt.Sprintf("Security block on %s: %s", tool, blockErr.Error())
	// Recording must survive the caller's cancellation.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := r.Memory(ec.projectRoot()).Append(recordCtx, memory.Issues, agent, text); err != nil {
		r.logger.Error().Err(err).Str("tool", tool).Msg("Failed to record security issue")
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... [output truncated]"
}
