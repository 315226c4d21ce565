package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/lanequeue"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/toolrunner"
)

// FinishHook runs after every run, whatever its state. The context is not
// cancelled with the run.
type FinishHook func(ctx context.Context, res *Result)

// Config configures a Loop.
type Config struct {
	Client providers.ChatClient
	Tools  ToolExecutor
	// Queue serializes runs per thread in lane session:<threadID>. Optional.
	Queue     *lanequeue.Queue
	Publisher events.Publisher
	Defaults  RunOptions
	OnFinish  []FinishHook
	Logger    zerolog.Logger
}

// Loop drives agent threads.
type Loop struct {
	client    providers.ChatClient
	tools     ToolExecutor
	queue     *lanequeue.Queue
	publisher events.Publisher
	defaults  RunOptions
	onFinish  []FinishHook
	logger    zerolog.Logger

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// New creates a Loop.
func New(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Client == nil {
		return nil, fmt.Errorf("chat client is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}

	return &Loop{
		client:     cfg.Client,
		tools:      cfg.Tools,
		queue:      cfg.Queue,
		publisher:  events.OrNop(cfg.Publisher),
		defaults:   cfg.Defaults,
		onFinish:   cfg.OnFinish,
		logger:     cfg.Logger,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes instruction on threadID until the model stops calling tools,
// the step limit is hit, the context is cancelled or every provider failed.
// The result is returned in every case; err is nil only for StateDone.
func (l *Loop) Run(ctx context.Context, threadID, instruction string, opts RunOptions) (*Result, error) {
	if threadID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate thread id: %w", err)
		}
		threadID = id
	}
	if l.queue == nil {
		return l.run(ctx, threadID, instruction, opts)
	}

	value, err := l.queue.Enqueue(ctx, lanequeue.SessionLane(threadID), func(taskCtx context.Context) (any, error) {
		return l.run(taskCtx, threadID, instruction, opts)
	}, nil)
	res, _ := value.(*Result)
	if res == nil && err != nil && ctx.Err() != nil {
		return nil, aborted(ctx)
	}
	return res, err
}

// Abort cancels the active run of threadID. It reports whether one existed.
func (l *Loop) Abort(threadID string) bool {
	l.runsMu.Lock()
	cancel, ok := l.activeRuns[threadID]
	l.runsMu.Unlock()
	if ok {
		l.logger.Info().Str("thread_id", threadID).Msg("Aborting agent run")
		cancel()
	}
	return ok
}

// IsRunning reports whether threadID has an active run.
func (l *Loop) IsRunning(threadID string) bool {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	_, ok := l.activeRuns[threadID]
	return ok
}

func (l *Loop) register(threadID string, cancel context.CancelFunc) bool {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	if _, exists := l.activeRuns[threadID]; exists {
		return false
	}
	l.activeRuns[threadID] = cancel
	return true
}

func (l *Loop) unregister(threadID string) {
	l.runsMu.Lock()
	defer l.runsMu.Unlock()
	delete(l.activeRuns, threadID)
}

// run is one execution of the loop.
type run struct {
	loop    *Loop
	opts    RunOptions
	thread  *Thread
	ec      toolrunner.ExecContext
	agentID string
	breaker *breaker
	usage   providers.Usage
	logger  zerolog.Logger
}

func (l *Loop) run(ctx context.Context, threadID, instruction string, opts RunOptions) (*Result, error) {
	opts = opts.withDefaults(l.defaults)
	agentID := opts.AgentID
	if agentID == "" {
		agentID = threadID
	}

	ctx = tracing.NewAgentRunContext(ctx, agentID, threadID)
	if opts.SwarmID != "" {
		ctx = tracing.WithSwarmID(ctx, opts.SwarmID)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !l.register(threadID, cancel) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, threadID)
	}
	defer l.unregister(threadID)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.run",
		attribute.String("thread_id", threadID),
		attribute.Int("max_steps", opts.MaxSteps))

	ec := opts.Exec
	if ec.ThreadID == "" {
		ec.ThreadID = threadID
	}
	if ec.AgentID == "" {
		ec.AgentID = agentID
	}
	if ec.SwarmID == "" {
		ec.SwarmID = opts.SwarmID
	}

	r := &run{
		loop: l,
		opts: opts,
		thread: &Thread{
			ID:       threadID,
			SwarmID:  opts.SwarmID,
			MaxSteps: opts.MaxSteps,
		},
		ec:      ec,
		agentID: agentID,
		breaker: newBreaker(BreakerThreshold),
		logger:  tracing.LoggerFromContext(ctx, l.logger),
	}
	if opts.SystemPrompt != "" {
		r.thread.Messages = append(r.thread.Messages, providers.Message{Role: providers.RoleSystem, Content: opts.SystemPrompt})
	}
	r.thread.Messages = append(r.thread.Messages, opts.History...)
	r.thread.Messages = append(r.thread.Messages, providers.Message{Role: providers.RoleUser, Content: instruction})

	start := time.Now()
	r.logger.Info().Int("max_steps", opts.MaxSteps).Msg("Agent run started")

	state, final, err := r.iterate(ctx)
	res := r.finish(ctx, state, final, err, time.Since(start))
	tracing.EndSpan(span, err)
	return res, err
}

func (r *run) iterate(ctx context.Context) (State, string, error) {
	l := r.loop
	tools := l.tools.Tools()

	for r.thread.Step < r.thread.MaxSteps {
		if ctx.Err() != nil {
			return StateAborted, "", aborted(ctx)
		}

		r.thread.Step++
		observability.RecordAgentStep()
		r.publish(events.StepStart, map[string]any{
			"step":     r.thread.Step,
			"maxSteps": r.thread.MaxSteps,
		})

		r.pruneIfNeeded()

		resp, err := l.client.Chat(ctx, providers.Request{
			Model:        r.opts.Model,
			Messages:     r.thread.Messages,
			Tools:        tools,
			MaxTokens:    r.opts.MaxTokens,
			Temperature:  r.opts.Temperature,
			Capabilities: r.opts.Capabilities,
		})
		if err != nil {
			if ctx.Err() != nil {
				return StateAborted, "", aborted(ctx)
			}
			return StateError, "", err
		}

		r.thread.ProviderID = resp.ProviderID
		r.usage.InputTokens += resp.Usage.InputTokens
		r.usage.OutputTokens += resp.Usage.OutputTokens
		r.thread.Messages = append(r.thread.Messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if plan := ParsePlan(resp.Content); plan != nil {
			r.publish(events.PlanUpdate, map[string]any{
				"steps": plan.Steps,
				"raw":   plan.Raw,
			})
		}

		if len(resp.ToolCalls) == 0 {
			return StateDone, resp.Content, nil
		}

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return StateAborted, "", aborted(ctx)
			}
			if err := r.execute(ctx, call); err != nil {
				return StateAborted, "", err
			}
		}
	}

	return StateStepLimit, lastAssistant(r.thread.Messages), fmt.Errorf("%w: %d steps", ErrStepLimitExceeded, r.thread.MaxSteps)
}

// execute runs one tool call and appends its observation. It returns an error
// only when the run was cancelled.
func (r *run) execute(ctx context.Context, call providers.ToolCall) error {
	r.publish(events.ToolExecution, map[string]any{
		"tool":      call.Name,
		"callId":    call.ID,
		"arguments": call.Arguments,
	})

	res, err := r.loop.tools.Execute(ctx, call, r.ec)
	if err != nil && ctx.Err() != nil {
		r.appendToolResult(call, errorContent(err))
		return aborted(ctx)
	}

	if err != nil {
		r.appendToolResult(call, errorContent(err))
		r.publish(events.ToolResult, map[string]any{
			"tool":    call.Name,
			"callId":  call.ID,
			"success": false,
			"error":   err.Error(),
		})
		r.logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool call failed")

		if failures, tripped := r.breaker.failure(call.Name); tripped {
			observability.RecordCircuitBreakerTrip(call.Name)
			r.thread.Messages = append(r.thread.Messages, providers.Message{
				Role: providers.RoleSystem,
				Content: fmt.Sprintf("CIRCUIT BREAKER: the tool %q has failed %d times in a row. Stop retrying it and try an alternative approach.",
					call.Name, failures),
			})
			r.publish(events.CircuitBreaker, map[string]any{
				"tool":     call.Name,
				"failures": failures,
			})
			r.logger.Warn().Str("tool", call.Name).Int("failures", failures).Msg("Circuit breaker tripped")
		}
		return nil
	}

	r.breaker.success(call.Name)
	r.appendToolResult(call, res.Output)
	r.publish(events.ToolResult, map[string]any{
		"tool":       call.Name,
		"callId":     call.ID,
		"success":    true,
		"durationMs": res.Duration.Milliseconds(),
	})
	return nil
}

func (r *run) appendToolResult(call providers.ToolCall, content string) {
	r.thread.Messages = append(r.thread.Messages, providers.Message{
		Role:       providers.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	})
}

func (r *run) pruneIfNeeded() {
	before := EstimateTokens(r.thread.Messages)
	if before <= r.opts.ContextTokenLimit {
		return
	}
	pruned, ok := Prune(r.thread.Messages, r.opts.KeepRecent)
	if !ok {
		return
	}
	removed := len(r.thread.Messages) - len(pruned)
	r.thread.Messages = pruned

	observability.RecordContextPrune()
	after := EstimateTokens(pruned)
	r.publish(events.ContextPruned, map[string]any{
		"tokensBefore": before,
		"tokensAfter":  after,
		"removed":      removed,
	})
	r.logger.Info().Int("tokens_before", before).Int("tokens_after", after).Msg("Context pruned")
}

func (r *run) finish(ctx context.Context, state State, final string, err error, dur time.Duration) *Result {
	l := r.loop
	if state != StateDone {
		note := fmt.Sprintf("Run ended: %s after %d steps", state, r.thread.Step)
		if err != nil {
			note += ": " + err.Error()
		}
		r.thread.Messages = append(r.thread.Messages, providers.Message{Role: providers.RoleSystem, Content: note})
	}

	data := map[string]any{
		"state": string(state),
		"steps": r.thread.Step,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	if state == StateStepLimit {
		r.publish(events.Warning, map[string]any{
			"message": fmt.Sprintf("step limit of %d reached", r.thread.MaxSteps),
		})
	}
	r.publish(events.AgentStatus, data)
	observability.RecordAgentRun(string(state))

	ev := r.logger.Info()
	switch state {
	case StateError:
		ev = r.logger.Error().Err(err)
	case StateStepLimit:
		ev = r.logger.Warn()
	}
	ev.Str("state", string(state)).Int("steps", r.thread.Step).Dur("duration", dur).Msg("Agent run finished")

	res := &Result{
		State:       state,
		Final:       final,
		Thread:      r.thread,
		Usage:       r.usage,
		Duration:    dur,
		AgentID:     r.agentID,
		ProjectRoot: projectRoot(r.ec),
		Err:         err,
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range l.onFinish {
		hook(hookCtx, res)
	}
	return res
}

func (r *run) publish(typ string, data map[string]any) {
	r.loop.publisher.Publish(events.Event{
		Type:     typ,
		ThreadID: r.thread.ID,
		SwarmID:  r.thread.SwarmID,
		AgentID:  r.agentID,
		Data:     data,
	})
}

func errorContent(err error) string {
	payload := map[string]string{"error": err.Error()}
	var cmdErr *toolrunner.CommandError
	if errors.As(err, &cmdErr) {
		payload["exitCode"] = fmt.Sprint(cmdErr.ExitCode)
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func lastAssistant(messages []providers.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == providers.RoleAssistant && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func projectRoot(ec toolrunner.ExecContext) string {
	if ec.ProjectRoot != "" {
		return ec.ProjectRoot
	}
	return ec.Root
}
