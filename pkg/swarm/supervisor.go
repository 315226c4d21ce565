package swarm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/lanequeue"
	"github.com/harun/hive/pkg/tasks"
)

// WorkerRunner runs one worker's agent loop. *agent.Loop satisfies it.
type WorkerRunner interface {
	Run(ctx context.Context, threadID, instruction string, opts agent.RunOptions) (*agent.Result, error)
}

// Config configures a Supervisor.
type Config struct {
	Runner WorkerRunner
	// Queue serializes spawns per task. A private queue is created when nil.
	Queue    *lanequeue.Queue
	Registry Registry
	// Tasks returns the manifest of a project. Workers skip claiming when nil.
	Tasks    func(projectRoot string) *tasks.Manifest
	Isolator *Isolator
	// StaggerStep is the launch delay per active worker. Negative disables
	// staggering; zero means DefaultStaggerStep.
	StaggerStep    time.Duration
	WorkerMaxSteps int
	// WorkerOptions is the template for every worker run.
	WorkerOptions    agent.RunOptions
	RemoveWorkspaces bool
	OnComplete       func(Report)
	Publisher        events.Publisher
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Supervisor launches and tracks swarm workers.
type Supervisor struct {
	runner      WorkerRunner
	queue       *lanequeue.Queue
	ownsQueue   bool
	registry    Registry
	manifestFor func(projectRoot string) *tasks.Manifest
	isolator    *Isolator
	stagger     time.Duration
	maxSteps    int
	template    agent.RunOptions
	removeWs    bool
	onComplete  func(Report)
	publisher   events.Publisher
	logger      zerolog.Logger
	now         func() time.Time

	trackers *trackers

	mu      sync.Mutex
	running int
	idle    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	launchMu sync.RWMutex
	closed   bool
	group    errgroup.Group
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("worker runner is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	owns := false
	if cfg.Queue == nil {
		cfg.Queue = lanequeue.New(lanequeue.Config{Logger: cfg.Logger})
		owns = true
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemoryRegistry()
	}
	if cfg.Isolator == nil {
		cfg.Isolator = NewIsolator(IsolationDirectory, cfg.Logger)
	}
	switch {
	case cfg.StaggerStep == 0:
		cfg.StaggerStep = DefaultStaggerStep
	case cfg.StaggerStep < 0:
		cfg.StaggerStep = 0
	}
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:      cfg.Runner,
		queue:       cfg.Queue,
		ownsQueue:   owns,
		registry:    cfg.Registry,
		manifestFor: cfg.Tasks,
		isolator:    cfg.Isolator,
		stagger:     cfg.StaggerStep,
		maxSteps:    cfg.WorkerMaxSteps,
		template:    cfg.WorkerOptions,
		removeWs:    cfg.RemoveWorkspaces,
		onComplete:  cfg.OnComplete,
		publisher:   events.OrNop(cfg.Publisher),
		logger:      cfg.Logger,
		now:         cfg.Now,
		trackers:    newTrackers(cfg.Now),
		idle:        closedChan(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SpawnLane returns the queue lane serializing spawns of taskID.
func SpawnLane(taskID string) string { return "spawn:" + taskID }

// LeadSwarmID is the swarm a lead thread's workers join when the lead runs
// outside any swarm.
func LeadSwarmID(threadID string) string { return "swarm-" + threadID }

// Spawn launches a worker for req.TaskID unless one is already starting or
// running, in which case the existing record is returned with Duplicate set.
// Spawn returns once the worker is registered; the run itself is
// asynchronous.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(req.Instructions) == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if req.SwarmID == "" {
		id, err := gonanoid.New(10)
		if err != nil {
			return nil, fmt.Errorf("failed to generate swarm id: %w", err)
		}
		req.SwarmID = "swarm-" + id
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSwarm, "swarm.spawn",
		attribute.String("swarm.id", req.SwarmID),
		attribute.String("swarm.task_id", req.TaskID),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	value, err := s.queue.Enqueue(ctx, SpawnLane(req.TaskID), func(laneCtx context.Context) (any, error) {
		return s.spawn(laneCtx, req)
	}, nil)
	if err != nil {
		return nil, err
	}
	res, _ := value.(*SpawnResult)
	return res, nil
}

// spawn runs inside the task's spawn lane.
func (s *Supervisor) spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	s.launchMu.RLock()
	defer s.launchMu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	suffix, err := gonanoid.New(6)
	if err != nil {
		return nil, fmt.Errorf("failed to generate worker id: %w", err)
	}
	threadID := fmt.Sprintf("worker-%s-%s", safeName(req.TaskID), suffix)

	duplicate := false
	now := s.now()
	rec, err := s.registry.Update(ctx, req.TaskID, func(cur WorkerRecord, ok bool) (WorkerRecord, bool) {
		if ok && cur.Status.Active() {
			duplicate = true
			return cur, false
		}
		return WorkerRecord{
			TaskID:      req.TaskID,
			SwarmID:     req.SwarmID,
			ThreadID:    threadID,
			ProjectPath: req.ProjectPath,
			Status:      StatusStarting,
			StartedAt:   now,
			UpdatedAt:   now,
		}, true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("task", req.TaskID).
		Str("swarm_id", rec.SwarmID).
		Logger()
	if duplicate {
		logger.Info().Str("status", string(rec.Status)).Msg("Worker already active, spawn skipped")
		return &SpawnResult{
			TaskID:    rec.TaskID,
			SwarmID:   rec.SwarmID,
			ThreadID:  rec.ThreadID,
			Status:    rec.Status,
			Workspace: rec.Workspace,
			Duplicate: true,
		}, nil
	}

	s.trackers.expect(req.SwarmID, req.ProjectPath, req.TaskID, req.Total)
	ahead := s.enter()
	delay := s.stagger * time.Duration(ahead)
	observability.AddWorkers(string(StatusStarting), 1)
	s.publishStatus(rec)

	workerCtx := tracing.PropagateToWorker(tracing.Detach(ctx), req.SwarmID, threadID)
	workerCtx, cancel := context.WithCancel(workerCtx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.group.Go(func() error {
		defer s.leave()
		defer stop()
		defer cancel()
		s.work(workerCtx, req, rec, delay)
		return nil
	})

	logger.Info().
		Str("thread_id", threadID).
		Dur("delay", delay).
		Msg("Worker spawned")
	return &SpawnResult{
		TaskID:   rec.TaskID,
		SwarmID:  rec.SwarmID,
		ThreadID: rec.ThreadID,
		Status:   rec.Status,
	}, nil
}

// enter counts a launched worker and returns how many were already active.
func (s *Supervisor) enter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	return s.running - 1
}

func (s *Supervisor) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if s.running == 0 {
		close(s.idle)
	}
}

func (s *Supervisor) work(ctx context.Context, req SpawnRequest, rec WorkerRecord, delay time.Duration) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSwarm, "swarm.worker",
		attribute.String("swarm.id", req.SwarmID),
		attribute.String("swarm.task_id", req.TaskID),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("task", req.TaskID).Logger()

	c := s.runWorker(ctx, req, rec, delay, logger)
	var spanErr error
	if c.Status == CompletionFailed {
		spanErr = errors.New(c.Error)
	}
	tracing.EndSpan(span, spanErr)

	c.ThreadID = rec.ThreadID
	if _, err := s.ReportCompletion(context.WithoutCancel(ctx), c); err != nil {
		logger.Error().Err(err).Msg("Failed to record worker outcome")
	}
}

// runWorker never panics; a panic in the run becomes a failed completion.
func (s *Supervisor) runWorker(ctx context.Context, req SpawnRequest, rec WorkerRecord, delay time.Duration, logger zerolog.Logger) (c Completion) {
	c = Completion{TaskID: req.TaskID, Status: CompletionFailed}
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Worker panicked")
			c = Completion{TaskID: req.TaskID, Status: CompletionFailed, Error: fmt.Sprintf("worker panic: %v", p)}
		}
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.Error = "cancelled before start"
			return c
		}
	}

	ws, err := s.isolator.Prepare(ctx, req.ProjectPath, req.TaskID)
	if err != nil {
		c.Error = err.Error()
		return c
	}
	if s.removeWs {
		defer func() {
			if err := s.isolator.Cleanup(context.WithoutCancel(ctx), ws); err != nil {
				logger.Warn().Err(err).Str("path", ws.Path).Msg("Failed to remove workspace")
			}
		}()
	}

	if manifest := s.manifest(req.ProjectPath); manifest != nil {
		claimed, err := manifest.Claim(ctx, req.TaskID, rec.ThreadID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Failed to claim task")
		case !claimed:
			logger.Warn().Msg("Task not pending in manifest, running anyway")
		}
	}

	s.markRunning(ctx, req.TaskID, ws.Path, logger)

	opts := s.template
	if s.maxSteps > 0 {
		opts.MaxSteps = s.maxSteps
	}
	opts.AgentID = rec.ThreadID
	opts.SwarmID = req.SwarmID
	opts.Exec.Root = ws.Path
	opts.Exec.ProjectRoot = req.ProjectPath
	opts.Exec.ThreadID = rec.ThreadID
	opts.Exec.AgentID = rec.ThreadID
	opts.Exec.SwarmID = req.SwarmID

	total := req.Total
	if t, ok := s.trackers.get(req.SwarmID); ok {
		total = t.Total
	}

	res, err := s.runner.Run(ctx, rec.ThreadID, workerInstruction(req, rec.ThreadID, ws, total), opts)
	if res != nil {
		c.Summary = res.Final
	}
	if err != nil {
		c.Error = err.Error()
		logger.Warn().Err(err).Msg("Worker run failed")
		return c
	}
	c.Status = CompletionSuccess
	return c
}

func workerInstruction(req SpawnRequest, threadID string, ws Workspace, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, one of %d workers in swarm %s.\n", threadID, total, req.SwarmID)
	fmt.Fprintf(&b, "Your task is `%s`. Work only inside %s.\n", req.TaskID, ws.Path)
	if ws.Branch != "" {
		fmt.Fprintf(&b, "Commit your changes on branch %s.\n", ws.Branch)
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(req.Instructions))
	fmt.Fprintf(&b, "\n\nWhen you are done, call report_completion with taskId %q.", req.TaskID)
	return b.String()
}

func (s *Supervisor) markRunning(ctx context.Context, taskID, workspace string, logger zerolog.Logger) {
	moved := false
	rec, err := s.registry.Update(ctx, taskID, func(cur WorkerRecord, ok bool) (WorkerRecord, bool) {
		if !ok || cur.Status != StatusStarting {
			return cur, false
		}
		cur.Status = StatusRunning
		cur.Workspace = workspace
		cur.UpdatedAt = s.now()
		moved = true
		return cur, true
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to mark worker running")
		return
	}
	if moved {
		s.transition(StatusStarting, StatusRunning)
		s.publishStatus(rec)
	}
}

// ReportCompletion records a worker's terminal outcome. The first report for
// a running worker wins; later ones return the stored record unchanged. A
// report carrying a ThreadID other than the owning worker's is refused with
// ErrNotAssigned.
func (s *Supervisor) ReportCompletion(ctx context.Context, c Completion) (WorkerRecord, error) {
	var status Status
	switch c.Status {
	case CompletionSuccess:
		status = StatusCompleted
	case CompletionFailed:
		status = StatusFailed
	default:
		return WorkerRecord{}, fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}

	var (
		found    bool
		mismatch bool
		prev     Status
	)
	rec, err := s.registry.Update(ctx, c.TaskID, func(cur WorkerRecord, ok bool) (WorkerRecord, bool) {
		found = ok
		mismatch = ok && c.ThreadID != "" && cur.ThreadID != c.ThreadID
		if !ok || mismatch || !cur.Status.Active() {
			return cur, false
		}
		prev = cur.Status
		cur.Status = status
		cur.ResultURL = c.ResultURL
		cur.Summary = c.Summary
		cur.Error = c.Error
		cur.UpdatedAt = s.now()
		return cur, true
	})
	if err != nil {
		return WorkerRecord{}, fmt.Errorf("failed to record completion: %w", err)
	}
	if !found {
		return WorkerRecord{}, fmt.Errorf("%w: %s", ErrUnknownWorker, c.TaskID)
	}
	if mismatch {
		return WorkerRecord{}, fmt.Errorf("%w: %s is owned by %s", ErrNotAssigned, c.TaskID, rec.ThreadID)
	}
	if prev == "" {
		return rec, nil
	}

	s.transition(prev, status)
	s.publishStatus(rec)

	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("task", rec.TaskID).
		Str("swarm_id", rec.SwarmID).
		Logger()
	logger.Info().Str("status", string(status)).Msg("Worker finished")

	if status == StatusCompleted {
		if manifest := s.manifest(rec.ProjectPath); manifest != nil {
			if _, err := manifest.Complete(ctx, rec.TaskID, rec.ThreadID); err != nil {
				logger.Warn().Err(err).Msg("Failed to complete task in manifest")
			}
		}
	}

	report, done := s.trackers.record(rec.SwarmID, TaskSummary{
		TaskID:    rec.TaskID,
		Status:    rec.Status,
		ResultURL: rec.ResultURL,
		Summary:   rec.Summary,
		Error:     rec.Error,
	})
	if done {
		s.finishSwarm(report, logger)
	}
	return rec, nil
}

func (s *Supervisor) finishSwarm(report Report, logger zerolog.Logger) {
	observability.RecordSwarmCompletion()
	summaries := make([]any, 0, len(report.Summaries))
	for _, sum := range report.Summaries {
		summaries = append(summaries, map[string]any{
			"taskId":    sum.TaskID,
			"status":    string(sum.Status),
			"resultUrl": sum.ResultURL,
			"summary":   sum.Summary,
			"error":     sum.Error,
		})
	}
	s.publisher.Publish(events.Event{
		Type:    events.SwarmComplete,
		SwarmID: report.SwarmID,
		Data: map[string]any{
			"total":       report.Total,
			"completed":   report.Completed,
			"failed":      report.Failed,
			"projectPath": report.ProjectPath,
			"summaries":   summaries,
			"durationMs":  report.Duration.Milliseconds(),
		},
	})
	logger.Info().
		Int("total", report.Total).
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Swarm complete")
	if s.onComplete != nil {
		s.onComplete(report)
	}
}

func (s *Supervisor) manifest(projectRoot string) *tasks.Manifest {
	if s.manifestFor == nil || projectRoot == "" {
		return nil
	}
	return s.manifestFor(projectRoot)
}

func (s *Supervisor) transition(from, to Status) {
	if from.Active() {
		observability.AddWorkers(string(from), -1)
	}
	if to.Active() {
		observability.AddWorkers(string(to), 1)
	}
}

func (s *Supervisor) publishStatus(rec WorkerRecord) {
	data := map[string]any{
		"taskId": rec.TaskID,
		"status": string(rec.Status),
	}
	if rec.Workspace != "" {
		data["workspace"] = rec.Workspace
	}
	if rec.ResultURL != "" {
		data["resultUrl"] = rec.ResultURL
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	s.publisher.Publish(events.Event{
		Type:     events.WorkerStatus,
		ThreadID: rec.ThreadID,
		SwarmID:  rec.SwarmID,
		AgentID:  rec.ThreadID,
		Data:     data,
	})
}

// Status returns the record of taskID.
func (s *Supervisor) Status(ctx context.Context, taskID string) (WorkerRecord, bool, error) {
	return s.registry.Get(ctx, taskID)
}

// Workers returns every worker record, sorted by task ID.
func (s *Supervisor) Workers(ctx context.Context) ([]WorkerRecord, error) {
	return s.registry.List(ctx)
}

// CloseSwarm marks swarmID as complete in membership: no further workers
// are expected. If every spawned worker already finished, the swarm report
// fires now; otherwise it fires when the last one does.
func (s *Supervisor) CloseSwarm(ctx context.Context, swarmID string) {
	report, done := s.trackers.close(swarmID)
	if !done {
		return
	}
	logger := tracing.LoggerFromContext(ctx, s.logger).With().
		Str("swarm_id", swarmID).
		Logger()
	s.finishSwarm(report, logger)
}

// Tracker returns a snapshot of a swarm's tracker while it is live.
func (s *Supervisor) Tracker(swarmID string) (Tracker, bool) {
	return s.trackers.get(swarmID)
}

// Active returns the number of workers not yet finished.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wait blocks until no worker is active or ctx is done. Workers spawned
// while waiting are waited for too.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running workers and waits for them to report.
func (s *Supervisor) Close() error {
	s.launchMu.Lock()
	s.closed = true
	s.launchMu.Unlock()

	s.cancel()
	err := s.group.Wait()
	if s.ownsQueue {
		if qerr := s.queue.Close(); qerr != nil && err == nil {
			err = qerr
		}
	}
	return err
}
