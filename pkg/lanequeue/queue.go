package lanequeue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Well-known lanes.
const (
	LaneMain       = "main"
	LaneAutomation = "automation"
	LaneSubagent   = "subagent"

	DefaultWarnAfter = 2 * time.Second
)

// Task is a unit of work run inside a lane.
type Task func(ctx context.Context) (any, error)

// TaskOptions tunes a single enqueue. OnWait is invoked when the task is
// admitted after waiting at least WarnAfter, with the wait and the number of
// tasks still queued behind it.
type TaskOptions struct {
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, queuedAhead int)
}

// EventType names queue lifecycle events.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventWaited    EventType = "waited"
)

// Event describes a queue lifecycle transition.
type Event struct {
	Type   EventType
	Lane   string
	TaskID string
	Data   map[string]any
}

// EventHandler receives queue events synchronously.
type EventHandler func(event Event)

// LaneStats is a snapshot of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Active      int `json:"active"`
	Concurrency int `json:"concurrency"`
	Generation  int `json:"generation"`
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	generation int
	result     chan taskResult
}

type taskResult struct {
	value any
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]struct{}
}

// Config configures a Queue.
type Config struct {
	Logger zerolog.Logger
	// WarnAfter is the default wait threshold; zero means DefaultWarnAfter.
	WarnAfter time.Duration
	// Lanes pre-sets concurrency for named lanes.
	Lanes map[string]int
}

// Queue serializes tasks per lane.
type Queue struct {
	logger    zerolog.Logger
	warnAfter time.Duration

	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventMu       sync.RWMutex
	eventHandlers map[EventType][]EventHandler
}

// New creates a Queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:        cfg.Logger,
		warnAfter:     cfg.WarnAfter,
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[EventType][]EventHandler),
	}

	for lane, n := range cfg.Lanes {
		q.SetConcurrency(lane, n)
	}
	return q
}

// SessionLane returns the lane that serializes work for one thread.
func SessionLane(threadID string) string {
	return "session:" + threadID
}

func normalizeLane(lane string) string {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return LaneMain
	}
	return lane
}

// lane returns the state for name, creating it with concurrency 1.
func (q *Queue) lane(name string) *laneState {
	q.mu.RLock()
	ls, ok := q.lanes[name]
	q.mu.RUnlock()
	if ok {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok = q.lanes[name]; ok {
		return ls
	}
	ls = &laneState{
		concurrency: 1,
		activeIDs:   make(map[string]struct{}),
	}
	q.lanes[name] = ls
	q.logger.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

func (q *Queue) existingLane(name string) (*laneState, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ls, ok := q.lanes[normalizeLane(name)]
	return ls, ok
}

// Enqueue appends task to lane and blocks until it has run. If ctx is
// cancelled while the task is still queued it is withdrawn and ctx.Err() is
// returned; a running task observes cancellation through its own ctx.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	lane = normalizeLane(lane)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "lanequeue.enqueue",
		attribute.String("lane", lane))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		spanErr = ErrClosed
		return nil, ErrClosed
	}
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	opts := TaskOptions{WarnAfter: q.warnAfter}
	if options != nil {
		opts = *options
		if opts.WarnAfter <= 0 {
			opts.WarnAfter = q.warnAfter
		}
	}

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls := q.lane(lane)
	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, q.logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)
	q.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: taskID,
		Data:   map[string]any{"queueSize": queueSize},
	})

	q.pump(lane)

	select {
	case res := <-record.result:
		spanErr = res.err
		return res.value, res.err
	case <-ctx.Done():
		if q.withdraw(ls, record) {
			spanErr = ctx.Err()
			return nil, ctx.Err()
		}
		res := <-record.result
		spanErr = res.err
		return res.value, res.err
	}
}

// withdraw removes a still-queued record. It reports false if the record
// was already admitted or rejected.
func (q *Queue) withdraw(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

type waitNotice struct {
	record      *taskRecord
	waited      time.Duration
	queuedAhead int
}

// pump admits queued tasks while the lane has capacity. It is safe to call
// any number of times. Admission holds the queue read lock so Close cannot
// start waiting between the closed check and wg.Add.
func (q *Queue) pump(lane string) {
	ls := q.lane(lane)

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		q.drop(lane, ErrClosed, false)
		return
	}

	var notices []waitNotice
	ls.mu.Lock()
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]

		if waited := time.Since(record.enqueuedAt); waited >= record.options.WarnAfter {
			notices = append(notices, waitNotice{record: record, waited: waited, queuedAhead: len(ls.queue)})
		}

		ls.running++
		ls.activeIDs[record.id] = struct{}{}

		q.wg.Add(1)
		go q.execute(lane, record)
	}
	ls.mu.Unlock()
	q.mu.RUnlock()

	for _, n := range notices {
		q.logger.Warn().
			Str("lane", lane).
			Str("task_id", n.record.id).
			Dur("waited", n.waited).
			Int("queued_ahead", n.queuedAhead).
			Msg("Lane wait exceeded")
		observability.RecordQueueWaitWarning(lane)
		q.emit(Event{
			Type:   EventWaited,
			Lane:   lane,
			TaskID: n.record.id,
			Data:   map[string]any{"waitedMs": n.waited.Milliseconds(), "queuedAhead": n.queuedAhead},
		})
		if n.record.options.OnWait != nil {
			q.notifyWait(n)
		}
	}
}

func (q *Queue) notifyWait(n waitNotice) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("OnWait callback panicked")
		}
	}()
	n.record.options.OnWait(n.waited, n.queuedAhead)
}

func (q *Queue) execute(lane string, record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "lanequeue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id))

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	q.emit(Event{Type: EventStarted, Lane: lane, TaskID: record.id})

	start := time.Now()
	value, err := q.run(runCtx, record.task)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	ls := q.lane(lane)
	ls.mu.Lock()
	if record.generation == ls.generation {
		ls.running--
	}
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(record.ctx, q.logger)
	if err != nil {
		logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	// Admit the next task before handing the result back so the lane never
	// idles while a successor is queued.
	q.pump(lane)

	record.result <- taskResult{value: value, err: err}

	q.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]any{
			"durationMs": duration.Milliseconds(),
			"success":    err == nil,
		},
	})
}

func (q *Queue) run(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	return task(ctx)
}

// SetConcurrency sets the lane's concurrency limit, clamped to at least 1.
func (q *Queue) SetConcurrency(lane string, n int) {
	if n < 1 {
		n = 1
	}
	lane = normalizeLane(lane)
	ls := q.lane(lane)

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = n
	ls.mu.Unlock()

	if old != n {
		q.logger.Debug().Str("lane", lane).Int("old", old).Int("new", n).Msg("Lane concurrency updated")
	}
	q.pump(lane)
}

// Size returns queued plus active tasks for lane.
func (q *Queue) Size(lane string) int {
	ls, ok := q.existingLane(lane)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue) + ls.running
}

// TotalSize returns queued plus active tasks across all lanes.
func (q *Queue) TotalSize() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	total := 0
	for _, ls := range q.lanes {
		ls.mu.Lock()
		total += len(ls.queue) + ls.running
		ls.mu.Unlock()
	}
	return total
}

// Stats returns a snapshot of every lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]LaneStats, len(q.lanes))
	for name, ls := range q.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{
			Queued:      len(ls.queue),
			Active:      ls.running,
			Concurrency: ls.concurrency,
			Generation:  ls.generation,
		}
		ls.mu.Unlock()
	}
	return stats
}

// Clear drops every queued task in lane, failing each with ErrLaneCleared.
// Active tasks are not cancelled. It returns the number of dropped tasks.
func (q *Queue) Clear(lane string) int {
	return q.drop(lane, ErrLaneCleared, false)
}

// Reset drops queued tasks with ErrLaneReset and starts a new generation:
// tasks still running from the old generation no longer count against the
// lane's concurrency.
func (q *Queue) Reset(lane string) {
	q.drop(lane, ErrLaneReset, true)
}

func (q *Queue) drop(lane string, reason error, bump bool) int {
	lane = normalizeLane(lane)
	ls, ok := q.existingLane(lane)
	if !ok {
		return 0
	}

	ls.mu.Lock()
	dropped := ls.queue
	ls.queue = nil
	if bump {
		ls.generation++
		ls.running = 0
	}
	generation := ls.generation
	ls.mu.Unlock()

	for _, record := range dropped {
		record.result <- taskResult{err: reason}
	}
	observability.SetQueueSize(lane, 0)
	if len(dropped) == 0 && !bump {
		return 0
	}

	q.logger.Info().
		Str("lane", lane).
		Int("dropped", len(dropped)).
		Int("generation", generation).
		Str("reason", reason.Error()).
		Msg("Lane drained")
	return len(dropped)
}

// WaitForActive blocks until no task is running in any lane or timeout
// elapses. It reports whether the queue drained.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		drained := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				drained = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new work, cancels running tasks' contexts and waits for
// them to return. Queued tasks are dropped with ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	names := make([]string, 0, len(q.lanes))
	for name := range q.lanes {
		names = append(names, name)
	}
	q.mu.Unlock()

	for _, name := range names {
		q.drop(name, ErrClosed, false)
	}
	q.cancel()
	q.wg.Wait()
	return nil
}

// On registers handler for eventType.
func (q *Queue) On(eventType EventType, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes all handlers for eventType.
func (q *Queue) Off(eventType EventType) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.eventHandlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
