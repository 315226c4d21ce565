package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hive"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	waitWarnings *prometheus.CounterVec

	lockAcquireDuration *prometheus.HistogramVec
	lockTimeoutsTotal   prometheus.Counter
	lockReclaimsTotal   *prometheus.CounterVec
	locksHeld           prometheus.Gauge

	providerCooldown      *prometheus.GaugeVec
	providerFailuresTotal *prometheus.CounterVec
	providerCallDuration  *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolBlockedTotal      *prometheus.CounterVec
	approvalsTotal        *prometheus.CounterVec

	agentRunTotal      *prometheus.CounterVec
	agentStepsTotal    prometheus.Counter
	breakerTripsTotal  *prometheus.CounterVec
	contextPrunesTotal prometheus.Counter

	workersByStatus  *prometheus.GaugeVec
	swarmCompletions prometheus.Counter
	memoryWrites     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "lane_queue_size",
				Help: "Queued plus active tasks by lane.",
			}, []string{"lane"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_enqueue_total",
				Help: "Total enqueue operations by lane.",
			}, []string{"lane"}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_completion_total",
				Help: "Total task completions by lane and status.",
			}, []string{"lane", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "lane_task_duration_seconds",
				Help:    "Task execution duration in seconds by lane.",
				Buckets: prometheus.DefBuckets,
			}, []string{"lane"}),
			waitWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_wait_warnings_total",
				Help: "Tasks that waited longer than their warn threshold.",
			}, []string{"lane"}),
			lockAcquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "lock_acquire_duration_seconds",
				Help:    "Time spent acquiring file locks.",
				Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10},
			}, []string{"result"}),
			lockTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "lock_timeouts_total",
				Help: "File lock acquisitions that timed out.",
			}),
			lockReclaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lock_reclaims_total",
				Help: "Stale file locks reclaimed by cause.",
			}, []string{"cause"}),
			locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "locks_held",
				Help: "File locks currently held by this process.",
			}),
			providerCooldown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "provider_cooldown_active",
				Help: "Provider cooldown active state (1 active, 0 inactive).",
			}, []string{"provider"}),
			providerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "provider_failures_total",
				Help: "Provider failures by provider and reason.",
			}, []string{"provider", "reason"}),
			providerCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "provider_call_duration_seconds",
				Help:    "Model call duration by provider and status.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider", "status"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_execution_total",
				Help: "Total tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			toolBlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_blocked_total",
				Help: "Tool calls rejected by a safety check, by kind.",
			}, []string{"kind"}),
			approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "approvals_total",
				Help: "Command approval outcomes.",
			}, []string{"outcome"}),
			agentRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_run_total",
				Help: "Agent loop runs by termination state.",
			}, []string{"state"}),
			agentStepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_steps_total",
				Help: "Agent loop steps executed.",
			}),
			breakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_circuit_breaker_trips_total",
				Help: "Circuit breaker trips by tool.",
			}, []string{"tool"}),
			contextPrunesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "agent_context_prunes_total",
				Help: "Message history prunes caused by context pressure.",
			}),
			workersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "swarm_workers",
				Help: "Swarm workers by status.",
			}, []string{"status"}),
			swarmCompletions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "swarm_completions_total",
				Help: "Swarms that reached their aggregate report.",
			}),
			memoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "memory_writes_total",
				Help: "Shared memory log appends by category.",
			}, []string{"category"}),
		}

		prometheus.MustRegister(
			m.queueSize, m.enqueueTotal, m.dequeueTotal, m.taskDuration, m.waitWarnings,
			m.lockAcquireDuration, m.lockTimeoutsTotal, m.lockReclaimsTotal, m.locksHeld,
			m.providerCooldown, m.providerFailuresTotal, m.providerCallDuration,
			m.toolExecutionTotal, m.toolExecutionDuration, m.toolBlockedTotal, m.approvalsTotal,
			m.agentRunTotal, m.agentStepsTotal, m.breakerTripsTotal, m.contextPrunesTotal,
			m.workersByStatus, m.swarmCompletions, m.memoryWrites,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueWaitWarning(lane string) {
	getMetrics().waitWarnings.WithLabelValues(lane).Inc()
}

func RecordLockAcquire(duration time.Duration, acquired bool) {
	m := getMetrics()
	result := "acquired"
	if !acquired {
		result = "timeout"
		m.lockTimeoutsTotal.Inc()
	}
	m.lockAcquireDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordLockReclaim counts a forcibly reclaimed lock; cause is "dead_owner" or "stale".
func RecordLockReclaim(cause string) {
	getMetrics().lockReclaimsTotal.WithLabelValues(cause).Inc()
}

func SetLocksHeld(count int) {
	getMetrics().locksHeld.Set(float64(count))
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordProviderFailure(provider, reason string) {
	getMetrics().providerFailuresTotal.WithLabelValues(provider, reason).Inc()
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	getMetrics().providerCallDuration.WithLabelValues(provider, status(success)).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolBlocked counts a safety rejection; kind is "violation", "block" or "approval".
func RecordToolBlocked(kind string) {
	getMetrics().toolBlockedTotal.WithLabelValues(kind).Inc()
}

func RecordApproval(outcome string) {
	getMetrics().approvalsTotal.WithLabelValues(outcome).Inc()
}

func RecordAgentRun(state string) {
	getMetrics().agentRunTotal.WithLabelValues(state).Inc()
}

func RecordAgentStep() {
	getMetrics().agentStepsTotal.Inc()
}

func RecordCircuitBreakerTrip(tool string) {
	getMetrics().breakerTripsTotal.WithLabelValues(tool).Inc()
}

func RecordContextPrune() {
	getMetrics().contextPrunesTotal.Inc()
}

func AddWorkers(status string, delta int) {
	getMetrics().workersByStatus.WithLabelValues(status).Add(float64(delta))
}

func RecordSwarmCompletion() {
	getMetrics().swarmCompletions.Inc()
}

func RecordMemoryWrite(category string) {
	getMetrics().memoryWrites.WithLabelValues(category).Inc()
}
