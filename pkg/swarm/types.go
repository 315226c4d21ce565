package swarm

import (
	"time"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether the worker has not reached a terminal state.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// DefaultStaggerStep is the launch delay added per active worker.
const DefaultStaggerStep = 500 * time.Millisecond

// WorkerRecord is the registry entry for one task's worker.
type WorkerRecord struct {
	TaskID      string    `json:"taskId"`
	SwarmID     string    `json:"swarmId"`
	ThreadID    string    `json:"threadId"`
	ProjectPath string    `json:"projectPath"`
	Status      Status    `json:"status"`
	Workspace   string    `json:"workspace,omitempty"`
	ResultURL   string    `json:"resultUrl,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SpawnRequest asks for a worker on one task.
type SpawnRequest struct {
	SwarmID      string
	TaskID       string
	Instructions string
	ProjectPath  string
	// Total is the number of workers the swarm expects. Zero keeps the
	// tracker's current total, which grows to cover every spawned task; a
	// swarm never given a total reports only after CloseSwarm.
	Total int
}

// SpawnResult describes the outcome of a Spawn call.
type SpawnResult struct {
	TaskID    string `json:"taskId"`
	SwarmID   string `json:"swarmId"`
	ThreadID  string `json:"threadId"`
	Status    Status `json:"status"`
	Workspace string `json:"workspace,omitempty"`
	// Duplicate is set when a worker for the task was already active.
	Duplicate bool `json:"duplicate"`
}

// CompletionStatus is what a worker reports about its task.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailed  CompletionStatus = "failed"
)

// Completion is a worker's final report.
type Completion struct {
	TaskID string
	// ThreadID, when set, must name the worker that owns TaskID.
	ThreadID  string
	Status    CompletionStatus
	ResultURL string
	Summary   string
	Error     string
}

// TaskSummary is one worker's line in a swarm Report.
type TaskSummary struct {
	TaskID    string `json:"taskId"`
	Status    Status `json:"status"`
	ResultURL string `json:"resultUrl,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report is published once per swarm when every expected worker finished.
type Report struct {
	SwarmID     string        `json:"swarmId"`
	ProjectPath string        `json:"projectPath"`
	Total       int           `json:"total"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Summaries   []TaskSummary `json:"summaries"`
	Duration    time.Duration `json:"duration"`
}
