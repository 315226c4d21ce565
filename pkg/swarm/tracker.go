package swarm

import (
	"sort"
	"sync"
	"time"
)

// Tracker aggregates the outcome of one swarm's workers.
type Tracker struct {
	SwarmID     string
	ProjectPath string
	Total       int
	Completed   int
	Failed      int
	Summaries   map[string]TaskSummary
	StartedAt   time.Time

	expected map[string]struct{}
	// declared is set once a positive total was requested or the swarm was
	// closed. An undeclared swarm never completes on its own.
	declared bool
}

func (t *Tracker) done() bool {
	return t.declared && t.Total > 0 && t.Completed+t.Failed >= t.Total
}

func (t *Tracker) report(now time.Time) Report {
	summaries := make([]TaskSummary, 0, len(t.Summaries))
	for _, s := range t.Summaries {
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].TaskID < summaries[j].TaskID })
	return Report{
		SwarmID:     t.SwarmID,
		ProjectPath: t.ProjectPath,
		Total:       t.Total,
		Completed:   t.Completed,
		Failed:      t.Failed,
		Summaries:   summaries,
		Duration:    now.Sub(t.StartedAt),
	}
}

// trackers holds the live Tracker of every swarm.
type trackers struct {
	mu    sync.Mutex
	bySID map[string]*Tracker
	now   func() time.Time
}

func newTrackers(now func() time.Time) *trackers {
	return &trackers{bySID: make(map[string]*Tracker), now: now}
}

// expect registers taskID with its swarm, creating the tracker on the
// first spawn. The total never drops below the number of distinct tasks. A
// zero total leaves the swarm open until close.
func (ts *trackers) expect(swarmID, projectPath, taskID string, total int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.bySID[swarmID]
	if !ok {
		t = &Tracker{
			SwarmID:     swarmID,
			ProjectPath: projectPath,
			Summaries:   make(map[string]TaskSummary),
			StartedAt:   ts.now(),
			expected:    make(map[string]struct{}),
		}
		ts.bySID[swarmID] = t
	}
	if total > 0 {
		t.declared = true
	}
	if total > t.Total {
		t.Total = total
	}
	if _, seen := t.expected[taskID]; !seen {
		t.expected[taskID] = struct{}{}
		// A respawned task replaces its earlier outcome.
		if prev, had := t.Summaries[taskID]; had {
			delete(t.Summaries, taskID)
			if prev.Status == StatusCompleted {
				t.Completed--
			} else {
				t.Failed--
			}
		}
	}
	if n := len(t.expected) + len(t.Summaries); n > t.Total {
		t.Total = n
	}
}

// record stores a terminal outcome. It returns the swarm's Report and true
// exactly once, when the last expected worker finishes; the tracker is then
// removed. A second outcome for the same task is ignored.
func (ts *trackers) record(swarmID string, summary TaskSummary) (Report, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.bySID[swarmID]
	if !ok {
		return Report{}, false
	}
	if _, seen := t.Summaries[summary.TaskID]; seen {
		return Report{}, false
	}
	delete(t.expected, summary.TaskID)
	t.Summaries[summary.TaskID] = summary
	if summary.Status == StatusCompleted {
		t.Completed++
	} else {
		t.Failed++
	}
	if !t.done() {
		return Report{}, false
	}
	delete(ts.bySID, swarmID)
	return t.report(ts.now()), true
}

// close declares that no more workers join swarmID. The total becomes the
// number of tasks spawned so far; when all of them already finished the
// Report is returned and the tracker removed.
func (ts *trackers) close(swarmID string) (Report, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.bySID[swarmID]
	if !ok {
		return Report{}, false
	}
	t.declared = true
	t.Total = len(t.expected) + len(t.Summaries)
	if !t.done() {
		return Report{}, false
	}
	delete(ts.bySID, swarmID)
	return t.report(ts.now()), true
}

func (ts *trackers) get(swarmID string) (Tracker, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.bySID[swarmID]
	if !ok {
		return Tracker{}, false
	}
	cp := *t
	cp.Summaries = make(map[string]TaskSummary, len(t.Summaries))
	for k, v := range t.Summaries {
		cp.Summaries[k] = v
	}
	cp.expected = nil
	return cp, true
}
