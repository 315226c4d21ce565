// Package tasks edits the project task manifest (TASKS.md) that swarm workers
// claim work from. Every mutation runs under the exclusive file lock.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
)

// FileName is the conventional manifest name at a project root.
const FileName = "TASKS.md"

// Status of a manifest task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Task is one parsed manifest line.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Agent       string `json:"agent,omitempty"`
	Phase       string `json:"phase,omitempty"`
}

var (
	// ErrInvalidTaskID is returned for IDs that cannot be written between backticks.
	ErrInvalidTaskID = errors.New("invalid task id")

	taskLine = regexp.MustCompile("^- \\[( |IN PROGRESS: ([^\\]]*)|DONE)\\] `([^`]+)`(?::\\s*(.*))?$")
)

// Config configures a Manifest.
type Config struct {
	Store  storage.KeyValueStore
	Locker *filelock.Locker
	Path   string
	Lock   filelock.Options
	Logger zerolog.Logger
}

// Manifest is a TASKS.md file.
type Manifest struct {
	store  storage.KeyValueStore
	locker *filelock.Locker
	path   string
	opts   filelock.Options
	logger zerolog.Logger
}

// NewManifest creates a Manifest at cfg.Path.
func NewManifest(cfg Config) *Manifest {
	return &Manifest{
		store:  cfg.Store,
		locker: cfg.Locker,
		path:   cfg.Path,
		opts:   cfg.Lock,
		logger: cfg.Logger,
	}
}

// Path returns the manifest's storage key.
func (m *Manifest) Path() string { return m.path }

func validateID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "`\n") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, id)
	}
	return nil
}

// Template returns a fresh manifest for project.
func Template(project string) string {
	if project == "" {
		project = "Project"
	}
	return fmt.Sprintf("# %s\n\n## Phase 1: Core\n\n## Phase 2: Features\n\n## Phase 3: QA & Polish\n", project)
}

// EnsureInitialized writes the template when no manifest exists.
func (m *Manifest) EnsureInitialized(ctx context.Context, project string) error {
	return m.locker.WithLock(ctx, m.path, m.opts, func() error {
		_, err := m.store.Get(ctx, m.path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return m.store.Put(ctx, m.path, []byte(Template(project)))
	})
}

// Claim marks a pending task in progress for agent. It reports false when
// the task is missing or not pending.
func (m *Manifest) Claim(ctx context.Context, id, agent string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	claimed := false
	err := m.mutate(ctx, func(lines []string) []string {
		for i, line := range lines {
			t, ok := parseLine(line)
			if !ok || t.ID != id || t.Status != StatusPending {
				continue
			}
			lines[i] = formatLine(Task{ID: id, Description: t.Description, Status: StatusInProgress, Agent: agent})
			claimed = true
			return lines
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		m.logger.Info().Str("task", id).Str("agent", agent).Msg("Task claimed")
	}
	return claimed, nil
}

// Complete marks a task done. The agent's own claim is preferred; any
// in-progress claim on the same ID is accepted otherwise.
func (m *Manifest) Complete(ctx context.Context, id, agent string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	completed := false
	err := m.mutate(ctx, func(lines []string) []string {
		target := -1
		for i, line := range lines {
			t, ok := parseLine(line)
			if !ok || t.ID != id || t.Status != StatusInProgress {
				continue
			}
			if t.Agent == agent {
				target = i
				break
			}
			if target < 0 {
				target = i
			}
		}
		if target < 0 {
			return nil
		}
		t, _ := parseLine(lines[target])
		lines[target] = formatLine(Task{ID: id, Description: t.Description, Status: StatusDone})
		completed = true
		return lines
	})
	if err != nil {
		return false, err
	}
	if completed {
		m.logger.Info().Str("task", id).Str("agent", agent).Msg("Task completed")
	}
	return completed, nil
}

// Add inserts a pending task directly under the phase header, creating the
// phase (and the manifest) when missing. Duplicate IDs are rejected.
func (m *Manifest) Add(ctx context.Context, phase, id, description string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if phase == "" {
		phase = "Backlog"
	}
	line := formatLine(Task{ID: id, Description: strings.Join(strings.Fields(description), " "), Status: StatusPending})
	header := "## " + phase

	var dup bool
	err := m.mutate(ctx, func(lines []string) []string {
		for _, l := range lines {
			if t, ok := parseLine(l); ok && t.ID == id {
				dup = true
				return nil
			}
		}
		for i, l := range lines {
			if strings.TrimSpace(l) == header {
				out := make([]string, 0, len(lines)+1)
				out = append(out, lines[:i+1]...)
				out = append(out, line)
				return append(out, lines[i+1:]...)
			}
		}
		for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
			lines = lines[:len(lines)-1]
		}
		return append(lines, "", header, line)
	})
	if err != nil {
		return err
	}
	if dup {
		return fmt.Errorf("task %s already exists", id)
	}
	return nil
}

// Plan replaces the manifest with content.
func (m *Manifest) Plan(ctx context.Context, content string) error {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return m.locker.WithLock(ctx, m.path, m.opts, func() error {
		return m.store.Put(ctx, m.path, []byte(content))
	})
}

// List parses every task line in file order.
func (m *Manifest) List(ctx context.Context) ([]Task, error) {
	raw, err := m.store.Get(ctx, m.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task manifest: %w", err)
	}

	var (
		out   []Task
		phase string
	)
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "## ") {
			phase = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		if t, ok := parseLine(line); ok {
			t.Phase = phase
			out = append(out, t)
		}
	}
	return out, nil
}

// Pending returns the unclaimed tasks.
func (m *Manifest) Pending(ctx context.Context) ([]Task, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, t := range all {
		if t.Status == StatusPending {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// Get returns one task by ID.
func (m *Manifest) Get(ctx context.Context, id string) (Task, bool, error) {
	all, err := m.List(ctx)
	if err != nil {
		return Task{}, false, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, true, nil
		}
	}
	return Task{}, false, nil
}

// mutate applies fn to the manifest lines under the lock. fn returns nil to
// leave the file unchanged.
func (m *Manifest) mutate(ctx context.Context, fn func([]string) []string) error {
	return m.locker.WithLock(ctx, m.path, m.opts, func() error {
		raw, err := m.store.Get(ctx, m.path)
		if errors.Is(err, storage.ErrNotFound) {
			raw = []byte(Template(""))
		} else if err != nil {
			return fmt.Errorf("failed to read task manifest: %w", err)
		}

		lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		updated := fn(lines)
		if updated == nil {
			return nil
		}
		return m.store.Put(ctx, m.path, []byte(strings.Join(updated, "\n")+"\n"))
	})
}

func parseLine(line string) (Task, bool) {
	match := taskLine.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Task{}, false
	}
	t := Task{ID: match[3], Description: strings.TrimSpace(match[4])}
	switch {
	case match[1] == " ":
		t.Status = StatusPending
	case match[1] == "DONE":
		t.Status = StatusDone
	default:
		t.Status = StatusInProgress
		t.Agent = strings.TrimSpace(match[2])
	}
	return t, true
}

func formatLine(t Task) string {
	var mark string
	switch t.Status {
	case StatusInProgress:
		mark = "IN PROGRESS: " + t.Agent
	case StatusDone:
		mark = "DONE"
	default:
		mark = " "
	}
	line := fmt.Sprintf("- [%s] `%s`", mark, t.ID)
	if t.Description != "" {
		line += ": " + t.Description
	}
	return line
}
