package swarm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/hive/pkg/tasks"
	"github.com/harun/hive/pkg/toolrunner"
)

// Tool names registered by RegisterTools.
const (
	ToolSpawnWorker      = "spawn_worker"
	ToolReportCompletion = "report_completion"
	ToolCheckStatus      = "check_status"
)

// RegisterTools adds the swarm tools to reg. The orchestrating agent uses
// spawn_worker and check_status; workers call report_completion.
func RegisterTools(reg *toolrunner.Registry, s *Supervisor) error {
	defs := []toolrunner.ToolDefinition{
		{
			Name:        ToolSpawnWorker,
			Description: "Launch a worker agent for one task from TASKS.md. A task with an active worker is not spawned twice.",
			Parameters: toolrunner.Object(map[string]any{
				"taskId":       toolrunner.Prop("string", "Task ID from TASKS.md"),
				"instructions": toolrunner.Prop("string", "Complete instructions for the worker"),
				"total":        toolrunner.Prop("integer", "Number of workers this swarm will run"),
			}, "taskId", "instructions"),
			Handler: s.spawnTool,
		},
		{
			Name:        ToolReportCompletion,
			Description: "Report the outcome of your assigned task. Call exactly once when finished.",
			Parameters: toolrunner.Object(map[string]any{
				"taskId":  toolrunner.Prop("string", "The task you worked on"),
				"status":  toolrunner.Enum("Outcome of the task", string(CompletionSuccess), string(CompletionFailed)),
				"prUrl":   toolrunner.Prop("string", "Pull request or result URL"),
				"summary": toolrunner.Prop("string", "Short summary of what was done"),
			}, "taskId", "status"),
			Handler: s.reportTool,
		},
		{
			Name:        ToolCheckStatus,
			Description: "Show the status of one worker, or of every worker when taskId is omitted.",
			Parameters: toolrunner.Object(map[string]any{
				"taskId": toolrunner.Prop("string", "Task ID to inspect"),
			}),
			Handler: s.statusTool,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawnTool(ctx context.Context, args map[string]any, ec toolrunner.ExecContext) (string, error) {
	project := ec.ProjectRoot
	if project == "" {
		project = ec.Root
	}
	swarmID := ec.SwarmID
	if swarmID == "" && ec.ThreadID != "" {
		swarmID = LeadSwarmID(ec.ThreadID)
	}

	total := intArg(args, "total")
	if total == 0 {
		total = s.openTasks(ctx, project)
	}

	res, err := s.Spawn(ctx, SpawnRequest{
		SwarmID:      swarmID,
		TaskID:       stringArg(args, "taskId"),
		Instructions: stringArg(args, "instructions"),
		ProjectPath:  project,
		Total:        total,
	})
	if err != nil {
		return "", err
	}
	if res.Duplicate {
		return fmt.Sprintf("Task %s already has an active worker (%s, %s). Not spawning again.",
			res.TaskID, res.ThreadID, res.Status), nil
	}
	return fmt.Sprintf("Spawned %s for task %s in swarm %s", res.ThreadID, res.TaskID, res.SwarmID), nil
}

// openTasks counts manifest tasks not yet done, or zero when unknown.
func (s *Supervisor) openTasks(ctx context.Context, project string) int {
	manifest := s.manifest(project)
	if manifest == nil {
		return 0
	}
	list, err := manifest.List(ctx)
	if err != nil {
		return 0
	}
	open := 0
	for _, t := range list {
		if t.Status != tasks.StatusDone {
			open++
		}
	}
	return open
}

// reportTool only accepts a report from the worker thread that owns the task.
func (s *Supervisor) reportTool(ctx context.Context, args map[string]any, ec toolrunner.ExecContext) (string, error) {
	taskID := stringArg(args, "taskId")
	status := CompletionStatus(stringArg(args, "status"))
	if ec.ThreadID == "" {
		return "", fmt.Errorf("%w: caller has no thread", ErrNotAssigned)
	}
	rec, err := s.ReportCompletion(ctx, Completion{
		TaskID:    taskID,
		ThreadID:  ec.ThreadID,
		Status:    status,
		ResultURL: stringArg(args, "prUrl"),
		Summary:   stringArg(args, "summary"),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s recorded as %s", rec.TaskID, rec.Status), nil
}

func (s *Supervisor) statusTool(ctx context.Context, args map[string]any, _ toolrunner.ExecContext) (string, error) {
	var out any
	if taskID := stringArg(args, "taskId"); taskID != "" {
		rec, ok, err := s.Status(ctx, taskID)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("No worker for task %s", taskID), nil
		}
		out = rec
	} else {
		records, err := s.Workers(ctx)
		if err != nil {
			return "", err
		}
		if len(records) == 0 {
			return "No workers", nil
		}
		out = map[string]any{"active": s.Active(), "workers": records}
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
