package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/harun/hive/pkg/memory"
	"github.com/harun/hive/pkg/tasks"
)

const summaryThreshold = 200

var symbolLine = regexp.MustCompile(`^\s*(export|func|type|class|interface|struct|enum|def|async\s+def|function|async\s+function|const|let|var|package|module|impl|trait|pub\s+fn|fn|public|private|protected)\b`)

var categoryNames = []string{string(memory.Architecture), string(memory.Conventions), string(memory.Knowledge), string(memory.Issues)}

func (r *Runner) registerBuiltins() error {
	defs := []ToolDefinition{
		{
			Name:        "write_file",
			Description: "Create or overwrite a file inside the project.",
			Parameters: Object(map[string]any{
				"path":    Prop("string", "File path relative to the project root."),
				"content": Prop("string", "Full file content."),
			}, "path", "content"),
			Handler: r.writeFile,
		},
		{
			Name:        "read_file",
			Description: "Read a file. Files over 200 lines return a symbol summary; use read_file_range for details.",
			Parameters: Object(map[string]any{
				"path": Prop("string", "File path relative to the project root."),
			}, "path"),
			Handler: r.readFile,
		},
		{
			Name:        "read_file_range",
			Description: "Read lines start..end (1-based, inclusive) of a file.",
			Parameters: Object(map[string]any{
				"path":  Prop("string", "File path relative to the project root."),
				"start": map[string]any{"type": "integer", "minimum": 1, "description": "First line."},
				"end":   map[string]any{"type": "integer", "minimum": 1, "description": "Last line."},
			}, "path", "start", "end"),
			Handler: r.readFileRange,
		},
		{
			Name:        "run_shell",
			Description: "Run a shell command in the project root. Multi-line commands and heredocs are supported.",
			Parameters: Object(map[string]any{
				"command": Prop("string", "The command to run."),
				"cwd":     Prop("string", "Optional working directory relative to the project root."),
			}, "command"),
			Handler: r.runShell,
		},
		{
			Name:        "write_memory",
			Description: "Save a project-level finding or decision to the shared MEMORY.md so other agents see it.",
			Parameters: Object(map[string]any{
				"category": Enum("The section where this belongs.", categoryNames...),
				"content":  Prop("string", "The information to record."),
			}, "category", "content"),
			Handler: r.writeMemory,
		},
		{
			Name:        "read_memory",
			Description: "Read the shared project memory, optionally one category only.",
			Parameters: Object(map[string]any{
				"category": Enum("Optional section filter.", categoryNames...),
			}),
			Handler: r.readMemory,
		},
		{
			Name:        "plan_tasks",
			Description: "Replace TASKS.md with a new plan. Task lines look like - [ ] `ID`: description.",
			Parameters: Object(map[string]any{
				"content": Prop("string", "Full markdown content for TASKS.md."),
			}, "content"),
			Handler: r.planTasks,
		},
		{
			Name:        "add_task",
			Description: "Add a pending task to TASKS.md under a phase.",
			Parameters: Object(map[string]any{
				"taskId":      Prop("string", "Unique task ID, e.g. FEAT-04."),
				"description": Prop("string", "What the task delivers."),
				"phase":       Prop("string", "Phase header without the leading ##."),
			}, "taskId", "description"),
			Handler: r.addTask,
		},
		{
			Name:        "claim_task",
			Description: "Mark a pending task in TASKS.md as in progress for this agent.",
			Parameters: Object(map[string]any{
				"taskId": Prop("string", "Task ID to claim."),
			}, "taskId"),
			Handler: r.claimTask,
		},
	}
	for _, def := range defs {
		if err := r.registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func relPath(root, p string) string {
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = realRoot
	}
	if rel, err := filepath.Rel(root, p); err == nil {
		return rel
	}
	return p
}

func (r *Runner) writeFile(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	path, err := ResolvePath(ec.Root, stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := AuditContent(content).err(); err != nil {
		return "", err
	}
	write := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		return nil
	}
	if sharedFile(path) {
		err = r.locker.WithLock(ctx, path, r.lockOpts, write)
	} else {
		err = write()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), relPath(ec.Root, path)), nil
}

// sharedFile reports whether path is one of the coordination files agents
// update concurrently through their own locked read-modify-write.
func sharedFile(path string) bool {
	switch filepath.Base(path) {
	case memory.FileName, tasks.FileName:
		return true
	}
	return false
}

func readLines(root, p string) (string, []string, error) {
	path, err := ResolvePath(root, p)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("file not found: %s", p)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file: %w", err)
	}
	return path, strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

func (r *Runner) readFile(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	path, lines, err := readLines(ec.Root, stringArg(args, "path"))
	if err != nil {
		return "", err
	}

	var out string
	if len(lines) > summaryThreshold {
		out = summarize(relPath(ec.Root, path), lines)
	} else {
		out = strings.Join(lines, "\n")
	}
	out, _ = Redact(out)
	return out, nil
}

func summarize(name string, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FILE SUMMARY: %s (%d lines)\n", name, len(lines))
	b.WriteString("Symbol Map:\n")
	n := 0
	for i, line := range lines {
		if !symbolLine.MatchString(line) {
			continue
		}
		fmt.Fprintf(&b, "Line %d: %s\n", i+1, strings.TrimSpace(line))
		if n++; n >= summaryThreshold {
			b.WriteString("...\n")
			break
		}
	}
	b.WriteString("Use read_file_range to read specific lines.")
	return b.String()
}

func (r *Runner) readFileRange(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	_, lines, err := readLines(ec.Root, stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	start := intArg(args, "start", 1)
	end := intArg(args, "end", start)
	if end < start {
		return "", fmt.Errorf("%w: end %d before start %d", ErrInvalidArguments, end, start)
	}
	if start > len(lines) {
		return "", fmt.Errorf("%w: start %d beyond end of file (%d lines)", ErrInvalidArguments, start, len(lines))
	}
	if end > len(lines) {
		end = len(lines)
	}
	out, _ := Redact(strings.Join(lines[start-1:end], "\n"))
	return out, nil
}

func (r *Runner) writeMemory(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	category, err := memory.ParseCategory(stringArg(args, "category"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	content := stringArg(args, "content")
	if err := AuditContent(content).err(); err != nil {
		return "", err
	}
	if err := r.Memory(ec.projectRoot()).Append(ctx, category, ec.AgentID, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Recorded in %s", category), nil
}

func (r *Runner) readMemory(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	var category memory.Category
	if name := stringArg(args, "category"); name != "" {
		c, err := memory.ParseCategory(name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		category = c
	}
	text, err := r.Memory(ec.projectRoot()).Read(ctx, category)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" || text == memory.Template() {
		return "(memory is empty)", nil
	}
	text, _ = Redact(text)
	return text, nil
}

func (r *Runner) planTasks(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	content := stringArg(args, "content")
	if err := AuditContent(content).err(); err != nil {
		return "", err
	}
	manifest := r.Tasks(ec.projectRoot())
	if err := manifest.Plan(ctx, content); err != nil {
		return "", err
	}
	pending, err := manifest.Pending(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Plan saved with %d pending tasks", len(pending)), nil
}

func (r *Runner) addTask(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	id := stringArg(args, "taskId")
	if err := r.Tasks(ec.projectRoot()).Add(ctx, stringArg(args, "phase"), id, stringArg(args, "description")); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s added", id), nil
}

func (r *Runner) claimTask(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	id := stringArg(args, "taskId")
	agent := ec.AgentID
	if agent == "" {
		agent = ec.ThreadID
	}
	ok, err := r.Tasks(ec.projectRoot()).Claim(ctx, id, agent)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("task %s is not pending", id)
	}
	return fmt.Sprintf("Task %s claimed by %s", id, agent), nil
}
