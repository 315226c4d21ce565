package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/harun/hive/pkg/sandbox"
)

// CommandError is returned when a command ran but exited non-zero.
type CommandError struct {
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.ExitCode, e.Output)
}

func (r *Runner) runShell(ctx context.Context, args map[string]any, ec ExecContext) (string, error) {
	command := stringArg(args, "command")
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("%w: command is empty", ErrInvalidArguments)
	}

	if err := AuditCommand(command).err(); err != nil {
		return "", err
	}
	if err := r.authorize(ctx, command, ec); err != nil {
		return "", err
	}

	workDir := ""
	if cwd := stringArg(args, "cwd"); cwd != "" {
		resolved, err := ResolvePath(ec.Root, cwd)
		if err != nil {
			return "", err
		}
		workDir = resolved
	}

	executor, err := r.newExecutor(ec.Mode, ec.Root)
	if err != nil {
		return "", fmt.Errorf("failed to create executor: %w", err)
	}

	req := sandbox.ExecuteRequest{
		Command:    "bash",
		Args:       []string{"-c", command},
		WorkingDir: workDir,
		Timeout:    r.commandTimeout,
	}
	if needsScript(command, r.scriptThreshold) {
		script, err := writeScript(ec.Root, command)
		if err != nil {
			return "", err
		}
		defer os.Remove(script)
		req.Args = []string{script}
	}

	res, err := r.executeWithRetry(ctx, executor, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", aborted(ctx.Err())
		case errors.Is(err, sandbox.ErrExecutionTimeout):
			return "", fmt.Errorf("command timed out after %s: %w", r.commandTimeout, err)
		default:
			return "", err
		}
	}

	out := formatCommandOutput(res)
	if res.ExitCode != 0 {
		return "", &CommandError{ExitCode: res.ExitCode, Output: tail(out, 2000)}
	}
	if out == "" {
		out = "(no output)"
	}
	return out, nil
}

// authorize passes when every executable is allowed by the context or the
// persisted allowlist, and otherwise asks for approval.
func (r *Runner) authorize(ctx context.Context, command string, ec ExecContext) error {
	missing := disallowedExecutables(command, func(exe string) bool {
		return slices.Contains(ec.AllowedCommands, exe) || r.allowlist.IsAllowed(exe)
	})
	if len(missing) == 0 {
		return nil
	}
	if r.approvals == nil {
		return fmt.Errorf("%w: %s not allow-listed", ErrApprovalRejected, strings.Join(missing, ", "))
	}
	_, err := r.approvals.Request(ctx, ApprovalRequest{
		Command:     command,
		Executables: missing,
		Root:        ec.Root,
		ThreadID:    ec.ThreadID,
		AgentID:     ec.AgentID,
		SwarmID:     ec.SwarmID,
	})
	return err
}

// executeWithRetry retries spawn failures only, with linear backoff, and
// never once the context is done.
func (r *Runner) executeWithRetry(ctx context.Context, executor sandbox.Executor, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	var lastErr error
	for attempt := 1; attempt <= r.spawnAttempts; attempt++ {
		if ctx.Err() != nil {
			return sandbox.ExecuteResult{}, ctx.Err()
		}
		res, err := executor.Execute(ctx, req)
		if err == nil || !errors.Is(err, sandbox.ErrSpawnFailed) {
			return res, err
		}
		lastErr = err
		if attempt == r.spawnAttempts {
			break
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Command spawn failed, retrying")

		timer := time.NewTimer(time.Duration(attempt) * r.spawnBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sandbox.ExecuteResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	return sandbox.ExecuteResult{}, fmt.Errorf("after %d attempts: %w", r.spawnAttempts, lastErr)
}

func needsScript(command string, threshold int) bool {
	return strings.Contains(command, "\n") || strings.Contains(command, "<<") || len(command) > threshold
}

// writeScript stores command in an owner-only script under the root's temp
// directory. The caller removes it.
func writeScript(root, command string) (string, error) {
	dir := filepath.Join(root, stateDir, "tmp")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create script directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "agent_cmd_*.sh")
	if err != nil {
		return "", fmt.Errorf("failed to create script: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString("#!/usr/bin/env bash\n" + command + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	if err := os.Chmod(path, 0700); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func formatCommandOutput(res sandbox.ExecuteResult) string {
	stdout := strings.TrimRight(string(res.Stdout), "\n")
	stderr := strings.TrimRight(string(res.Stderr), "\n")
	stdout, _ = Redact(stdout)
	stderr, _ = Redact(stderr)

	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return "[stderr]\n" + stderr
	default:
		return stdout + "\n[stderr]\n" + stderr
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
