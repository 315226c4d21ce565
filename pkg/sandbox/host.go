package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// HostSandbox runs commands as host processes confined to Root.
type HostSandbox struct {
	config Config
}

// NewHostSandbox creates a new host-based sandbox
func NewHostSandbox(config Config) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.Root = filepath.Clean(config.Root)
	return &HostSandbox{config: config}, nil
}

func (h *HostSandbox) Runtime() Runtime { return RuntimeHost }

// Config returns the sandbox configuration
func (h *HostSandbox) Config() Config { return h.config }

// Execute runs a command. The whole process group is killed on timeout or
// cancellation. Cancellation returns ctx.Err(); timeout returns
// ErrExecutionTimeout with whatever output was captured.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	dir, err := resolveWorkingDir(h.config.Root, req.WorkingDir)
	if err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = h.config.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = dir
	cmd.Env = h.buildEnvironment(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return ExecuteResult{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	err = cmd.Wait()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
	}

	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, ctx.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, ErrExecutionTimeout
	}

	var exitErr *exec.ExitError
	if err != nil {
		if !errors.As(err, &exitErr) {
			return result, err
		}
		result.ExitCode = exitErr.ExitCode()
	}

	h.config.Logger.Debug().
		Str("command", req.Command).
		Str("dir", dir).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in sandbox")

	return result, nil
}

// buildEnvironment starts from a minimal environment, then layers the
// configured and per-request variables in sorted order.
func (h *HostSandbox) buildEnvironment(env map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	result := []string{
		"PATH=" + path,
		"HOME=" + h.config.Root,
		"TMPDIR=" + os.TempDir(),
	}
	for _, layer := range []map[string]string{h.config.Env, env} {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			result = append(result, fmt.Sprintf("%s=%s", k, layer[k]))
		}
	}
	return result
}
