package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// DockerSandbox runs each command in an ephemeral container with Root
// bind-mounted at the same path.
type DockerSandbox struct {
	config Config
	binary string
}

// NewDockerSandbox creates a new Docker-based sandbox.
func NewDockerSandbox(config Config) (*DockerSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(config.Docker.Image) == "" {
		return nil, ErrDockerImageRequired
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	config.Root = filepath.Clean(config.Root)
	return &DockerSandbox{config: config, binary: "docker"}, nil
}

func (d *DockerSandbox) Runtime() Runtime { return RuntimeDocker }

// Execute runs a command inside an ephemeral Docker container.
func (d *DockerSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, fmt.Errorf("command is required")
	}
	dir, err := resolveWorkingDir(d.config.Root, req.WorkingDir)
	if err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = d.config.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, d.binary, d.buildRunArgs(req, dir)...)
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

	d.config.Logger.Debug().
		Str("image", d.config.Docker.Image).
		Str("command", req.Command).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in docker sandbox")

	return result, nil
}

func (d *DockerSandbox) buildRunArgs(req ExecuteRequest, dir string) []string {
	cfg := d.config
	args := []string{"run", "--rm", "--init"}

	network := strings.TrimSpace(cfg.Docker.Network)
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if cfg.ResourceLimits.MaxCPU > 0 {
		cpus := float64(cfg.ResourceLimits.MaxCPU) / 100.0
		args = append(args, "--cpus", strconv.FormatFloat(cpus, 'f', 2, 64))
	}
	if cfg.ResourceLimits.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.ResourceLimits.MaxMemoryMB))
	}
	if cfg.ResourceLimits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.ResourceLimits.MaxProcesses))
	}
	if user := strings.TrimSpace(cfg.Docker.User); user != "" {
		args = append(args, "--user", user)
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", cfg.Root, cfg.Root), "-w", dir)

	env := make(map[string]string, len(cfg.Env)+len(req.Env))
	for k, v := range cfg.Env {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}

	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}

	args = append(args, cfg.Docker.Image, req.Command)
	return append(args, req.Args...)
}
