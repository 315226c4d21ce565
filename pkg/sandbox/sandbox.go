// Package sandbox runs commands for agent tools, either directly on the host
// confined to a root directory or inside an ephemeral Docker container.
package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runtime selects where commands run.
type Runtime string

const (
	// RuntimeHost runs commands as host processes.
	RuntimeHost Runtime = "host"
	// RuntimeDocker runs commands in a throwaway container.
	RuntimeDocker Runtime = "docker"
)

// RuntimeForMode maps a tool execution mode to a runtime: "cloud" runs in
// containers, everything else on the host.
func RuntimeForMode(mode string) Runtime {
	if mode == "cloud" {
		return RuntimeDocker
	}
	return RuntimeHost
}

// Config defines sandbox configuration
type Config struct {
	// Root confines working directories.
	Root string `json:"root"`

	// Timeout is the default execution timeout.
	Timeout time.Duration `json:"timeout"`

	// Env is added to every command's environment.
	Env map[string]string `json:"env"`

	ResourceLimits ResourceLimits `json:"resource_limits"`

	Docker DockerConfig `json:"docker"`

	Logger zerolog.Logger `json:"-"`
}

// ResourceLimits are enforced by the docker runtime.
type ResourceLimits struct {
	MaxCPU       int `json:"max_cpu"` // percent, 0-100
	MaxMemoryMB  int `json:"max_memory_mb"`
	MaxProcesses int `json:"max_processes"`
}

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Image   string `json:"image"`
	Network string `json:"network"`
	User    string `json:"user"`
}

// ExecuteRequest represents a sandbox execution request
type ExecuteRequest struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Stdin      []byte            `json:"stdin"`
	Timeout    time.Duration     `json:"timeout"`
}

// ExecuteResult represents a sandbox execution result. A non-zero ExitCode
// is not an error.
type ExecuteResult struct {
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Executor runs commands.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	Runtime() Runtime
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 60 * time.Second,
		ResourceLimits: ResourceLimits{
			MaxCPU:       50,
			MaxMemoryMB:  512,
			MaxProcesses: 64,
		},
		Docker: DockerConfig{
			Image:   "alpine:3.20",
			Network: "none",
		},
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Root) == "" {
		return ErrRootRequired
	}
	if cfg.ResourceLimits.MaxCPU < 0 || cfg.ResourceLimits.MaxCPU > 100 {
		return ErrInvalidCPULimit
	}
	if cfg.ResourceLimits.MaxMemoryMB < 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.ResourceLimits.MaxProcesses < 0 {
		return ErrInvalidProcessLimit
	}
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// New builds the executor for runtime.
func New(runtime Runtime, cfg Config) (Executor, error) {
	switch runtime {
	case RuntimeHost, "":
		return NewHostSandbox(cfg)
	case RuntimeDocker:
		return NewDockerSandbox(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRuntime, runtime)
	}
}

// resolveWorkingDir defaults dir to root and rejects anything outside it.
func resolveWorkingDir(root, dir string) (string, error) {
	if dir == "" {
		return root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, dir)
	}
	return dir, nil
}
