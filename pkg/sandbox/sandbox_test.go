package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) (*HostSandbox, string) {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Root = root
	sb, err := NewHostSandbox(cfg)
	require.NoError(t, err)
	return sb, root
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorIs(t, ValidateConfig(cfg), ErrRootRequired)

	cfg.Root = "/tmp"
	assert.NoError(t, ValidateConfig(cfg))

	bad := cfg
	bad.ResourceLimits.MaxCPU = 150
	assert.ErrorIs(t, ValidateConfig(bad), ErrInvalidCPULimit)

	bad = cfg
	bad.ResourceLimits.MaxMemoryMB = -1
	assert.ErrorIs(t, ValidateConfig(bad), ErrInvalidMemoryLimit)

	bad = cfg
	bad.Timeout = -time.Second
	assert.ErrorIs(t, ValidateConfig(bad), ErrInvalidTimeout)
}

func TestNewRuntime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()

	host, err := New(RuntimeForMode("local"), cfg)
	require.NoError(t, err)
	assert.Equal(t, RuntimeHost, host.Runtime())

	docker, err := New(RuntimeForMode("cloud"), cfg)
	require.NoError(t, err)
	assert.Equal(t, RuntimeDocker, docker.Runtime())

	_, err = New("firecracker", cfg)
	assert.ErrorIs(t, err, ErrInvalidRuntime)

	cfg.Docker.Image = ""
	_, err = NewDockerSandbox(cfg)
	assert.ErrorIs(t, err, ErrDockerImageRequired)
}

func TestHostExecute(t *testing.T) {
	sb, root := newHost(t)

	res, err := sb.Execute(context.Background(), ExecuteRequest{Command: "pwd"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHostExecuteExitCode(t *testing.T) {
	sb, _ := newHost(t)

	res, err := sb.Execute(context.Background(), ExecuteRequest{
		Command: "sh",
		Args:    []string{"-c", "echo oops >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", string(res.Stderr))
}

func TestHostExecuteEnvAndStdin(t *testing.T) {
	sb, _ := newHost(t)

	res, err := sb.Execute(context.Background(), ExecuteRequest{
		Command: "sh",
		Args:    []string{"-c", "read line; echo \"$GREETING $line\""},
		Env:     map[string]string{"GREETING": "hello"},
		Stdin:   []byte("world\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(res.Stdout))
}

func TestHostExecuteTimeout(t *testing.T) {
	sb, _ := newHost(t)

	start := time.Now()
	res, err := sb.Execute(context.Background(), ExecuteRequest{
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHostExecuteCancelled(t *testing.T) {
	sb, _ := newHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := sb.Execute(ctx, ExecuteRequest{Command: "sleep", Args: []string{"5"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHostExecuteSpawnFailure(t *testing.T) {
	sb, _ := newHost(t)

	_, err := sb.Execute(context.Background(), ExecuteRequest{Command: "definitely-not-a-real-binary-xyz"})
	assert.True(t, errors.Is(err, ErrSpawnFailed))
}

func TestHostWorkingDirConfined(t *testing.T) {
	sb, root := newHost(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))

	res, err := sb.Execute(context.Background(), ExecuteRequest{Command: "pwd", WorkingDir: "sub"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(res.Stdout)), "sub"))

	_, err = sb.Execute(context.Background(), ExecuteRequest{Command: "pwd", WorkingDir: "../"})
	assert.ErrorIs(t, err, ErrFilesystemAccessDenied)

	_, err = sb.Execute(context.Background(), ExecuteRequest{Command: "pwd", WorkingDir: "/etc"})
	assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
}

func TestDockerRunArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = "/work/project"
	cfg.Env = map[string]string{"B": "2"}
	sb, err := NewDockerSandbox(cfg)
	require.NoError(t, err)

	args := sb.buildRunArgs(ExecuteRequest{
		Command: "bash",
		Args:    []string{"script.sh"},
		Env:     map[string]string{"A": "1"},
	}, "/work/project/sub")

	joined := strings.Join(args, " ")
	assert.True(t, strings.HasPrefix(joined, "run --rm --init --network none"))
	assert.Contains(t, joined, "--cpus 0.50")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--pids-limit 64")
	assert.Contains(t, joined, "-v /work/project:/work/project:rw -w /work/project/sub")
	assert.Contains(t, joined, "-e A=1 -e B=2")
	assert.True(t, strings.HasSuffix(joined, "alpine:3.20 bash script.sh"))
}

func TestDockerSpawnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	sb, err := NewDockerSandbox(cfg)
	require.NoError(t, err)
	sb.binary = "definitely-not-docker-xyz"

	_, err = sb.Execute(context.Background(), ExecuteRequest{Command: "true"})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}
