package swarm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestParseIsolation(t *testing.T) {
	for in, want := range map[string]Isolation{
		"":          IsolationDirectory,
		"directory": IsolationDirectory,
		"Worktree":  IsolationWorktree,
		" none ":    IsolationNone,
	} {
		got, err := ParseIsolation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseIsolation("container")
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "API-01", safeName("API-01"))
	assert.Equal(t, "feat-login", safeName("feat/login"))
	assert.Equal(t, "task", safeName("../"))
}

func TestDirectoryIsolationCopiesProject(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "main.go"), "package main\n")
	writeFile(t, filepath.Join(project, "pkg", "lib.go"), "package pkg\n")
	writeFile(t, filepath.Join(project, ".git", "HEAD"), "ref: refs/heads/main\n")
	writeFile(t, filepath.Join(project, "node_modules", "x", "index.js"), "")
	writeFile(t, filepath.Join(project, ".hive", "workers", "old", "stale.txt"), "")
	require.NoError(t, os.Symlink("main.go", filepath.Join(project, "link.go")))

	iso := NewIsolator(IsolationDirectory, zerolog.Nop())
	ws, err := iso.Prepare(context.Background(), project, "API/01")
	require.NoError(t, err)

	assert.Equal(t, IsolationDirectory, ws.Kind)
	assert.Equal(t, filepath.Join(project, ".hive", "workers", "API-01"), ws.Path)

	data, err := os.ReadFile(filepath.Join(ws.Path, "pkg", "lib.go"))
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", string(data))
	target, err := os.Readlink(filepath.Join(ws.Path, "link.go"))
	require.NoError(t, err)
	assert.Equal(t, "main.go", target)

	for _, skipped := range []string{".git", "node_modules", ".hive"} {
		assert.NoDirExists(t, filepath.Join(ws.Path, skipped))
	}

	require.NoError(t, iso.Cleanup(context.Background(), ws))
	assert.NoDirExists(t, ws.Path)
	assert.FileExists(t, filepath.Join(project, "main.go"))
}

func TestNoIsolationUsesProject(t *testing.T) {
	project := t.TempDir()
	iso := NewIsolator(IsolationNone, zerolog.Nop())

	ws, err := iso.Prepare(context.Background(), project, "T")
	require.NoError(t, err)
	assert.Equal(t, project, ws.Path)

	require.NoError(t, iso.Cleanup(context.Background(), ws))
	assert.DirExists(t, project)
}

func TestPrepareRejectsMissingProject(t *testing.T) {
	iso := NewIsolator(IsolationDirectory, zerolog.Nop())
	_, err := iso.Prepare(context.Background(), filepath.Join(t.TempDir(), "missing"), "T")
	assert.Error(t, err)
}

func TestWorktreeFallsBackToCopyOutsideRepository(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "README.md"), "hi")

	ws, err := NewIsolator(IsolationWorktree, zerolog.Nop()).Prepare(context.Background(), project, "T")
	require.NoError(t, err)
	assert.Equal(t, IsolationDirectory, ws.Kind)
	assert.FileExists(t, filepath.Join(ws.Path, "README.md"))
}

func TestWorktreeIsolation(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	project := t.TempDir()
	writeFile(t, filepath.Join(project, "README.md"), "hello")
	for _, args := range [][]string{
		{"init", "-q"},
		{"add", "README.md"},
		{"-c", "user.email=dev@example.com", "-c", "user.name=dev", "commit", "-q", "-m", "init"},
	} {
		_, err := runGit(ctx, project, args...)
		require.NoError(t, err)
	}

	iso := NewIsolator(IsolationWorktree, zerolog.Nop())
	ws, err := iso.Prepare(ctx, project, "API-01")
	require.NoError(t, err)
	assert.Equal(t, IsolationWorktree, ws.Kind)
	assert.Equal(t, "hive/API-01", ws.Branch)
	assert.FileExists(t, filepath.Join(ws.Path, "README.md"))

	require.NoError(t, iso.Cleanup(ctx, ws))
	assert.NoDirExists(t, ws.Path)

	// The branch survives cleanup, so a second worktree reuses it.
	ws, err = iso.Prepare(ctx, project, "API-01")
	require.NoError(t, err)
	assert.Equal(t, IsolationWorktree, ws.Kind)
	require.NoError(t, iso.Cleanup(ctx, ws))
}
