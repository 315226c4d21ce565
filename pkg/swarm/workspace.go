package swarm

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
)

// Isolation selects how a worker's workspace is separated from the project.
type Isolation string

const (
	IsolationNone      Isolation = "none"
	IsolationDirectory Isolation = "directory"
	IsolationWorktree  Isolation = "worktree"
)

// ParseIsolation validates an isolation mode. Empty means directory.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationDirectory:
		return IsolationDirectory, nil
	case IsolationWorktree:
		return IsolationWorktree, nil
	case IsolationNone:
		return IsolationNone, nil
	}
	return "", fmt.Errorf("unknown isolation mode %q", s)
}

// workDir is the per-project directory holding worker workspaces. It is
// skipped when copying a project.
const workDir = ".hive"

var skipOnCopy = map[string]bool{
	".git":         true,
	workDir:        true,
	"node_modules": true,
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(taskID string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(taskID, "-"), "-.")
	if name == "" {
		name = "task"
	}
	return name
}

// Workspace is the directory a worker operates in.
type Workspace struct {
	Path   string
	Kind   Isolation
	Branch string

	project string
}

// Isolator prepares worker workspaces.
type Isolator struct {
	mode   Isolation
	logger zerolog.Logger
}

// NewIsolator creates an Isolator for mode.
func NewIsolator(mode Isolation, logger zerolog.Logger) *Isolator {
	if mode == "" {
		mode = IsolationDirectory
	}
	return &Isolator{mode: mode, logger: logger}
}

// Mode returns the configured isolation mode.
func (i *Isolator) Mode() Isolation { return i.mode }

// Prepare creates the workspace for taskID. A worktree that cannot be
// created falls back to a directory copy.
func (i *Isolator) Prepare(ctx context.Context, projectPath, taskID string) (Workspace, error) {
	project, err := filepath.Abs(projectPath)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to resolve project path: %w", err)
	}
	info, err := os.Stat(project)
	if err != nil {
		return Workspace{}, fmt.Errorf("project path unavailable: %w", err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("project path is not a directory: %s", project)
	}

	name := safeName(taskID)
	switch i.mode {
	case IsolationNone:
		return Workspace{Path: project, Kind: IsolationNone, project: project}, nil
	case IsolationWorktree:
		ws, err := i.worktree(ctx, project, name)
		if err == nil {
			return ws, nil
		}
		i.logger.Warn().Err(err).Str("task", taskID).Msg("Worktree unavailable, copying project instead")
	}

	dst := filepath.Join(project, workDir, "workers", name)
	if err := os.RemoveAll(dst); err != nil {
		return Workspace{}, fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := copyTree(ctx, project, dst); err != nil {
		return Workspace{}, fmt.Errorf("failed to copy project: %w", err)
	}
	i.logger.Debug().Str("task", taskID).Str("path", dst).Msg("Workspace copied")
	return Workspace{Path: dst, Kind: IsolationDirectory, project: project}, nil
}

func (i *Isolator) worktree(ctx context.Context, project, name string) (Workspace, error) {
	repo, err := git.PlainOpen(project)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to open repository: %w", err)
	}

	path := filepath.Join(project, workDir, "worktrees", name)
	branch := "hive/" + name
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	// Clear a leftover worktree from an earlier attempt; the error is expected
	// when there is none.
	_, _ = runGit(ctx, project, "worktree", "remove", "--force", path)

	if _, err := repo.Reference(plumbing.NewBranchReferenceName(branch), false); err == nil {
		_, err = runGit(ctx, project, "worktree", "add", path, branch)
		if err != nil {
			return Workspace{}, err
		}
	} else if _, err := runGit(ctx, project, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return Workspace{}, err
	}

	i.logger.Debug().Str("branch", branch).Str("path", path).Msg("Worktree created")
	return Workspace{Path: path, Kind: IsolationWorktree, Branch: branch, project: project}, nil
}

// Cleanup removes a workspace created by Prepare. The project itself is
// never removed.
func (i *Isolator) Cleanup(ctx context.Context, ws Workspace) error {
	switch ws.Kind {
	case IsolationWorktree:
		if _, err := runGit(ctx, ws.project, "worktree", "remove", "--force", ws.Path); err != nil {
			return err
		}
		return nil
	case IsolationDirectory:
		if ws.Path == "" || ws.Path == ws.project {
			return nil
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && d.IsDir() && skipOnCopy[d.Name()] {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
