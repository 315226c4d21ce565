package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hive/pkg/filelock"
)

// A PID above any kernel's pid_max, so the owner is never alive.
const deadPID = 1 << 30

func writeLock(t *testing.T, path string, pid int, created time.Time) {
	t.Helper()
	raw, err := json.Marshal(filelock.Record{PID: pid, CreatedAt: created.UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+filelock.Suffix, raw, 0o644))
}

func TestLocksInspect(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	dir := t.TempDir()
	target := filepath.Join(dir, "MEMORY.md")

	out, err := execute(t, "locks", "inspect", "--config", cfgPath, target)
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")

	writeLock(t, target, os.Getpid(), time.Now())
	out, err = execute(t, "locks", "inspect", "--config", cfgPath, target)
	require.NoError(t, err)
	assert.Contains(t, out, "live")

	writeLock(t, target, deadPID, time.Now())
	out, err = execute(t, "locks", "inspect", "--config", cfgPath, target)
	require.NoError(t, err)
	assert.Contains(t, out, "dead owner")
}

func TestLocksSweep(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	dir := t.TempDir()
	dead := filepath.Join(dir, "TASKS.md")
	live := filepath.Join(dir, "MEMORY.md")
	writeLock(t, dead, deadPID, time.Now())
	writeLock(t, live, os.Getpid(), time.Now())

	out, err := execute(t, "locks", "sweep", "--config", cfgPath, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Swept 1 lock(s)")
	assert.Contains(t, out, dead)

	assert.NoFileExists(t, dead+filelock.Suffix)
	assert.FileExists(t, live+filelock.Suffix)
}
