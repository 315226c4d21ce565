package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/storage"
	"github.com/harun/hive/pkg/toolrunner"
)

func TestMain(m *testing.M) {
	// The genai client's auth dependency starts an opencensus view worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestValidateSpec(t *testing.T) {
	assert.NoError(t, ValidateSpec("*/5 * * * *"))
	assert.NoError(t, ValidateSpec("@every 30s"))
	assert.Error(t, ValidateSpec("every five minutes"))
	assert.Error(t, ValidateSpec("* * * * * *"))
}

func TestAddRejectsInvalidJobs(t *testing.T) {
	s := newScheduler(t)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Spec: "* * * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Spec: "* * * * *"}))
	assert.Error(t, s.Add(Job{Name: "a", Spec: "nope", Run: noop}))

	require.NoError(t, s.Add(Job{Name: "a", Spec: "* * * * *", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "a", Spec: "* * * * *", Run: noop}))
}

func TestRunNowRecordsStatus(t *testing.T) {
	s := newScheduler(t)
	fail := true
	require.NoError(t, s.Add(Job{Name: "flaky", Spec: "@hourly", Run: func(context.Context) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}}))

	assert.Error(t, s.RunNow(context.Background(), "flaky"))
	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, 1, st[0].Runs)
	assert.Equal(t, "disk full", st[0].LastError)

	fail = false
	require.NoError(t, s.RunNow(context.Background(), "flaky"))
	st = s.Status()
	assert.Equal(t, 2, st[0].Runs)
	assert.Empty(t, st[0].LastError)

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduledJobRuns(t *testing.T) {
	s := newScheduler(t)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, s.Status()[0].Next.IsZero())
	require.NoError(t, s.Stop(context.Background()))
}

func TestLockSweepRemovesDeadOwners(t *testing.T) {
	store := storage.NewMemoryStore()
	locker := filelock.New(filelock.Config{
		Store: store,
		PID:   100,
		Alive: func(pid int) bool { return pid == 100 },
	})
	ctx := context.Background()
	raw, err := json.Marshal(filelock.Record{PID: 200, CreatedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "/work/MEMORY.md"+filelock.Suffix, raw))

	job := LockSweep("*/5 * * * *", locker, "/work", 0, zerolog.Nop())
	require.NoError(t, job.Run(ctx))

	_, err = store.Get(ctx, "/work/MEMORY.md"+filelock.Suffix)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHealthSnapshotLogsUnavailableProviders(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tracker := providers.NewHealthTracker(providers.HealthConfig{Now: func() time.Time { return now }})
	tracker.MarkFailure("anthropic", providers.ReasonRateLimit)
	tracker.MarkSuccess("openai")

	var buf bytes.Buffer
	job := HealthSnapshot("* * * * *", tracker, func() time.Time { return now }, zerolog.New(&buf))
	require.NoError(t, job.Run(context.Background()))

	assert.Contains(t, buf.String(), "Provider unavailable")
	assert.Contains(t, buf.String(), "anthropic")
	assert.NotContains(t, buf.String(), "openai")
}

func TestApprovalPurgeWithNothingPending(t *testing.T) {
	m := toolrunner.NewApprovalManager(toolrunner.ApprovalConfig{Logger: zerolog.Nop()})
	job := ApprovalPurge("*/10 * * * *", m, zerolog.Nop())
	assert.NoError(t, job.Run(context.Background()))
}

func TestFromConfig(t *testing.T) {
	store := storage.NewMemoryStore()
	deps := Deps{
		Locker:    filelock.New(filelock.Config{Store: store}),
		Health:    providers.NewHealthTracker(providers.HealthConfig{}),
		Approvals: toolrunner.NewApprovalManager(toolrunner.ApprovalConfig{}),
		Logger:    zerolog.Nop(),
	}

	s, err := FromConfig(config.DefaultConfig().Maintenance, deps)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	names := []string{}
	for _, st := range s.Status() {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{JobApprovalPurge, JobHealthSnapshot, JobLockSweep}, names)

	cfg := config.DefaultConfig().Maintenance
	cfg.HealthSnapshot = ""
	s2, err := FromConfig(cfg, Deps{Locker: deps.Locker, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { s2.Stop(context.Background()) })
	require.Len(t, s2.Status(), 1)

	cfg.LockSweep = "bogus"
	_, err = FromConfig(cfg, deps)
	assert.Error(t, err)
}
