package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/providers"
	"github.com/harun/hive/pkg/toolrunner"
)

// Job names.
const (
	JobLockSweep      = "lock_sweep"
	JobHealthSnapshot = "health_snapshot"
	JobApprovalPurge  = "approval_purge"
)

// LockSweep removes abandoned lock files under prefix.
func LockSweep(spec string, locker *filelock.Locker, prefix string, stale time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name: JobLockSweep,
		Spec: spec,
		Run: func(ctx context.Context) error {
			freed, err := locker.Sweep(ctx, prefix, stale)
			if err != nil {
				return err
			}
			if len(freed) > 0 {
				logger.Info().Strs("paths", freed).Msg("Swept stale locks")
			}
			return nil
		},
	}
}

// HealthSnapshot exports each provider's cooldown state as a metric and logs
// providers that are currently unusable.
func HealthSnapshot(spec string, tracker *providers.HealthTracker, now func() time.Time, logger zerolog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name: JobHealthSnapshot,
		Spec: spec,
		Run: func(context.Context) error {
			at := now()
			for id, st := range tracker.AllStats() {
				until := st.UnusableUntil()
				unusable := until.After(at)
				observability.SetProviderCooldown(id, unusable)
				if unusable {
					logger.Info().
						Str("provider", id).
						Int("errors", st.ErrorCount).
						Time("until", until).
						Str("disabled_reason", string(st.DisabledReason)).
						Msg("Provider unavailable")
				}
			}
			return nil
		},
	}
}

// ApprovalPurge denies approvals whose deadline passed.
func ApprovalPurge(spec string, approvals *toolrunner.ApprovalManager, logger zerolog.Logger) Job {
	return Job{
		Name: JobApprovalPurge,
		Spec: spec,
		Run: func(context.Context) error {
			if n := approvals.PurgeExpired(); n > 0 {
				logger.Info().Int("count", n).Msg("Purged expired approvals")
			}
			return nil
		},
	}
}

// Deps are the components housekeeping jobs act on. Nil members skip their job.
type Deps struct {
	Locker     *filelock.Locker
	LockPrefix string
	LockStale  time.Duration
	Health     *providers.HealthTracker
	Approvals  *toolrunner.ApprovalManager
	Logger     zerolog.Logger
}

// FromConfig builds a Scheduler with the jobs enabled in cfg. Empty specs
// disable their job.
func FromConfig(cfg config.MaintenanceConfig, deps Deps) (*Scheduler, error) {
	s := New(Config{Logger: deps.Logger})
	var jobs []Job
	if deps.Locker != nil && cfg.LockSweep != "" {
		jobs = append(jobs, LockSweep(cfg.LockSweep, deps.Locker, deps.LockPrefix, deps.LockStale, deps.Logger))
	}
	if deps.Health != nil && cfg.HealthSnapshot != "" {
		jobs = append(jobs, HealthSnapshot(cfg.HealthSnapshot, deps.Health, nil, deps.Logger))
	}
	if deps.Approvals != nil && cfg.ApprovalPurge != "" {
		jobs = append(jobs, ApprovalPurge(cfg.ApprovalPurge, deps.Approvals, deps.Logger))
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}
