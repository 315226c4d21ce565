package toolrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/hive/pkg/storage"
)

const (
	// AuditFileName is the per-project record of every tool call.
	AuditFileName = "audit.jsonl"
	// stateDir holds per-project runtime files.
	stateDir = ".hive"
)

// Outcomes written to the audit trail.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeBlocked   = "blocked"
	OutcomeViolation = "violation"
	OutcomeRejected  = "rejected"
	OutcomeAborted   = "aborted"
)

// AuditPath returns the audit trail key of a project.
func AuditPath(projectRoot string) string {
	return filepath.Join(projectRoot, stateDir, AuditFileName)
}

// AuditEntry is one line of the audit trail. Tool arguments are never
// stored since they may carry secrets.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	Tool       string    `json:"tool"`
	CallID     string    `json:"callId,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`
	SwarmID    string    `json:"swarmId,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrSecurityBlock):
		return OutcomeBlocked
	case errors.Is(err, ErrSecurityViolation):
		return OutcomeViolation
	case errors.Is(err, ErrApprovalRejected):
		return OutcomeRejected
	case errors.Is(err, ErrAborted):
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}

// audit appends one entry to the project's trail. Failures are logged and
// never fail the call.
func (r *Runner) audit(ctx context.Context, ec ExecContext, tool, callID string, duration time.Duration, callErr error) {
	if r.trail == nil {
		return
	}
	entry := AuditEntry{
		Time:       time.Now().UTC(),
		Tool:       tool,
		CallID:     callID,
		AgentID:    ec.AgentID,
		ThreadID:   ec.ThreadID,
		SwarmID:    ec.SwarmID,
		Outcome:    outcomeOf(callErr),
		DurationMs: duration.Milliseconds(),
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		r.logger.Error().Err(err).Str("tool", tool).Msg("Failed to encode audit entry")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.trail.Append(writeCtx, AuditPath(ec.projectRoot()), line); err != nil {
		r.logger.Error().Err(err).Str("tool", tool).Msg("Failed to write audit entry")
	}
}

// AuditTrail returns a project's audit entries, oldest first.
func (r *Runner) AuditTrail(ctx context.Context, projectRoot string) ([]AuditEntry, error) {
	if r.trail == nil {
		return nil, nil
	}
	return ReadAuditTrail(ctx, r.trail, projectRoot)
}

// ReadAuditTrail decodes a project's audit entries from log. A line that
// does not decode stops the read with an error naming it.
func ReadAuditTrail(ctx context.Context, log storage.AppendLog, projectRoot string) ([]AuditEntry, error) {
	records, err := log.ReadAll(ctx, AuditPath(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	entries := make([]AuditEntry, 0, len(records))
	for i, rec := range records {
		var e AuditEntry
		if err := json.Unmarshal(rec, &e); err != nil {
			return nil, fmt.Errorf("audit trail line %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
