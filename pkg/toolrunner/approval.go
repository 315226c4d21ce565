package toolrunner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/pkg/events"
)

// DefaultApprovalTimeout bounds how long a command waits for a decision.
const DefaultApprovalTimeout = 5 * time.Minute

// ApprovalAction is a human decision.
type ApprovalAction string

const (
	ApprovalActionAllowOnce   ApprovalAction = "allow-once"
	ApprovalActionAllowAlways ApprovalAction = "allow-always"
	ApprovalActionDeny        ApprovalAction = "deny"
)

// ParseApprovalAction parses a user-provided action string. "approve" and
// "reject" are accepted as aliases for allow-once and deny.
func ParseApprovalAction(value string) (ApprovalAction, error) {
	action := ApprovalAction(strings.ToLower(strings.TrimSpace(value)))
	switch action {
	case ApprovalActionAllowOnce, ApprovalActionAllowAlways, ApprovalActionDeny:
		return action, nil
	case "approve":
		return ApprovalActionAllowOnce, nil
	case "reject":
		return ApprovalActionDeny, nil
	default:
		return "", fmt.Errorf("invalid approval action %q", value)
	}
}

// ApprovalRequest describes a command waiting for a human.
type ApprovalRequest struct {
	Command     string   `json:"command"`
	Executables []string `json:"executables"`
	Root        string   `json:"root"`
	ThreadID    string   `json:"threadId,omitempty"`
	AgentID     string   `json:"agentId,omitempty"`
	SwarmID     string   `json:"swarmId,omitempty"`
}

// PendingApproval is a request with its ID and deadline.
type PendingApproval struct {
	ID        string          `json:"id"`
	Request   ApprovalRequest `json:"request"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Decision is how a request was resolved.
type Decision struct {
	Action ApprovalAction
	Actor  string
}

// ApprovalForwarder delivers pending approvals to a human-facing channel.
type ApprovalForwarder interface {
	ForwardApproval(ctx context.Context, pending PendingApproval) error
}

// ApprovalConfig configures an ApprovalManager.
type ApprovalConfig struct {
	Timeout    time.Duration
	Forwarders []ApprovalForwarder
	Allowlist  *Allowlist
	Publisher  events.Publisher
	Logger     zerolog.Logger
}

type pendingEntry struct {
	info PendingApproval
	ch   chan Decision
}

// ApprovalManager parks commands until Resolve is called, the timeout
// elapses, or the caller cancels.
type ApprovalManager struct {
	timeout    time.Duration
	forwarders []ApprovalForwarder
	allowlist  *Allowlist
	publisher  events.Publisher
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewApprovalManager creates an approval manager.
func NewApprovalManager(cfg ApprovalConfig) *ApprovalManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		timeout:    cfg.Timeout,
		forwarders: cfg.Forwarders,
		allowlist:  cfg.Allowlist,
		publisher:  events.OrNop(cfg.Publisher),
		logger:     cfg.Logger,
		now:        time.Now,
		pending:    make(map[string]*pendingEntry),
	}
}

// AddForwarder registers another delivery channel.
func (m *ApprovalManager) AddForwarder(f ApprovalForwarder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarders = append(m.forwarders, f)
}

// Request forwards req and blocks for a decision. Deny and timeout return
// ErrApprovalRejected; cancellation returns ErrAborted.
func (m *ApprovalManager) Request(ctx context.Context, req ApprovalRequest) (Decision, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to generate approval id: %w", err)
	}

	now := m.now()
	entry := &pendingEntry{
		info: PendingApproval{
			ID:        id,
			Request:   req,
			CreatedAt: now,
			ExpiresAt: now.Add(m.timeout),
		},
		ch: make(chan Decision, 1),
	}

	m.mu.Lock()
	m.pending[id] = entry
	forwarders := append([]ApprovalForwarder(nil), m.forwarders...)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	m.logger.Info().
		Str("approval_id", id).
		Str("command", truncate(req.Command, 200)).
		Strs("executables", req.Executables).
		Str("agent_id", req.AgentID).
		Msg("Requesting approval")

	// A failing channel does not reject: another channel may still answer.
	for _, f := range forwarders {
		if err := f.ForwardApproval(ctx, entry.info); err != nil {
			m.logger.Warn().Err(err).Str("approval_id", id).Msg("Failed to forward approval")
		}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case d := <-entry.ch:
		m.publishResolved(entry.info, d.Action, d.Actor)
		if d.Action == ApprovalActionDeny {
			observability.RecordApproval("denied")
			return d, fmt.Errorf("%w: denied by %s", ErrApprovalRejected, d.Actor)
		}
		observability.RecordApproval(string(d.Action))
		return d, nil

	case <-timer.C:
		observability.RecordApproval("timeout")
		m.publishResolved(entry.info, ApprovalActionDeny, "timeout")
		m.logger.Warn().Str("approval_id", id).Dur("timeout", m.timeout).Msg("Approval request timed out")
		return Decision{Action: ApprovalActionDeny, Actor: "timeout"}, fmt.Errorf("%w: timed out after %s", ErrApprovalRejected, m.timeout)

	case <-ctx.Done():
		observability.RecordApproval("aborted")
		m.publishResolved(entry.info, ApprovalActionDeny, "aborted")
		return Decision{Action: ApprovalActionDeny, Actor: "aborted"}, aborted(ctx.Err())
	}
}

// Resolve answers a pending approval. allow-always also persists the
// request's executables to the allowlist.
func (m *ApprovalManager) Resolve(id string, action ApprovalAction, actor string) error {
	m.mu.Lock()
	entry, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval %s not found", id)
	}
	if actor == "" {
		actor = "unknown"
	}

	switch action {
	case ApprovalActionAllowOnce, ApprovalActionDeny:
	case ApprovalActionAllowAlways:
		if m.allowlist != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, exe := range entry.info.Request.Executables {
				err := m.allowlist.Add(ctx, AllowlistEntry{
					Command: exe,
					Reason:  fmt.Sprintf("allow-always by %s", actor),
				})
				if err != nil {
					return fmt.Errorf("failed to persist allowlist entry: %w", err)
				}
			}
		}
	default:
		return fmt.Errorf("unsupported approval action %q", action)
	}

	select {
	case entry.ch <- Decision{Action: action, Actor: actor}:
		m.logger.Info().Str("approval_id", id).Str("action", string(action)).Str("actor", actor).Msg("Approval resolved")
		return nil
	default:
		return fmt.Errorf("approval %s already resolved", id)
	}
}

// Pending lists waiting approvals, oldest first.
func (m *ApprovalManager) Pending() []PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingApproval, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PurgeExpired denies every pending approval past its deadline and returns
// how many were purged. Waiters normally time out on their own; this catches
// entries whose waiter is stuck.
func (m *ApprovalManager) PurgeExpired() int {
	now := m.now()
	m.mu.Lock()
	var expired []*pendingEntry
	for id, e := range m.pending {
		if now.After(e.info.ExpiresAt) {
			expired = append(expired, e)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		select {
		case e.ch <- Decision{Action: ApprovalActionDeny, Actor: "expired"}:
		default:
		}
	}
	return len(expired)
}

func (m *ApprovalManager) publishResolved(p PendingApproval, action ApprovalAction, actor string) {
	m.publisher.Publish(events.Event{
		Type:     events.ApprovalResolved,
		ThreadID: p.Request.ThreadID,
		AgentID:  p.Request.AgentID,
		SwarmID:  p.Request.SwarmID,
		Data: map[string]any{
			"approvalId": p.ID,
			"action":     string(action),
			"actor":      actor,
		},
	})
}

// EventForwarder broadcasts pending approvals as approval_required events.
type EventForwarder struct {
	Publisher events.Publisher
}

func (f EventForwarder) ForwardApproval(_ context.Context, p PendingApproval) error {
	events.OrNop(f.Publisher).Publish(events.Event{
		Type:     events.ApprovalRequired,
		ThreadID: p.Request.ThreadID,
		AgentID:  p.Request.AgentID,
		SwarmID:  p.Request.SwarmID,
		Data: map[string]any{
			"approvalId":  p.ID,
			"command":     truncate(p.Request.Command, 200),
			"executables": p.Request.Executables,
			"expiresAt":   p.ExpiresAt.UnixMilli(),
		},
	})
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
