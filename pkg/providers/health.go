package providers

import (
	"math"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/rs/zerolog"
)

const (
	DefaultFailureWindow  = 24 * time.Hour
	DefaultBillingBackoff = 5 * time.Hour
	DefaultBillingMax     = 24 * time.Hour

	maxCooldown       = time.Hour
	baseCooldown      = time.Minute
	minBillingBackoff = time.Minute
)

// Stats is the health record of one provider.
type Stats struct {
	LastUsed       time.Time             `json:"last_used,omitempty"`
	LastFailureAt  time.Time             `json:"last_failure_at,omitempty"`
	ErrorCount     int                   `json:"error_count"`
	FailureCounts  map[FailureReason]int `json:"failure_counts,omitempty"`
	CooldownUntil  time.Time             `json:"cooldown_until,omitempty"`
	DisabledUntil  time.Time             `json:"disabled_until,omitempty"`
	DisabledReason FailureReason         `json:"disabled_reason,omitempty"`
}

// UnusableUntil is the later of CooldownUntil and DisabledUntil.
func (s Stats) UnusableUntil() time.Time {
	if s.DisabledUntil.After(s.CooldownUntil) {
		return s.DisabledUntil
	}
	return s.CooldownUntil
}

func (s Stats) clone() Stats {
	out := s
	if s.FailureCounts != nil {
		out.FailureCounts = make(map[FailureReason]int, len(s.FailureCounts))
		for k, v := range s.FailureCounts {
			out.FailureCounts[k] = v
		}
	}
	return out
}

// CooldownDuration is the non-billing backoff for the n-th consecutive
// failure: 1m, 5m, 25m, then capped at 1h.
func CooldownDuration(errorCount int) time.Duration {
	n := max(1, errorCount)
	d := time.Duration(float64(baseCooldown) * math.Pow(5, float64(min(n-1, 3))))
	return min(maxCooldown, d)
}

// BillingDisableDuration doubles from base for each billing failure, capped at
// maxDur. base is floored at one minute.
func BillingDisableDuration(billingCount int, base, maxDur time.Duration) time.Duration {
	n := max(1, billingCount)
	base = max(minBillingBackoff, base)
	maxDur = max(base, maxDur)
	d := time.Duration(float64(base) * math.Pow(2, float64(min(n-1, 10))))
	return min(maxDur, d)
}

// HealthConfig configures a HealthTracker. Zero durations take the defaults.
type HealthConfig struct {
	FailureWindow  time.Duration
	BillingBackoff time.Duration
	BillingMax     time.Duration
	Logger         zerolog.Logger
	Now            func() time.Time
}

// HealthTracker records per-provider failures and cooldowns.
type HealthTracker struct {
	mu     sync.Mutex
	stats  map[string]*Stats
	cfg    HealthConfig
	logger zerolog.Logger
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BillingBackoff <= 0 {
		cfg.BillingBackoff = DefaultBillingBackoff
	}
	if cfg.BillingMax <= 0 {
		cfg.BillingMax = DefaultBillingMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()
	return &HealthTracker{
		stats:  make(map[string]*Stats),
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

func (t *HealthTracker) entry(id string) *Stats {
	s, ok := t.stats[id]
	if !ok {
		s = &Stats{FailureCounts: make(map[FailureReason]int)}
		t.stats[id] = s
	}
	return s
}

// MarkSuccess clears every failure counter and cooldown for id.
func (t *HealthTracker) MarkSuccess(id string) {
	t.mu.Lock()
	s := t.entry(id)
	s.LastUsed = t.cfg.Now()
	s.ErrorCount = 0
	s.FailureCounts = make(map[FailureReason]int)
	s.CooldownUntil = time.Time{}
	s.DisabledUntil = time.Time{}
	s.DisabledReason = ""
	t.mu.Unlock()

	observability.SetProviderCooldown(id, false)
}

// MarkFailure records a failure and applies the cooldown for reason. Billing
// failures disable the provider on a separate, longer schedule.
func (t *HealthTracker) MarkFailure(id string, reason FailureReason) {
	now := t.cfg.Now()

	t.mu.Lock()
	s := t.entry(id)
	if !s.LastFailureAt.IsZero() && now.Sub(s.LastFailureAt) > t.cfg.FailureWindow {
		s.ErrorCount = 0
		s.FailureCounts = make(map[FailureReason]int)
	}

	s.ErrorCount++
	s.FailureCounts[reason]++
	s.LastFailureAt = now

	var until time.Time
	if reason == ReasonBilling {
		s.DisabledUntil = now.Add(BillingDisableDuration(s.FailureCounts[ReasonBilling], t.cfg.BillingBackoff, t.cfg.BillingMax))
		s.DisabledReason = ReasonBilling
		until = s.DisabledUntil
	} else {
		s.CooldownUntil = now.Add(CooldownDuration(s.ErrorCount))
		until = s.CooldownUntil
	}
	errorCount := s.ErrorCount
	t.mu.Unlock()

	observability.RecordProviderFailure(id, string(reason))
	observability.SetProviderCooldown(id, true)
	t.logger.Warn().
		Str("provider", id).
		Str("reason", string(reason)).
		Int("error_count", errorCount).
		Time("until", until).
		Msg("Provider failed")
}

// IsInCooldown reports whether id is cooling down or disabled.
func (t *HealthTracker) IsInCooldown(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inCooldown(id)
}

func (t *HealthTracker) inCooldown(id string) bool {
	s, ok := t.stats[id]
	if !ok {
		return false
	}
	return t.cfg.Now().Before(s.UnusableUntil())
}

// NextAvailable picks preferred when it is a candidate and healthy, else the
// first healthy candidate in order. When every candidate is cooling down it
// returns the one whose cooldown ends soonest. It reports false only when
// candidates is empty.
func (t *HealthTracker) NextAvailable(preferred string, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range candidates {
		if id == preferred && !t.inCooldown(id) {
			return id, true
		}
	}
	for _, id := range candidates {
		if id != preferred && !t.inCooldown(id) {
			return id, true
		}
	}

	soonest := candidates[0]
	soonestAt := t.stats[soonest].UnusableUntil()
	for _, id := range candidates[1:] {
		if until := t.stats[id].UnusableUntil(); until.Before(soonestAt) {
			soonest, soonestAt = id, until
		}
	}
	return soonest, true
}

// Stats returns a copy of id's record.
func (t *HealthTracker) Stats(id string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[id]
	if !ok {
		return Stats{}, false
	}
	return s.clone(), true
}

// AllStats returns a copy of every record.
func (t *HealthTracker) AllStats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.stats))
	for id, s := range t.stats {
		out[id] = s.clone()
	}
	return out
}

// Reset forgets everything about id.
func (t *HealthTracker) Reset(id string) {
	t.mu.Lock()
	delete(t.stats, id)
	t.mu.Unlock()

	observability.SetProviderCooldown(id, false)
	t.logger.Info().Str("provider", id).Msg("Provider health reset")
}
