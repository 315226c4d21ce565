package providers

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(clock *fakeClock) *HealthTracker {
	return NewHealthTracker(HealthConfig{Logger: zerolog.Nop(), Now: clock.Now})
}

func TestCooldownDuration(t *testing.T) {
	assert.Equal(t, time.Minute, CooldownDuration(0))
	assert.Equal(t, time.Minute, CooldownDuration(1))
	assert.Equal(t, 5*time.Minute, CooldownDuration(2))
	assert.Equal(t, 25*time.Minute, CooldownDuration(3))
	assert.Equal(t, time.Hour, CooldownDuration(4))
	assert.Equal(t, time.Hour, CooldownDuration(50))

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := CooldownDuration(n)
		assert.GreaterOrEqual(t, d, prev, "cooldown must be non-decreasing")
		assert.LessOrEqual(t, d, time.Hour)
		prev = d
	}
}

func TestBillingDisableDuration(t *testing.T) {
	base, maxDur := 5*time.Hour, 24*time.Hour
	assert.Equal(t, 5*time.Hour, BillingDisableDuration(1, base, maxDur))
	assert.Equal(t, 10*time.Hour, BillingDisableDuration(2, base, maxDur))
	assert.Equal(t, 20*time.Hour, BillingDisableDuration(3, base, maxDur))
	assert.Equal(t, 24*time.Hour, BillingDisableDuration(4, base, maxDur))

	// Base is floored at one minute and max never drops below base.
	assert.Equal(t, time.Minute, BillingDisableDuration(1, time.Second, 0))
}

func TestMarkFailureCooldown(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkFailure("a", ReasonRateLimit)
	assert.True(t, tr.IsInCooldown("a"))

	s, ok := tr.Stats("a")
	require.True(t, ok)
	assert.Equal(t, 1, s.ErrorCount)
	assert.Equal(t, 1, s.FailureCounts[ReasonRateLimit])
	assert.Equal(t, clock.Now().Add(time.Minute), s.CooldownUntil)

	clock.Advance(61 * time.Second)
	assert.False(t, tr.IsInCooldown("a"))

	tr.MarkFailure("a", ReasonTimeout)
	s, _ = tr.Stats("a")
	assert.Equal(t, 2, s.ErrorCount)
	assert.Equal(t, clock.Now().Add(5*time.Minute), s.CooldownUntil)
}

func TestMarkFailureBilling(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkFailure("a", ReasonBilling)
	s, _ := tr.Stats("a")
	assert.Equal(t, ReasonBilling, s.DisabledReason)
	assert.Equal(t, clock.Now().Add(5*time.Hour), s.DisabledUntil)
	assert.True(t, s.CooldownUntil.IsZero())

	clock.Advance(2 * time.Hour)
	assert.True(t, tr.IsInCooldown("a"))

	tr.MarkFailure("a", ReasonBilling)
	s, _ = tr.Stats("a")
	assert.Equal(t, clock.Now().Add(10*time.Hour), s.DisabledUntil)
}

func TestFailureWindowResetsCounters(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkFailure("a", ReasonRateLimit)
	tr.MarkFailure("a", ReasonRateLimit)
	tr.MarkFailure("a", ReasonRateLimit)

	clock.Advance(25 * time.Hour)
	tr.MarkFailure("a", ReasonAuth)

	s, _ := tr.Stats("a")
	assert.Equal(t, 1, s.ErrorCount)
	assert.Equal(t, map[FailureReason]int{ReasonAuth: 1}, s.FailureCounts)
	assert.Equal(t, clock.Now().Add(time.Minute), s.CooldownUntil)
}

func TestMarkSuccessClears(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkFailure("a", ReasonBilling)
	tr.MarkFailure("a", ReasonRateLimit)
	tr.MarkSuccess("a")

	assert.False(t, tr.IsInCooldown("a"))
	s, _ := tr.Stats("a")
	assert.Zero(t, s.ErrorCount)
	assert.Empty(t, s.FailureCounts)
	assert.True(t, s.CooldownUntil.IsZero())
	assert.True(t, s.DisabledUntil.IsZero())
	assert.Empty(t, s.DisabledReason)
	assert.Equal(t, clock.Now(), s.LastUsed)
}

func TestNextAvailable(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)
	all := []string{"a", "b", "c"}

	t.Run("preferred healthy", func(t *testing.T) {
		id, ok := tr.NextAvailable("b", all)
		require.True(t, ok)
		assert.Equal(t, "b", id)
	})

	t.Run("preferred not a candidate", func(t *testing.T) {
		id, _ := tr.NextAvailable("z", all)
		assert.Equal(t, "a", id)
	})

	t.Run("skip cooling", func(t *testing.T) {
		tr.MarkFailure("b", ReasonRateLimit)
		tr.MarkFailure("a", ReasonRateLimit)
		id, _ := tr.NextAvailable("b", all)
		assert.Equal(t, "c", id)
	})

	t.Run("all cooling returns soonest", func(t *testing.T) {
		clock.Advance(time.Second)
		tr.MarkFailure("c", ReasonRateLimit)
		tr.MarkFailure("c", ReasonRateLimit) // c now 5m
		tr.MarkFailure("a", ReasonRateLimit) // a now 5m from later time
		id, _ := tr.NextAvailable("c", all)
		assert.Equal(t, "b", id)
	})

	t.Run("empty", func(t *testing.T) {
		_, ok := tr.NextAvailable("a", nil)
		assert.False(t, ok)
	})
}

func TestResetAndAllStats(t *testing.T) {
	clock := newFakeClock()
	tr := newTestTracker(clock)

	tr.MarkFailure("a", ReasonAuth)
	tr.MarkSuccess("b")

	all := tr.AllStats()
	assert.Len(t, all, 2)

	// Returned copies are detached from internal state.
	all["a"].FailureCounts[ReasonAuth] = 99
	s, _ := tr.Stats("a")
	assert.Equal(t, 1, s.FailureCounts[ReasonAuth])

	tr.Reset("a")
	assert.False(t, tr.IsInCooldown("a"))
	_, ok := tr.Stats("a")
	assert.False(t, ok)
}
