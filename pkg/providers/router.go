package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Strategy selects the primary provider for a request.
type Strategy string

const (
	StrategyStatic     Strategy = "static"
	StrategyWeighted   Strategy = "weighted"
	StrategyCapability Strategy = "capability"
)

// Profile is a routable provider with its routing metadata.
type Profile struct {
	Provider     Provider
	Weight       int
	Capabilities []string
}

func (p Profile) matches(required []string) int {
	n := 0
	for _, c := range required {
		if slices.Contains(p.Capabilities, c) {
			n++
		}
	}
	return n
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Strategy  Strategy
	Preferred string
	// Fallback enables falling through the remaining providers by weight.
	Fallback bool
	Logger   zerolog.Logger
	// Rand returns a value in [0, n); defaults to math/rand/v2.
	Rand func(n int) int
}

// Router routes chat requests across providers, skipping those in cooldown.
type Router struct {
	tracker  *HealthTracker
	strategy Strategy
	fallback bool
	logger   zerolog.Logger

	mu        sync.RWMutex
	profiles  []Profile
	preferred string
	randN     func(n int) int
}

// NewRouter creates a Router over profiles.
func NewRouter(tracker *HealthTracker, profiles []Profile, cfg RouterConfig) *Router {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyStatic
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	observability.EnsureRegistered()

	return &Router{
		tracker:   tracker,
		strategy:  cfg.Strategy,
		fallback:  cfg.Fallback,
		logger:    cfg.Logger,
		profiles:  profiles,
		preferred: cfg.Preferred,
		randN:     cfg.Rand,
	}
}

// Tracker returns the health tracker backing the router.
func (r *Router) Tracker() *HealthTracker { return r.tracker }

// IDs returns provider IDs in configuration order.
func (r *Router) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		ids = append(ids, p.Provider.ID())
	}
	return ids
}

// SetPreferred changes the static primary provider.
func (r *Router) SetPreferred(id string) {
	r.mu.Lock()
	r.preferred = id
	r.mu.Unlock()
}

// primary applies the routing strategy. It returns "" when the strategy has
// no opinion.
func (r *Router) primary(capabilities []string) string {
	switch r.strategy {
	case StrategyWeighted:
		return r.pickWeighted(r.profiles, func(p Profile) int { return p.Weight })
	case StrategyCapability:
		if len(capabilities) > 0 {
			scored := make([]Profile, 0, len(r.profiles))
			for _, p := range r.profiles {
				if p.matches(capabilities) > 0 {
					scored = append(scored, p)
				}
			}
			if id := r.pickWeighted(scored, func(p Profile) int { return p.Weight * p.matches(capabilities) }); id != "" {
				return id
			}
		}
		return r.pickWeighted(r.profiles, func(p Profile) int { return p.Weight })
	}
	if r.preferred != "" {
		return r.preferred
	}
	if len(r.profiles) > 0 {
		return r.profiles[0].Provider.ID()
	}
	return ""
}

func (r *Router) pickWeighted(profiles []Profile, score func(Profile) int) string {
	total := 0
	for _, p := range profiles {
		total += max(0, score(p))
	}
	if total == 0 {
		return ""
	}
	n := r.randN(total)
	for _, p := range profiles {
		n -= max(0, score(p))
		if n < 0 {
			return p.Provider.ID()
		}
	}
	return ""
}

// Order returns the candidate IDs for a request: the strategy's primary pick
// followed, when fallback is enabled, by the rest ordered by weight.
func (r *Router) Order(capabilities []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.primary(capabilities)
	if !r.fallback {
		if primary == "" {
			return nil
		}
		return []string{primary}
	}

	chain := make([]Profile, len(r.profiles))
	copy(chain, r.profiles)
	sort.SliceStable(chain, func(i, j int) bool { return chain[i].Weight > chain[j].Weight })

	order := make([]string, 0, len(chain))
	if primary != "" {
		order = append(order, primary)
	}
	for _, p := range chain {
		if id := p.Provider.ID(); id != primary {
			order = append(order, id)
		}
	}
	return order
}

func (r *Router) provider(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if p.Provider.ID() == id {
			return p.Provider
		}
	}
	return nil
}

// Chat sends req to the healthiest candidate and fails over through the
// chain. Each failure is classified and recorded on the tracker. When every
// candidate failed the last failure is returned as a *ProviderError.
func (r *Router) Chat(ctx context.Context, req Request) (*Response, error) {
	candidates := r.Order(req.Capabilities)
	if len(candidates) == 0 {
		return nil, ErrNoProviders
	}

	preferred := candidates[0]
	remaining := slices.Clone(candidates)
	var attempts []Attempt

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, _ := r.tracker.NextAvailable(preferred, remaining)
		remaining = slices.DeleteFunc(remaining, func(s string) bool { return s == id })

		p := r.provider(id)
		if p == nil {
			continue
		}

		resp, err := r.call(ctx, p, req)
		if err == nil {
			r.tracker.MarkSuccess(id)
			return resp, nil
		}

		// Cancellation is the caller's doing, not the provider's.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}

		reason := Classify(err)
		r.tracker.MarkFailure(id, reason)
		attempts = append(attempts, Attempt{ProviderID: id, Reason: reason, Err: err})

		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().
			Str("provider", id).
			Str("reason", string(reason)).
			Int("remaining", len(remaining)).
			Err(err).
			Msg("Provider call failed, trying next")
	}

	if len(attempts) == 0 {
		return nil, ErrNoProviders
	}
	last := attempts[len(attempts)-1]
	return nil, &ProviderError{
		ProviderID: last.ProviderID,
		Reason:     last.Reason,
		Attempts:   attempts,
		Err:        last.Err,
	}
}

func (r *Router) call(ctx context.Context, p Provider, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerProviders, "provider.chat",
		attribute.String("provider", p.ID()),
		attribute.String("kind", string(p.Kind())))

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	observability.RecordProviderCall(p.ID(), time.Since(start), err == nil)
	tracing.EndSpan(span, err)

	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID(), ErrEmptyResponse)
	}
	resp.ProviderID = p.ID()
	return resp, nil
}
