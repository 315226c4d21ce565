package providers

import (
	"fmt"

	"github.com/harun/hive/internal/config"
)

// Build constructs the adapter for one configured provider.
func Build(pc config.ProviderConfig) (Provider, error) {
	switch pc.Kind {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(pc.ID, pc.APIKey, pc.Model, pc.BaseURL), nil
	case config.ProviderOpenAI:
		return NewOpenAIProvider(pc.ID, pc.APIKey, pc.Model, ""), nil
	case config.ProviderOpenAICompatible:
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required for %s", pc.ID, pc.Kind)
		}
		return NewOpenAIProvider(pc.ID, pc.APIKey, pc.Model, pc.BaseURL), nil
	case config.ProviderGemini:
		return NewGeminiProvider(pc.ID, pc.APIKey, pc.Model, pc.BaseURL), nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", pc.ID, pc.Kind)
	}
}

// NewRouterFromConfig builds every enabled provider and wraps them in a
// Router sharing tracker.
func NewRouterFromConfig(cfg *config.Config, tracker *HealthTracker, opts RouterConfig) (*Router, error) {
	var profiles []Profile
	for _, pc := range cfg.Providers {
		if pc.Disabled {
			continue
		}
		p, err := Build(pc)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, Profile{
			Provider:     p,
			Weight:       pc.Weight,
			Capabilities: pc.Capabilities,
		})
	}
	if len(profiles) == 0 {
		return nil, ErrNoProviders
	}

	opts.Strategy = Strategy(cfg.Router.Strategy)
	opts.Preferred = cfg.Router.Preferred
	opts.Fallback = cfg.Router.Fallback
	return NewRouter(tracker, profiles, opts), nil
}

// NewHealthTrackerFromConfig applies the router cooldown settings.
func NewHealthTrackerFromConfig(cfg *config.Config, opts HealthConfig) *HealthTracker {
	opts.FailureWindow = cfg.Router.FailureWindow()
	opts.BillingBackoff = cfg.Router.BillingBackoff()
	opts.BillingMax = cfg.Router.BillingMax()
	return NewHealthTracker(opts)
}
