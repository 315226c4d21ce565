package config

import (
	"errors"
	"fmt"
)

var validStrategies = map[string]bool{"static": true, "weighted": true, "capability": true}

var validIsolation = map[string]bool{"directory": true, "worktree": true, "none": true}

// Validate checks value ranges and the provider kind union.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_steps must be positive"))
	}
	if c.Agent.ContextTokenLimit <= 0 {
		errs = append(errs, fmt.Errorf("agent.context_token_limit must be positive"))
	}
	if c.Agent.KeepRecent <= 0 {
		errs = append(errs, fmt.Errorf("agent.keep_recent must be positive"))
	}
	for lane, n := range c.Queue.Lanes {
		if n < 1 {
			errs = append(errs, fmt.Errorf("queue.lanes.%s must be at least 1", lane))
		}
	}
	if c.Lock.TimeoutMs <= 0 || c.Lock.StaleMs <= 0 {
		errs = append(errs, fmt.Errorf("lock.timeout_ms and lock.stale_ms must be positive"))
	}
	if c.Tools.Mode != "local" && c.Tools.Mode != "cloud" {
		errs = append(errs, fmt.Errorf("tools.mode must be local or cloud, got %q", c.Tools.Mode))
	}
	if c.Tools.Mode == "cloud" && c.Tools.Image == "" {
		errs = append(errs, fmt.Errorf("tools.image is required in cloud mode"))
	}
	if c.Approval.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("approval.timeout_ms must be positive"))
	}
	if !validStrategies[c.Router.Strategy] {
		errs = append(errs, fmt.Errorf("router.strategy must be static, weighted or capability, got %q", c.Router.Strategy))
	}
	if !validIsolation[c.Swarm.Isolation] {
		errs = append(errs, fmt.Errorf("swarm.isolation must be directory, worktree or none, got %q", c.Swarm.Isolation))
	}
	if c.Swarm.RegistryBackend != "json" && c.Swarm.RegistryBackend != "sqlite" {
		errs = append(errs, fmt.Errorf("swarm.registry_backend must be json or sqlite, got %q", c.Swarm.RegistryBackend))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	if c.Router.Preferred != "" && len(c.Providers) > 0 && !seen[c.Router.Preferred] {
		errs = append(errs, fmt.Errorf("router.preferred %q is not a configured provider", c.Router.Preferred))
	}

	return errors.Join(errs...)
}

// Validate checks the kind-specific requirements of one provider.
func (p ProviderConfig) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("%s: model is required", p.ID)
	}
	if p.Weight < 0 {
		return fmt.Errorf("%s: weight must not be negative", p.ID)
	}
	switch p.Kind {
	case ProviderOpenAICompatible:
		if p.BaseURL == "" {
			return fmt.Errorf("%s: base_url is required for openai_compatible", p.ID)
		}
	default:
		if p.APIKey == "" && !p.Disabled {
			return fmt.Errorf("%s: api key is required (api_key or api_key_env)", p.ID)
		}
	}
	return nil
}
