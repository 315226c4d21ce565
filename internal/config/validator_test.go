package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max steps", func(c *Config) { c.Agent.MaxSteps = 0 }, "agent.max_steps"},
		{"lane concurrency", func(c *Config) { c.Queue.Lanes["main"] = 0 }, "queue.lanes.main"},
		{"tool mode", func(c *Config) { c.Tools.Mode = "remote" }, "tools.mode"},
		{"strategy", func(c *Config) { c.Router.Strategy = "random" }, "router.strategy"},
		{"isolation", func(c *Config) { c.Swarm.Isolation = "vm" }, "swarm.isolation"},
		{"preferred unknown", func(c *Config) {
			c.Providers = []ProviderConfig{{ID: "a", Kind: ProviderOpenAI, Model: "gpt", APIKey: "k"}}
			c.Router.Preferred = "b"
		}, "router.preferred"},
		{"duplicate provider", func(c *Config) {
			p := ProviderConfig{ID: "a", Kind: ProviderOpenAI, Model: "gpt", APIKey: "k"}
			c.Providers = []ProviderConfig{p, p}
		}, "duplicate id"},
		{"compatible needs base url", func(c *Config) {
			c.Providers = []ProviderConfig{{ID: "l", Kind: ProviderOpenAICompatible, Model: "llama"}}
		}, "base_url"},
		{"hosted needs key", func(c *Config) {
			c.Providers = []ProviderConfig{{ID: "g", Kind: ProviderGemini, Model: "gemini-2.5-pro"}}
		}, "api key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestProviderKindValid(t *testing.T) {
	for _, k := range []ProviderKind{ProviderAnthropic, ProviderOpenAI, ProviderGemini, ProviderOpenAICompatible} {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, ProviderKind("ollama").Valid())
}
