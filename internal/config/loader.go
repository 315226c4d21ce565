package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultPath returns ~/.hive/hive.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hive", "hive.yaml"), nil
}

// Load reads the config file (JSON or YAML), overlays HIVE_* environment
// variables and fills derived paths. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		default:
			v.SetConfigType("json")
		}

		v.SetEnvPrefix("HIVE")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolve() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".hive")
	}
	if c.Tools.AllowlistPath == "" {
		c.Tools.AllowlistPath = filepath.Join(c.DataDir, "exec-approvals.json")
	}
	if c.Swarm.RegistryPath == "" {
		name := "workers.json"
		if c.Swarm.RegistryBackend == "sqlite" {
			name = "workers.db"
		}
		c.Swarm.RegistryPath = filepath.Join(c.DataDir, name)
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
		if p.Weight == 0 {
			p.Weight = 1
		}
		if p.ID == "" {
			p.ID = string(p.Kind)
		}
	}
	return nil
}

// Marshal renders cfg as YAML with API keys masked.
func Marshal(cfg *Config) ([]byte, error) {
	masked := *cfg
	masked.Providers = make([]ProviderConfig, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		masked.Providers[i] = p
	}
	if masked.Approval.WebhookSecret != "" {
		masked.Approval.WebhookSecret = "********"
	}
	return yaml.Marshal(&masked)
}
