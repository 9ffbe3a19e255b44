// Package config loads engine configuration from YAML with env overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment selects which issuer/provider endpoints the engine talks to.
// It is fixed at construction time and threaded explicitly; there is no
// process-global switch.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the engine configuration.
type Config struct {
	Environment Environment `yaml:"environment"`
	DB          struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Ops struct {
		Addr string `yaml:"addr"`
	} `yaml:"ops"`
	Issuer struct {
		BaseURL string `yaml:"base_url"` // overrides the environment default
	} `yaml:"issuer"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Reconcile struct {
		MaxRetries      int32   `yaml:"max_retries"`
		HousekeepingSec int64   `yaml:"housekeeping_seconds"`
		FeeAddress      string  `yaml:"fee_address"`
		FeeRate         float64 `yaml:"fee_rate"`
	} `yaml:"reconcile"`
}

// ProviderConfig holds the per-custodian endpoint and linked wallet location.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
}

// issuer endpoint defaults per environment.
var issuerDefaults = map[Environment]string{
	EnvDevelopment: "https://grant.rewards.dev.local",
	EnvStaging:     "https://grant.rewards.stg.example.com",
	EnvProduction:  "https://grant.rewards.example.com",
}

// Load reads the config file, applies env overrides and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, fmt.Errorf("config: unknown environment %q", cfg.Environment)
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("config: db.dsn is required")
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":8090"
	}
	if cfg.Issuer.BaseURL == "" {
		cfg.Issuer.BaseURL = issuerDefaults[cfg.Environment]
	}
	if cfg.Reconcile.MaxRetries <= 0 {
		cfg.Reconcile.MaxRetries = 10
	}
	if cfg.Reconcile.HousekeepingSec <= 0 {
		cfg.Reconcile.HousekeepingSec = 300
	}
	if cfg.Reconcile.FeeRate < 0 || cfg.Reconcile.FeeRate >= 1 {
		return nil, errors.New("config: reconcile.fee_rate must be in [0,1)")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("OPS_ADDR"); v != "" {
		cfg.Ops.Addr = v
	}
	if v := os.Getenv("ISSUER_BASE_URL"); v != "" {
		cfg.Issuer.BaseURL = v
	}
	if v := os.Getenv("RECONCILE_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Reconcile.MaxRetries = int32(n)
		}
	}
}
