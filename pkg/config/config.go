// Package config loads the ledger engine's runtime configuration from a
// YAML defaults file, an optional environment overlay file and process
// environment variables, in that order of increasing precedence.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"midnight-ledger/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a ledgerctl/proofserver process.
type Config struct {
	Arena struct {
		BackendPath   string `yaml:"backend_path" json:"backend_path"`
		LRUCapacity   int    `yaml:"lru_capacity" json:"lru_capacity"`
		InProcessOnly bool   `yaml:"in_process_only" json:"in_process_only"`
	} `yaml:"arena" json:"arena"`

	RcMap struct {
		GCStepBudget int `yaml:"gc_step_budget" json:"gc_step_budget"`
	} `yaml:"rcmap" json:"rcmap"`

	DataProvider struct {
		ParamSource   string `yaml:"param_source" json:"param_source"`
		PPOverride    string `yaml:"pp_override" json:"pp_override"`
		MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
		BackoffMillis int    `yaml:"backoff_millis" json:"backoff_millis"`
	} `yaml:"data_provider" json:"data_provider"`

	ProvingPool struct {
		Capacity            int `yaml:"capacity" json:"capacity"`
		JanitorIntervalSecs int `yaml:"janitor_interval_secs" json:"janitor_interval_secs"`
		ProverKeyCacheSize  int `yaml:"prover_key_cache_size" json:"prover_key_cache_size"`
	} `yaml:"proving_pool" json:"proving_pool"`

	HTTP struct {
		ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	} `yaml:"http" json:"http"`

	Logging struct {
		Level string `yaml:"level" json:"level"`
		File  string `yaml:"file" json:"file"`
	} `yaml:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func defaults() Config {
	var c Config
	c.Arena.BackendPath = filepath.Join(defaultCacheDir(), "arena")
	c.Arena.LRUCapacity = 4096
	c.RcMap.GCStepBudget = 256
	c.DataProvider.ParamSource = "https://params.midnight.network"
	c.DataProvider.MaxRetries = 3
	c.DataProvider.BackoffMillis = 200
	c.ProvingPool.Capacity = 8
	c.ProvingPool.JanitorIntervalSecs = 10
	c.ProvingPool.ProverKeyCacheSize = 5
	c.HTTP.ListenAddr = ":8088"
	c.Logging.Level = "info"
	return c
}

// defaultCacheDir resolves the proving-parameter cache directory in the
// order spec.md §6 mandates: MIDNIGHT_PP, then XDG_CACHE_HOME/midnight/
// zk-params, then $HOME/.cache/midnight/zk-params.
func defaultCacheDir() string {
	if pp := utils.EnvOrDefault("MIDNIGHT_PP", ""); pp != "" {
		return pp
	}
	if xdg := utils.EnvOrDefault("XDG_CACHE_HOME", ""); xdg != "" {
		return filepath.Join(xdg, "midnight", "zk-params")
	}
	home := utils.EnvOrDefault("HOME", ".")
	return filepath.Join(home, ".cache", "midnight", "zk-params")
}

// Load reads cmd/config/default.yaml, merges an optional cmd/config/<env>.yaml
// overlay, then applies a .env file (via godotenv) and process environment
// overrides. The resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	cfg := defaults()

	if err := mergeYAMLFile(&cfg, filepath.Join("cmd", "config", "default.yaml")); err != nil {
		return nil, utils.Wrap(err, "load default config")
	}
	if env != "" {
		if err := mergeYAMLFile(&cfg, filepath.Join("cmd", "config", env+".yaml")); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	_ = godotenv.Load() // optional .env overlay; absence is not an error

	applyEnvOverrides(&cfg)

	AppConfig = cfg
	return &AppConfig, nil
}

// mergeYAMLFile decodes path into cfg if it exists; a missing file is not
// an error since defaults() already seeded every field.
func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := utils.EnvOrDefault("MIDNIGHT_PARAM_SOURCE", ""); v != "" {
		cfg.DataProvider.ParamSource = v
	}
	cfg.Arena.BackendPath = filepath.Join(defaultCacheDir(), "arena")
	cfg.RcMap.GCStepBudget = utils.EnvOrDefaultInt("LEDGER_GC_STEP_BUDGET", cfg.RcMap.GCStepBudget)
	cfg.ProvingPool.Capacity = utils.EnvOrDefaultInt("LEDGER_PROVING_POOL_CAPACITY", cfg.ProvingPool.Capacity)
	cfg.ProvingPool.JanitorIntervalSecs = utils.EnvOrDefaultInt("LEDGER_JANITOR_INTERVAL_SECS", cfg.ProvingPool.JanitorIntervalSecs)
	cfg.HTTP.ListenAddr = utils.EnvOrDefault("LEDGER_HTTP_LISTEN_ADDR", cfg.HTTP.ListenAddr)
	cfg.Logging.Level = utils.EnvOrDefault("LEDGER_LOG_LEVEL", cfg.Logging.Level)
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
