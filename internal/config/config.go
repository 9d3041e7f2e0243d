// Package config loads the engine configuration consumed by the retrieval
// core. Settings are read once from an optional YAML file, overridden by
// NOTECTX_* environment variables, and passed down as an immutable value so
// concurrent queries issued mid-change never observe a half-applied
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvConfigPath = "NOTECTX_CONFIG"
	EnvVaultPath  = "NOTECTX_VAULT_PATH"
	EnvDBPath     = "NOTECTX_DB_PATH"
	EnvProvider   = "NOTECTX_EMBEDDING_PROVIDER"
	EnvModelID    = "NOTECTX_EMBEDDING_MODEL"
	EnvOpenAIKey  = "OPENAI_API_KEY"
	EnvOllamaURL  = "OLLAMA_HOST"
	EnvVerbose    = "NOTECTX_VERBOSE"
)

// Defaults.
const (
	DefaultResultLimit   = 10
	DefaultMinSimilarity = 0.35
	DefaultWorkers       = 2
	DefaultQueueSize     = 256
	DefaultRetryCount    = 3

	DefaultWeightSimilarity = 0.7
	DefaultWeightCentrality = 0.15
	DefaultWeightActivation = 0.15

	DefaultDamping       = 0.85
	DefaultMaxIterations = 40
)

// Weights are the GARS fusion weights. Non-negative reals; they are not
// required to sum to one.
type Weights struct {
	Similarity float64 `yaml:"similarity"`
	Centrality float64 `yaml:"centrality"`
	Activation float64 `yaml:"activation"`
}

// Config is the full engine configuration. The zero value is not usable;
// construct via Load or Default.
type Config struct {
	VaultPath string `yaml:"vault_path"`
	DBPath    string `yaml:"db_path"`

	// Embedding backend
	Provider   string `yaml:"provider"` // "ollama" or "openai"
	ModelID    string `yaml:"model"`
	APIKey     string `yaml:"-"` // Env only, never persisted
	BaseURL    string `yaml:"base_url"`
	RetryCount int    `yaml:"retry_count"` // Remote backend retries

	// Worker pool
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"` // Low-priority queue bound

	// Query behavior
	ResultLimit   int     `yaml:"result_limit"`
	MinSimilarity float64 `yaml:"min_similarity"`
	Weights       Weights `yaml:"weights"`

	// Link graph
	Damping       float64 `yaml:"damping"`
	MaxIterations int     `yaml:"max_iterations"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Provider:      "ollama",
		RetryCount:    DefaultRetryCount,
		Workers:       DefaultWorkers,
		QueueSize:     DefaultQueueSize,
		ResultLimit:   DefaultResultLimit,
		MinSimilarity: DefaultMinSimilarity,
		Weights: Weights{
			Similarity: DefaultWeightSimilarity,
			Centrality: DefaultWeightCentrality,
			Activation: DefaultWeightActivation,
		},
		Damping:       DefaultDamping,
		MaxIterations: DefaultMaxIterations,
	}
}

// Load reads the configuration file at path (optional; pass "" to use only
// defaults and environment), then applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvVaultPath); v != "" {
		c.VaultPath = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvProvider); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := os.Getenv(EnvModelID); v != "" {
		c.ModelID = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvOllamaURL); v != "" && c.BaseURL == "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvVerbose); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Verbose = b
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Provider)
	}

	if c.Weights.Similarity < 0 || c.Weights.Centrality < 0 || c.Weights.Activation < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}

	if c.MinSimilarity < -1 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be within [-1, 1]")
	}

	if c.ResultLimit <= 0 {
		c.ResultLimit = DefaultResultLimit
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RetryCount < 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.Damping <= 0 || c.Damping >= 1 {
		c.Damping = DefaultDamping
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}

	return nil
}
