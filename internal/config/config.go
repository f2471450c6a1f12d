package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the recluster configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Reduction  ReductionConfig  `yaml:"reduction"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sources    SourcesConfig    `yaml:"sources"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey, memory (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// EmbeddingConfig holds embedding backend settings.
type EmbeddingConfig struct {
	Provider     string      `yaml:"provider"` // openai, hashing
	BaseURL      string      `yaml:"base_url"`
	APIKey       string      `yaml:"api_key"`
	Model        string      `yaml:"model"`
	Dimensions   int         `yaml:"dimensions"`
	Instruction  string      `yaml:"instruction"` // prompt prefix, e.g. "clustering: "
	TextFields   []string    `yaml:"text_fields"`
	MaxBatchSize int         `yaml:"max_batch_size"`
	Retry        RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the backoff applied to an unavailable embedding backend.
type RetryConfig struct {
	MaxAttempts       int `yaml:"max_attempts"`
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

// ReductionConfig holds projector settings.
type ReductionConfig struct {
	Method     string `yaml:"method"` // pca, random
	Dimensions int    `yaml:"dimensions"`
	Seed       int64  `yaml:"seed"`
}

// ClusteringConfig holds density clustering settings.
type ClusteringConfig struct {
	MinClusterSize     int   `yaml:"min_cluster_size"`
	MinSamples         int   `yaml:"min_samples"`
	AllowSingleCluster *bool `yaml:"allow_single_cluster"`
}

// PipelineConfig holds engine settings.
type PipelineConfig struct {
	Concurrency    int `yaml:"concurrency"`
	LockTimeoutSec int `yaml:"lock_timeout_sec"`
}

// SourcesConfig points at the raw receipt exports.
type SourcesConfig struct {
	ScrapedReceipts  string `yaml:"scraped_receipts"`  // receipt.jsonl(.gz)
	ScrapedFiscal    string `yaml:"scraped_fiscal"`    // fiscal_data.jsonl(.gz)
	AdditionalChecks string `yaml:"additional_checks"` // train_checks.csv(.gz)
	AdditionalItems  string `yaml:"additional_items"`  // train.csv(.gz)
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "recluster:"
	}
	c.applyEmbeddingDefaults()
	if c.Reduction.Method == "" {
		c.Reduction.Method = "pca"
	}
	if c.Reduction.Dimensions <= 0 {
		c.Reduction.Dimensions = 8
	}
	if c.Reduction.Seed == 0 {
		c.Reduction.Seed = 42
	}
	if c.Clustering.MinClusterSize <= 0 {
		c.Clustering.MinClusterSize = 50
	}
	if c.Clustering.MinSamples <= 0 {
		c.Clustering.MinSamples = 30
	}
	if c.Clustering.AllowSingleCluster == nil {
		allow := true
		c.Clustering.AllowSingleCluster = &allow
	}
	if c.Pipeline.Concurrency <= 0 {
		c.Pipeline.Concurrency = 2
	}
	if c.Pipeline.LockTimeoutSec <= 0 {
		c.Pipeline.LockTimeoutSec = 30
	}
}

func (c *Config) applyEmbeddingDefaults() {
	e := &c.Embedding
	if e.Provider == "" {
		e.Provider = "openai"
	}
	if e.Provider == "hashing" && e.Dimensions <= 0 {
		e.Dimensions = 256
	}
	if len(e.TextFields) == 0 {
		e.TextFields = []string{"merchant", "item"}
	}
	if e.MaxBatchSize <= 0 {
		e.MaxBatchSize = 64
	}
	if e.Retry.MaxAttempts <= 0 {
		e.Retry.MaxAttempts = 4
	}
	if e.Retry.InitialIntervalMS <= 0 {
		e.Retry.InitialIntervalMS = 500
	}
	if e.Retry.MaxIntervalMS <= 0 {
		e.Retry.MaxIntervalMS = 10000
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "redis", "valkey":
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be redis, valkey or memory, got %q", c.Database.Driver)
	}
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required for provider openai")
		}
	case "hashing":
	default:
		return fmt.Errorf("embedding.provider must be openai or hashing, got %q", c.Embedding.Provider)
	}
	for _, f := range c.Embedding.TextFields {
		if f != "merchant" && f != "merchant_type" && f != "item" {
			return fmt.Errorf("embedding.text_fields: unknown field %q", f)
		}
	}
	switch c.Reduction.Method {
	case "pca", "random":
	default:
		return fmt.Errorf("reduction.method must be pca or random, got %q", c.Reduction.Method)
	}
	if c.Reduction.Dimensions < 2 || c.Reduction.Dimensions > 50 {
		return fmt.Errorf("reduction.dimensions must be between 2 and 50, got %d", c.Reduction.Dimensions)
	}
	if c.Clustering.MinClusterSize < 2 {
		return fmt.Errorf("clustering.min_cluster_size must be at least 2, got %d", c.Clustering.MinClusterSize)
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
