// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultChunkSize is the target chunk size in characters.
	DefaultChunkSize = 512

	// DefaultRetrievalSize is the default top-k for retrieval queries.
	DefaultRetrievalSize = 3
)

// EmbeddingConfig configures the embedding provider endpoint.
type EmbeddingConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// APIKey resolves the key from the configured environment variable.
func (e EmbeddingConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv(e.APIKeyEnv)
}

// Timeout returns the HTTP timeout for embedding requests.
func (e EmbeddingConfig) Timeout() time.Duration {
	if e.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.TimeoutSecs) * time.Second
}

// Config is the root configuration.
type Config struct {
	// ModelPath is the directory holding the database and vector index.
	ModelPath string `yaml:"model_path"`

	// ChunkSize is the target chunk size in characters.
	ChunkSize int `yaml:"chunk_size"`

	// RetrievalSize is the default top-k for retrieval queries.
	RetrievalSize int `yaml:"retrieval_size"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// Load reads the config at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// LoadDefault tries ./localdocs.yaml first, then the user config directory.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("localdocs.yaml"); err == nil {
		return Load("localdocs.yaml")
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return Load("")
	}
	return Load(filepath.Join(dir, "localdocs", "config.yaml"))
}

func defaults() *Config {
	return &Config{
		ChunkSize:     DefaultChunkSize,
		RetrievalSize: DefaultRetrievalSize,
		Embedding: EmbeddingConfig{
			Model: os.Getenv("LOCALDOCS_EMBEDDING_MODEL"),
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOCALDOCS_MODEL_PATH"); v != "" {
		cfg.ModelPath = v
	}
	if v := os.Getenv("LOCALDOCS_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("LOCALDOCS_EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("LOCALDOCS_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.RetrievalSize <= 0 {
		cfg.RetrievalSize = DefaultRetrievalSize
	}
	if cfg.ModelPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.ModelPath = filepath.Join(home, ".localdocs")
		} else {
			cfg.ModelPath = ".localdocs"
		}
	}
}
