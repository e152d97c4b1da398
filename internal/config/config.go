package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docqa/internal/models"
)

const (
	DefaultConfigPath = "./configs/config.yaml"

	BackendMemory   = "memory"
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"
)

type Config struct {
	Log          LogConfig         `yaml:"log"`
	RAG          RAGConfig         `yaml:"rag"`
	EmbedLLM     LLMConfig         `yaml:"embed_llm"`
	InferenceLLM LLMConfig         `yaml:"inference_llm"`
	VectorIndex  VectorIndexConfig `yaml:"vector_index"`
	Database     DatabaseConfig    `yaml:"database"`
	Cache        CacheConfig       `yaml:"cache"`
	Retry        RetryConfig       `yaml:"retry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RAGConfig struct {
	ChunkSize           int     `yaml:"chunk_size_tokens"`
	ChunkOverlap        int     `yaml:"chunk_overlap_tokens"`
	TokenEncoding       string  `yaml:"token_encoding"`
	TopK                int     `yaml:"top_k"`
	MaxTopK             int     `yaml:"max_top_k"`
	EmbeddingDimension  int     `yaml:"embedding_dimension"`
	Temperature         float64 `yaml:"temperature"`
	MaxAnswerTokens     int     `yaml:"max_answer_tokens"`
	EmbedConcurrency    int     `yaml:"embed_concurrency"`
	QuestionConcurrency int     `yaml:"question_concurrency"`
	UpsertBatchSize     int     `yaml:"upsert_batch_size"`
}

type LLMConfig struct {
	Provider      string        `yaml:"provider"`
	BaseURL       string        `yaml:"base_url"`
	Key           string        `yaml:"key"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	BatchSize     int           `yaml:"batch_size"`
}

type VectorIndexConfig struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	InMemory      bool          `yaml:"in_memory"`
	Compress      bool          `yaml:"compress"`
	EncryptionKey string        `yaml:"encryption_key"`
	Timeout       time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Driver   string `yaml:"driver"`
	Debug    bool   `yaml:"debug"`
}

type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		RAG: RAGConfig{
			ChunkSize:           1024,
			ChunkOverlap:        512,
			TokenEncoding:       "cl100k_base",
			TopK:                4,
			MaxTopK:             100,
			EmbeddingDimension:  384,
			Temperature:         0.5,
			MaxAnswerTokens:     1024,
			EmbedConcurrency:    4,
			QuestionConcurrency: 4,
			UpsertBatchSize:     64,
		},
		EmbedLLM: LLMConfig{
			Provider:      ProviderLocal,
			Model:         "hash-384",
			Timeout:       30 * time.Second,
			RatePerSecond: 0,
			BatchSize:     16,
		},
		InferenceLLM: LLMConfig{
			Provider: ProviderOpenAI,
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-3.5-turbo",
			Timeout:  60 * time.Second,
		},
		VectorIndex: VectorIndexConfig{
			Backend: BackendChromem,
			Path:    "./data/chromem",
			Timeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Driver: "pgdriver"},
		Cache: CacheConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", models.ErrConfig, path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%w: read %s: %w", models.ErrConfig, path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from DOCQA_* variables. A numeric variable that does
// not parse is an ErrConfig.
func applyEnv(cfg *Config) error {
	var errs []error
	setInt := func(dst *int, key string) {
		n, err := getEnvAsInt(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = n
	}
	setFloat := func(dst *float64, key string) {
		f, err := getEnvAsFloat(key, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = f
	}

	cfg.Log.Level = getEnv("DOCQA_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("DOCQA_LOG_FORMAT", cfg.Log.Format)

	setInt(&cfg.RAG.ChunkSize, "DOCQA_CHUNK_SIZE_TOKENS")
	setInt(&cfg.RAG.ChunkOverlap, "DOCQA_CHUNK_OVERLAP_TOKENS")
	setInt(&cfg.RAG.TopK, "DOCQA_TOP_K")
	setInt(&cfg.RAG.EmbeddingDimension, "DOCQA_EMBEDDING_DIMENSION")
	setFloat(&cfg.RAG.Temperature, "DOCQA_TEMPERATURE")

	cfg.EmbedLLM.Provider = getEnv("DOCQA_EMBED_PROVIDER", cfg.EmbedLLM.Provider)
	cfg.EmbedLLM.BaseURL = getEnv("DOCQA_EMBED_BASE_URL", cfg.EmbedLLM.BaseURL)
	cfg.EmbedLLM.Model = getEnv("DOCQA_EMBED_MODEL", cfg.EmbedLLM.Model)
	cfg.InferenceLLM.Provider = getEnv("DOCQA_INFERENCE_PROVIDER", cfg.InferenceLLM.Provider)
	cfg.InferenceLLM.BaseURL = getEnv("DOCQA_INFERENCE_BASE_URL", cfg.InferenceLLM.BaseURL)
	cfg.InferenceLLM.Model = getEnv("DOCQA_INFERENCE_MODEL", cfg.InferenceLLM.Model)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if cfg.InferenceLLM.Key == "" {
			cfg.InferenceLLM.Key = key
		}
		if cfg.EmbedLLM.Key == "" {
			cfg.EmbedLLM.Key = key
		}
	}

	cfg.VectorIndex.Backend = getEnv("DOCQA_VECTOR_BACKEND", cfg.VectorIndex.Backend)
	cfg.VectorIndex.Path = getEnv("DOCQA_VECTOR_PATH", cfg.VectorIndex.Path)
	cfg.VectorIndex.EncryptionKey = getEnv("DOCQA_VECTOR_ENCRYPTION_KEY", cfg.VectorIndex.EncryptionKey)
	cfg.Database.DSN = getEnv("DOCQA_DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.Password = getEnv("DOCQA_DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Cache.Addr = getEnv("DOCQA_REDIS_ADDR", cfg.Cache.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	r := c.RAG

	if r.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size_tokens must be positive, got %d", r.ChunkSize))
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap_tokens must be in [0, %d), got %d", r.ChunkSize, r.ChunkOverlap))
	}
	if r.MaxTopK <= 0 {
		errs = append(errs, fmt.Errorf("max_top_k must be positive, got %d", r.MaxTopK))
	}
	if r.TopK <= 0 || r.TopK > r.MaxTopK {
		errs = append(errs, fmt.Errorf("top_k must be in [1, %d], got %d", r.MaxTopK, r.TopK))
	}
	if r.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding_dimension must be positive, got %d", r.EmbeddingDimension))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be in [0, 2], got %g", r.Temperature))
	}
	if r.MaxAnswerTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_answer_tokens must be positive, got %d", r.MaxAnswerTokens))
	}
	if r.EmbedConcurrency <= 0 || r.QuestionConcurrency <= 0 || r.UpsertBatchSize <= 0 {
		errs = append(errs, errors.New("embed_concurrency, question_concurrency and upsert_batch_size must be positive"))
	}

	switch c.EmbedLLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown embed provider %q", c.EmbedLLM.Provider))
	}
	switch c.InferenceLLM.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown inference provider %q", c.InferenceLLM.Provider))
	}
	if c.EmbedLLM.Timeout <= 0 || c.InferenceLLM.Timeout <= 0 || c.VectorIndex.Timeout <= 0 {
		errs = append(errs, errors.New("provider timeouts must be positive"))
	}

	switch c.VectorIndex.Backend {
	case BackendMemory, BackendChromem:
	case BackendPgvector:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the pgvector backend"))
		}
		if c.Database.Driver != "pgdriver" && c.Database.Driver != "pq" {
			errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.VectorIndex.Backend))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", models.ErrConfig, errors.Join(errs...))
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("%s=%q is not an integer", key, v)
	}
	return n, nil
}

func getEnvAsFloat(key string, fallback float64) (float64, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback, fmt.Errorf("%s=%q is not a number", key, v)
	}
	return f, nil
}
