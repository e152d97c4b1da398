package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/config"
	"docqa/internal/models"
)

// Embedder maps text to fixed-width vectors. For a fixed model id the
// mapping is pure, and EmbedBatch(xs)[i] equals Embed(xs[i]).
type Embedder interface {
	Embed(ctx context.Context, text string) (models.Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error)
	ModelID() string
	Dimension() int
}

// LangchainEmbedder calls a remote embedding model through langchaingo.
type LangchainEmbedder struct {
	embedder  embeddings.Embedder
	modelID   string
	dimension int
	timeout   time.Duration
}

var _ Embedder = (*LangchainEmbedder)(nil)

// NewLangchainEmbedder wraps an existing langchaingo embedder. Every call is
// bounded by timeout and every vector must have dimension entries.
func NewLangchainEmbedder(e embeddings.Embedder, modelID string, dimension int, timeout time.Duration) *LangchainEmbedder {
	return &LangchainEmbedder{
		embedder:  e,
		modelID:   modelID,
		dimension: dimension,
		timeout:   timeout,
	}
}

// NewOpenAIEmbedder creates an embedder backed by an OpenAI compatible API.
func NewOpenAIEmbedder(llmConfig *config.LLMConfig, dimension int) (*LangchainEmbedder, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Creating openai embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithModel(llmConfig.Model),
		openai.WithEmbeddingModel(llmConfig.Model),
		openai.WithHTTPClient(&http.Client{Timeout: llmConfig.Timeout}),
	}
	if llmConfig.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: openai client: %w", models.ErrConfig, err)
	}
	return newFromClient(llm, llmConfig, dimension)
}

// NewOllamaEmbedder creates an embedder backed by an Ollama server.
func NewOllamaEmbedder(llmConfig *config.LLMConfig, dimension int) (*LangchainEmbedder, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Creating ollama embedder")

	opts := []ollama.Option{
		ollama.WithModel(llmConfig.Model),
		ollama.WithHTTPClient(&http.Client{Timeout: llmConfig.Timeout}),
	}
	if llmConfig.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama client: %w", models.ErrConfig, err)
	}
	return newFromClient(llm, llmConfig, dimension)
}

func newFromClient(client embeddings.EmbedderClient, llmConfig *config.LLMConfig, dimension int) (*LangchainEmbedder, error) {
	opts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if llmConfig.BatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(llmConfig.BatchSize))
	}
	e, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: embedder: %w", models.ErrConfig, err)
	}
	return NewLangchainEmbedder(e, llmConfig.Provider+"/"+llmConfig.Model, dimension, llmConfig.Timeout), nil
}

func (l *LangchainEmbedder) ModelID() string { return l.modelID }

func (l *LangchainEmbedder) Dimension() int { return l.dimension }

// Embed embeds a single text through the batch path, so single and batch
// results cannot diverge.
func (l *LangchainEmbedder) Embed(ctx context.Context, text string) (models.Vector, error) {
	vecs, err := l.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (l *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	raw, err := l.embedder.EmbedDocuments(callCtx, texts)
	if err != nil {
		if callCtx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, callCtx.Err())
		}
		return nil, models.ProviderError(models.ErrEmbedding, "embed "+l.modelID, err)
	}
	if len(raw) != len(texts) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d texts", models.ErrEmbedding, l.modelID, len(raw), len(texts))
	}

	out := make([]models.Vector, len(raw))
	for i, v := range raw {
		if err := CheckDimension(v, l.dimension); err != nil {
			return nil, fmt.Errorf("embed %s: %w", l.modelID, err)
		}
		out[i] = v
	}
	return out, nil
}

// CheckDimension fails with ErrDimensionMismatch unless len(v) == dim.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", models.ErrDimensionMismatch, len(v), dim)
	}
	return nil
}

// New builds the embedder described by cfg, wrapped with rate limiting and
// the redis cache when configured.
func New(ctx context.Context, cfg *config.Config) (Embedder, error) {
	dim := cfg.RAG.EmbeddingDimension

	var (
		base Embedder
		err  error
	)
	switch cfg.EmbedLLM.Provider {
	case config.ProviderOpenAI:
		base, err = NewOpenAIEmbedder(&cfg.EmbedLLM, dim)
	case config.ProviderOllama:
		base, err = NewOllamaEmbedder(&cfg.EmbedLLM, dim)
	case config.ProviderLocal:
		base = NewHashEmbedder(dim)
	default:
		err = fmt.Errorf("%w: unknown embed provider %q", models.ErrConfig, cfg.EmbedLLM.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.EmbedLLM.RatePerSecond > 0 {
		base = NewRateLimited(base, cfg.EmbedLLM.RatePerSecond, 1)
	}

	if cfg.Cache.Enabled {
		client, err := NewRedisClient(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Cache.Addr).Msg("Embedding cache disabled")
		} else {
			base = NewCached(base, client, cfg.Cache.TTL)
		}
	}

	log.Info().Str("model", base.ModelID()).Int("dimension", base.Dimension()).Msg("Embedder ready")
	return base, nil
}
