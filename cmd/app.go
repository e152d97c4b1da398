package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"docqa/internal/chromemdb"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/db"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/models"
	"docqa/internal/parser"
	"docqa/internal/rag"
	"docqa/internal/vectorindex"
)

// app holds the services built for one command invocation.
type app struct {
	cfg   *config.Config
	index vectorindex.Index
	rag   *rag.RAG
}

// newIndex opens the configured vector index backend.
func newIndex(ctx context.Context, cfg *config.Config) (vectorindex.Index, error) {
	vc := cfg.VectorIndex
	switch vc.Backend {
	case config.BackendMemory:
		return vectorindex.NewMemoryIndex(cfg.RAG.MaxTopK), nil
	case config.BackendChromem:
		return chromemdb.NewVectorDBManager(vc.Path, vc.InMemory, vc.Compress, vc.EncryptionKey, cfg.RAG.MaxTopK)
	case config.BackendPgvector:
		sqldb, err := db.ConnectDB(&cfg.Database)
		if err != nil {
			return nil, err
		}
		return db.NewPgvectorIndex(ctx, db.NewDB(sqldb, cfg.Database.Debug), vc.Timeout, cfg.RAG.MaxTopK)
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", models.ErrConfig, vc.Backend)
	}
}

// newApp wires the pipeline. The chat model is only built when withLLM is
// set, so commands that never call it need no API key.
func newApp(ctx context.Context, cfg *config.Config, withLLM bool) (*app, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}

	index, err := newIndex(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}

	emb, err := embedding.New(ctx, cfg)
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	ch, err := chunker.New(cfg.RAG.TokenEncoding)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	svc := rag.Services{
		Extractor: parser.FileExtractor{},
		Chunker:   ch,
		Embedder:  emb,
		Index:     index,
	}
	if withLLM {
		llm, err := llmservice.NewModel(&cfg.InferenceLLM)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
		svc.Generator = llmservice.NewClient(llm, cfg.InferenceLLM.Model, cfg.RAG.Temperature, cfg.RAG.MaxAnswerTokens, cfg.InferenceLLM.Timeout)
	}

	log.Debug().
		Str("backend", cfg.VectorIndex.Backend).
		Str("embedder", emb.ModelID()).
		Bool("llm", withLLM).
		Msg("Pipeline ready")
	return &app{cfg: cfg, index: index, rag: rag.NewRAG(cfg, svc)}, nil
}

func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing vector index")
	}
}
