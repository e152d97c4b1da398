package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"docqa/internal/embedding"
	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

// Retriever embeds a question and turns the nearest records into one
// context string.
type Retriever struct {
	embedder embedding.Embedder
	index    vectorindex.Index
}

func NewRetriever(embedder embedding.Embedder, index vectorindex.Index) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Retrieve returns the payload texts of the topK best matches joined in rank
// order with a single space. An index without records yields "".
func (r *Retriever) Retrieve(ctx context.Context, indexName, question string, topK int) (string, []models.Match, error) {
	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return "", nil, fmt.Errorf("embed question: %w", err)
	}

	matches, err := r.index.Query(ctx, indexName, vec, topK, true)
	if err != nil {
		return "", nil, fmt.Errorf("query %s: %w", indexName, err)
	}

	texts := make([]string, 0, len(matches))
	for _, m := range matches {
		if model, ok := m.Payload[models.PayloadModelKey]; ok && model != r.embedder.ModelID() {
			return "", nil, fmt.Errorf("%w: index %s was built with %s, question embedded with %s",
				models.ErrConfig, indexName, model, r.embedder.ModelID())
		}
		if t := m.Text(); t != "" {
			texts = append(texts, t)
		}
	}

	log.Debug().Str("index", indexName).Int("matches", len(matches)).Msg("Retrieved context")
	return strings.Join(texts, models.ContextSeparator), matches, nil
}
