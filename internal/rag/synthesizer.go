package rag

import (
	"context"
	"fmt"
	"strings"

	"docqa/internal/models"
)

// Generator returns one completion for a system instruction and a prompt.
// *llmservice.Client implements it.
type Generator interface {
	GenerateContent(ctx context.Context, system, prompt string) (string, error)
}

// Synthesizer answers a question from retrieved context only.
type Synthesizer struct {
	gen Generator
}

func NewSynthesizer(gen Generator) *Synthesizer {
	return &Synthesizer{gen: gen}
}

// Synthesize asks the model to answer question from contextText. Blank
// context returns models.UnavailableAnswer without a model call. Provider
// failures surface as models.ErrSynthesis and are not retried here.
func (s *Synthesizer) Synthesize(ctx context.Context, question, contextText string) (models.Answer, error) {
	if strings.TrimSpace(contextText) == "" {
		return models.Answer{Question: question, Text: models.UnavailableAnswer}, nil
	}

	prompt := fmt.Sprintf(models.AnswerPromptTemplate, contextText, question)
	text, err := s.gen.GenerateContent(ctx, models.AnswerSystemPrompt, prompt)
	if err != nil {
		return models.Answer{}, fmt.Errorf("synthesize answer: %w", err)
	}
	return models.Answer{Question: question, Text: text}, nil
}
