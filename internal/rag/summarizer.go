package rag

import (
	"context"
	"fmt"
	"strings"

	"docqa/internal/models"
)

type Summarizer struct {
	gen Generator
}

func NewSummarizer(gen Generator) *Summarizer {
	return &Summarizer{gen: gen}
}

// Summarize condenses each item with one model call and joins the results
// in input order, one per line. No items means an empty summary.
func (s *Summarizer) Summarize(ctx context.Context, items []models.QAItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	summaries := make([]string, 0, len(items))
	for i, item := range items {
		prompt := fmt.Sprintf(models.SummaryPromptTemplate, item.Content, item.Answer, item.Comment)
		text, err := s.gen.GenerateContent(ctx, models.SummarySystemPrompt, prompt)
		if err != nil {
			return "", fmt.Errorf("summarize record %d: %w", i, err)
		}
		summaries = append(summaries, text)
	}
	return strings.Join(summaries, models.SummarySeparator), nil
}
