package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"docqa/internal/models"
)

// ParseQAItems decodes a JSON array of {content, answer, comment} records.
func ParseQAItems(data []byte) ([]models.QAItem, error) {
	var items []models.QAItem
	if err := decodeArray(data, &items); err != nil {
		return nil, err
	}
	for i, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			return nil, fmt.Errorf("%w: record %d has no content", models.ErrMalformedInput, i)
		}
	}
	return items, nil
}

// ParseQuestions decodes a JSON array of {content} entries and returns the
// questions in file order.
func ParseQuestions(data []byte) ([]string, error) {
	var entries []models.Question
	if err := decodeArray(data, &entries); err != nil {
		return nil, err
	}
	questions := make([]string, 0, len(entries))
	for i, e := range entries {
		q := strings.TrimSpace(e.Content)
		if q == "" {
			return nil, fmt.Errorf("%w: question %d has no content", models.ErrMalformedInput, i)
		}
		questions = append(questions, q)
	}
	return questions, nil
}

func decodeArray(data []byte, v any) error {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "[") {
		return fmt.Errorf("%w: expected a JSON array", models.ErrMalformedInput)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("%w: %w", models.ErrMalformedInput, err)
	}
	return nil
}
