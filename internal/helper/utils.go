package helper

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// GenerateUUID creates a random unique UUID string
func GenerateUUID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id.String(), nil
}

// CorrelationID returns a fresh id for tagging a batch or ingest run in logs.
// Falls back to a fixed marker if the random source fails.
func CorrelationID() string {
	id, err := GenerateUUID()
	if err != nil {
		log.Warn().Err(err).Msg("Using fallback correlation id")
		return "run-unknown"
	}
	return id
}

// PrettyPrint writes v as indented JSON to w.
func PrettyPrint(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to pretty print: %w", err)
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
