package helper

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"docqa/internal/models"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// ValidIndexName derives an index name from a file name: lower-cased, with
// every character outside [a-z0-9-] removed. The extension is dropped first.
func ValidIndexName(name string) (string, error) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	clean := invalidNameChars.ReplaceAllString(strings.ToLower(base), "")
	if clean == "" {
		return "", fmt.Errorf("%w: no usable characters in index name %q", models.ErrMalformedInput, name)
	}
	return clean, nil
}

// RecordID is "chunk-<position>-<h>" where h is the first 32 hex characters
// of SHA-256 over the UTF-8 chunk text.
func RecordID(position int, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s%d-%s", models.RecordIDPrefix, position, hex.EncodeToString(sum[:16]))
}

// DocumentID is "doc-" plus the first 16 hex characters of SHA-256(name).
func DocumentID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return models.DocumentIDPrefix + hex.EncodeToString(sum[:8])
}
