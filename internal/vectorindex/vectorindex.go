// Package vectorindex defines the vector index contract shared by the
// in-memory, chromem and pgvector backends, plus the validation and ranking
// rules every backend applies.
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"

	"docqa/internal/models"
)

// DefaultMaxTopK bounds Query when a backend is built without a limit.
const DefaultMaxTopK = 100

// Index is a set of named collections of (id, vector, payload) records
// queried by cosine similarity.
type Index interface {
	// CreateIndex is idempotent for an identical schema and fails with
	// ErrIndexSchemaConflict for a different one.
	CreateIndex(ctx context.Context, schema models.IndexSchema) error
	// Upsert inserts or replaces records by id. Each record is written
	// atomically.
	Upsert(ctx context.Context, name string, records []models.IndexRecord) error
	// Query returns at most topK matches by descending cosine similarity,
	// ties broken by ascending id.
	Query(ctx context.Context, name string, vector models.Vector, topK int, includePayload bool) ([]models.Match, error)
	Count(ctx context.Context, name string) (int, error)
	Schema(ctx context.Context, name string) (models.IndexSchema, error)
	DeleteIndex(ctx context.Context, name string) error
	Close() error
}

var indexNameRe = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateName accepts index names made only of [a-z0-9-].
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: index name is empty", models.ErrMalformedInput)
	}
	if !indexNameRe.MatchString(name) {
		return fmt.Errorf("%w: index name %q may only contain a-z, 0-9 and '-'", models.ErrMalformedInput, name)
	}
	return nil
}

// NormalizeSchema fills the default metric and rejects unusable schemas.
func NormalizeSchema(schema models.IndexSchema) (models.IndexSchema, error) {
	if schema.Metric == "" {
		schema.Metric = models.MetricCosine
	}
	if err := ValidateName(schema.Name); err != nil {
		return schema, err
	}
	if schema.Dimension <= 0 {
		return schema, fmt.Errorf("%w: index %s dimension must be positive, got %d", models.ErrMalformedInput, schema.Name, schema.Dimension)
	}
	if schema.Metric != models.MetricCosine {
		return schema, fmt.Errorf("%w: index %s metric %q is not supported", models.ErrMalformedInput, schema.Name, schema.Metric)
	}
	return schema, nil
}

// CheckSchema reports a conflict between an existing and a requested schema.
func CheckSchema(existing, requested models.IndexSchema) error {
	if existing.Dimension != requested.Dimension || existing.Metric != requested.Metric {
		return fmt.Errorf("%w: index %s exists with dimension %d/%s, requested %d/%s",
			models.ErrIndexSchemaConflict, existing.Name,
			existing.Dimension, existing.Metric, requested.Dimension, requested.Metric)
	}
	return nil
}

// ValidateRecords checks ids and vector widths before anything is written.
func ValidateRecords(schema models.IndexSchema, records []models.IndexRecord) error {
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has an empty id", models.ErrMalformedInput, i)
		}
		if err := ValidateVector(schema, r.Vector); err != nil {
			return fmt.Errorf("record %s: %w", r.ID, err)
		}
	}
	return nil
}

// ValidateVector checks width and rejects the zero vector, for which cosine
// similarity is undefined.
func ValidateVector(schema models.IndexSchema, v models.Vector) error {
	if len(v) != schema.Dimension {
		return fmt.Errorf("%w: index %s expects %d, got %d", models.ErrDimensionMismatch, schema.Name, schema.Dimension, len(v))
	}
	if Norm(v) == 0 {
		return fmt.Errorf("%w: zero vector", models.ErrMalformedInput)
	}
	return nil
}

// ValidateTopK requires 1 <= topK <= maxTopK.
func ValidateTopK(topK, maxTopK int) error {
	if maxTopK <= 0 {
		maxTopK = DefaultMaxTopK
	}
	if topK < 1 || topK > maxTopK {
		return fmt.Errorf("%w: topK must be in [1, %d], got %d", models.ErrMalformedInput, maxTopK, topK)
	}
	return nil
}

func Norm(v models.Vector) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Cosine returns the cosine similarity of a and b, which must have equal
// length and non-zero norm.
func Cosine(a, b models.Vector) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortMatches orders by descending score, then ascending id.
func SortMatches(matches []models.Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}

// ClonePayload copies p so callers cannot alias stored records.
func ClonePayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
