package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"docqa/internal/models"
)

type memCollection struct {
	schema  models.IndexSchema
	records map[string]models.IndexRecord
}

// MemoryIndex is a brute-force in-process index. Safe for concurrent use.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	maxTopK     int
}

var _ Index = (*MemoryIndex)(nil)

func NewMemoryIndex(maxTopK int) *MemoryIndex {
	if maxTopK <= 0 {
		maxTopK = DefaultMaxTopK
	}
	return &MemoryIndex{
		collections: make(map[string]*memCollection),
		maxTopK:     maxTopK,
	}
}

func (m *MemoryIndex) CreateIndex(ctx context.Context, schema models.IndexSchema) error {
	schema, err := NormalizeSchema(schema)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.collections[schema.Name]; ok {
		return CheckSchema(c.schema, schema)
	}
	m.collections[schema.Name] = &memCollection{
		schema:  schema,
		records: make(map[string]models.IndexRecord),
	}
	log.Debug().Str("index", schema.Name).Int("dimension", schema.Dimension).Msg("Created memory index")
	return nil
}

func (m *MemoryIndex) collection(name string) (*memCollection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	return c, nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, name string, records []models.IndexRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(name)
	if err != nil {
		return err
	}
	if err := ValidateRecords(c.schema, records); err != nil {
		return err
	}
	for _, r := range records {
		vec := make(models.Vector, len(r.Vector))
		copy(vec, r.Vector)
		c.records[r.ID] = models.IndexRecord{ID: r.ID, Vector: vec, Payload: ClonePayload(r.Payload)}
	}
	return nil
}

func (m *MemoryIndex) Query(ctx context.Context, name string, vector models.Vector, topK int, includePayload bool) ([]models.Match, error) {
	if err := ValidateTopK(topK, m.maxTopK); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(name)
	if err != nil {
		return nil, err
	}
	if err := ValidateVector(c.schema, vector); err != nil {
		return nil, err
	}

	matches := make([]models.Match, 0, len(c.records))
	for id, r := range c.records {
		match := models.Match{ID: id, Score: Cosine(vector, r.Vector)}
		if includePayload {
			match.Payload = ClonePayload(r.Payload)
		}
		matches = append(matches, match)
	}
	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *MemoryIndex) Count(ctx context.Context, name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(name)
	if err != nil {
		return 0, err
	}
	return len(c.records), nil
}

func (m *MemoryIndex) Schema(ctx context.Context, name string) (models.IndexSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(name)
	if err != nil {
		return models.IndexSchema{}, err
	}
	return c.schema, nil
}

func (m *MemoryIndex) DeleteIndex(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryIndex) Close() error { return nil }
