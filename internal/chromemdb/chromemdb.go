package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

// schemaCollection stores one document per index holding its dimension and
// metric. vectorindex.ValidateName rejects '_', so it cannot clash with an
// index.
const schemaCollection = "_docqa_schemas"

const (
	metaDimension = "dimension"
	metaMetric    = "metric"
)

// VectorDBManager encapsulates the chromem-go database operations and
// implements vectorindex.Index on top of named collections.
type VectorDBManager struct {
	db            *chromem.DB
	mu            sync.Mutex
	dbPath        string
	compress      bool
	encryptionKey string
	maxTopK       int
	concurrency   int
}

var _ vectorindex.Index = (*VectorDBManager)(nil)

// NewVectorDBManager opens a persistent database at dbPath, or a purely
// in-memory one when inMemory is set.
func NewVectorDBManager(dbPath string, inMemory, compress bool, encryptionKey string, maxTopK int) (*VectorDBManager, error) {
	var db *chromem.DB
	var err error
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create database: %w", models.ErrIndexUnavailable, err)
		}
	}
	if maxTopK <= 0 {
		maxTopK = vectorindex.DefaultMaxTopK
	}

	log.Debug().Str("path", dbPath).Bool("in_memory", inMemory).Msg("Opened chromem database")
	return &VectorDBManager{
		db:            db,
		dbPath:        dbPath,
		compress:      compress,
		encryptionKey: encryptionKey,
		maxTopK:       maxTopK,
		concurrency:   runtime.NumCPU(),
	}, nil
}

func (m *VectorDBManager) schemas() (*chromem.Collection, error) {
	c, err := m.db.GetOrCreateCollection(schemaCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create/get schema collection: %w", models.ErrIndexUnavailable, err)
	}
	return c, nil
}

func (m *VectorDBManager) lookupSchema(ctx context.Context, name string) (models.IndexSchema, bool, error) {
	registry, err := m.schemas()
	if err != nil {
		return models.IndexSchema{}, false, err
	}
	doc, err := registry.GetByID(ctx, name)
	if err != nil {
		// chromem reports a missing id as a plain error
		return models.IndexSchema{}, false, nil
	}
	dim, err := strconv.Atoi(doc.Metadata[metaDimension])
	if err != nil {
		return models.IndexSchema{}, false, fmt.Errorf("%w: corrupt schema for %s: %w", models.ErrIndexUnavailable, name, err)
	}
	return models.IndexSchema{Name: name, Dimension: dim, Metric: doc.Metadata[metaMetric]}, true, nil
}

func (m *VectorDBManager) storeSchema(ctx context.Context, schema models.IndexSchema) error {
	registry, err := m.schemas()
	if err != nil {
		return err
	}
	err = registry.AddDocument(ctx, chromem.Document{
		ID:      schema.Name,
		Content: schema.Name,
		Metadata: map[string]string{
			metaDimension: strconv.Itoa(schema.Dimension),
			metaMetric:    schema.Metric,
		},
		Embedding: []float32{1},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to store schema for %s: %w", models.ErrIndexUnavailable, schema.Name, err)
	}
	return nil
}

// CreateIndex creates the collection and records its schema. A collection
// found on disk without a recorded schema adopts the requested one.
func (m *VectorDBManager) CreateIndex(ctx context.Context, schema models.IndexSchema) error {
	schema, err := vectorindex.NormalizeSchema(schema)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok, err := m.lookupSchema(ctx, schema.Name)
	if err != nil {
		return err
	}
	if ok {
		return vectorindex.CheckSchema(existing, schema)
	}

	if _, err := m.db.GetOrCreateCollection(schema.Name, map[string]string{
		metaDimension: strconv.Itoa(schema.Dimension),
		metaMetric:    schema.Metric,
	}, nil); err != nil {
		return fmt.Errorf("%w: failed to create/get collection: %w", models.ErrIndexUnavailable, err)
	}
	if err := m.storeSchema(ctx, schema); err != nil {
		return err
	}
	log.Debug().Str("index", schema.Name).Int("dimension", schema.Dimension).Msg("Created chromem collection")
	return nil
}

func (m *VectorDBManager) Schema(ctx context.Context, name string) (models.IndexSchema, error) {
	if err := vectorindex.ValidateName(name); err != nil {
		return models.IndexSchema{}, err
	}
	schema, ok, err := m.lookupSchema(ctx, name)
	if err != nil {
		return models.IndexSchema{}, err
	}
	if !ok || m.db.GetCollection(name, nil) == nil {
		return models.IndexSchema{}, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	return schema, nil
}

func (m *VectorDBManager) collection(ctx context.Context, name string) (*chromem.Collection, models.IndexSchema, error) {
	schema, err := m.Schema(ctx, name)
	if err != nil {
		return nil, schema, err
	}
	c := m.db.GetCollection(name, nil)
	if c == nil {
		return nil, schema, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	return c, schema, nil
}

// Upsert adds or replaces documents. chromem swaps each document under its
// collection lock, so a reader sees either the old or the new record.
func (m *VectorDBManager) Upsert(ctx context.Context, name string, records []models.IndexRecord) error {
	c, schema, err := m.collection(ctx, name)
	if err != nil {
		return err
	}
	if err := vectorindex.ValidateRecords(schema, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		meta := vectorindex.ClonePayload(r.Payload)
		if meta == nil {
			meta = map[string]string{}
		}
		text := meta[models.PayloadTextKey]
		delete(meta, models.PayloadTextKey)

		embedding := make([]float32, len(r.Vector))
		copy(embedding, r.Vector)
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   text,
			Metadata:  meta,
			Embedding: embedding,
		}
	}

	if err := c.AddDocuments(ctx, docs, m.concurrency); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to add documents: %w", models.ErrIndexUnavailable, err)
	}
	return nil
}

// Query scores every document and re-sorts so that ties are ordered by id.
func (m *VectorDBManager) Query(ctx context.Context, name string, vector models.Vector, topK int, includePayload bool) ([]models.Match, error) {
	if err := vectorindex.ValidateTopK(topK, m.maxTopK); err != nil {
		return nil, err
	}
	c, schema, err := m.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := vectorindex.ValidateVector(schema, vector); err != nil {
		return nil, err
	}

	count := c.Count()
	if count == 0 {
		return []models.Match{}, nil
	}

	results, err := c.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: vector,
		NResults:       count,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to query by similarity: %w", models.ErrIndexUnavailable, err)
	}

	matches := make([]models.Match, len(results))
	for i, r := range results {
		matches[i] = models.Match{ID: r.ID, Score: r.Similarity}
		if includePayload {
			payload := vectorindex.ClonePayload(r.Metadata)
			if payload == nil {
				payload = map[string]string{}
			}
			payload[models.PayloadTextKey] = r.Content
			matches[i].Payload = payload
		}
	}
	vectorindex.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *VectorDBManager) Count(ctx context.Context, name string) (int, error) {
	c, _, err := m.collection(ctx, name)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// DeleteIndex drops the collection and its schema.
func (m *VectorDBManager) DeleteIndex(ctx context.Context, name string) error {
	if err := vectorindex.ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("%w: failed to drop collection: %w", models.ErrIndexUnavailable, err)
	}
	registry, err := m.schemas()
	if err != nil {
		return err
	}
	if err := registry.Delete(ctx, nil, nil, name); err != nil {
		return fmt.Errorf("%w: failed to drop schema: %w", models.ErrIndexUnavailable, err)
	}
	return nil
}

func (m *VectorDBManager) Close() error { return nil }

// Export writes the index and the schema registry to filePath, encrypted
// when an encryption key is configured.
func (m *VectorDBManager) Export(ctx context.Context, name, filePath string) error {
	if filePath == "" {
		return fmt.Errorf("%w: export file path is required", models.ErrMalformedInput)
	}
	if _, err := m.Schema(ctx, name); err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	log.Debug().
		Str("index", name).
		Str("file", filePath).
		Bool("compress", m.compress).
		Bool("encrypted", m.encryptionKey != "").
		Msg("Exporting collection")
	if err := m.db.ExportToFile(filePath, m.compress, m.encryptionKey, name, schemaCollection); err != nil {
		return fmt.Errorf("%w: failed to export database: %w", models.ErrIndexUnavailable, err)
	}
	return nil
}

// Import replaces index name with the copy in a file written by Export. The
// schema in the file must agree with any schema already recorded locally.
func (m *VectorDBManager) Import(ctx context.Context, name, filePath string) error {
	if err := vectorindex.ValidateName(name); err != nil {
		return err
	}
	staging := chromem.NewDB()
	if err := staging.ImportFromFile(filePath, m.encryptionKey, name, schemaCollection); err != nil {
		return fmt.Errorf("%w: failed to read export: %w", models.ErrIndexUnavailable, err)
	}
	registry := staging.GetCollection(schemaCollection, nil)
	if registry == nil {
		return fmt.Errorf("%w: export has no schema registry", models.ErrMalformedInput)
	}
	doc, err := registry.GetByID(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: export has no index %s", models.ErrIndexNotFound, name)
	}
	dim, err := strconv.Atoi(doc.Metadata[metaDimension])
	if err != nil {
		return fmt.Errorf("%w: corrupt schema for %s", models.ErrMalformedInput, name)
	}
	schema := models.IndexSchema{Name: name, Dimension: dim, Metric: doc.Metadata[metaMetric]}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok, err := m.lookupSchema(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		if err := vectorindex.CheckSchema(existing, schema); err != nil {
			return err
		}
	}

	// chromem only adds document files on import, so stale ones are removed
	// with the old collection.
	if m.db.GetCollection(name, nil) != nil {
		if err := m.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("%w: failed to replace collection: %w", models.ErrIndexUnavailable, err)
		}
	}
	if err := m.db.ImportFromFile(filePath, m.encryptionKey, name); err != nil {
		return fmt.Errorf("%w: failed to import database: %w", models.ErrIndexUnavailable, err)
	}
	if m.db.GetCollection(name, nil) == nil {
		return errors.New("import finished without the requested collection")
	}
	if !ok {
		return m.storeSchema(ctx, schema)
	}
	return nil
}
