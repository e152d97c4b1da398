package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"docqa/internal/config"
	"docqa/internal/models"
	"docqa/internal/vectorindex"
)

type IndexSchemaRow struct {
	bun.BaseModel `bun:"table:index_schemas,alias:s"`
	Name          string    `bun:"name,pk"`
	Dimension     int       `bun:"dimension,notnull"`
	Metric        string    `bun:"metric,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type Record struct {
	bun.BaseModel `bun:"table:index_records,alias:r"`
	IndexName     string            `bun:"index_name,pk"`
	ID            string            `bun:"id,pk"`
	Content       string            `bun:"content,notnull"`
	Payload       map[string]string `bun:"payload,type:jsonb"`
	Embedding     pgvector.Vector   `bun:"embedding,notnull,type:vector"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull"`
}

type scoredRecord struct {
	ID      string            `bun:"id"`
	Content string            `bun:"content"`
	Payload map[string]string `bun:"payload,type:jsonb"`
	Score   float64           `bun:"score"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens the database with pgdriver, or lib/pq when driver is "pq".
func ConnectDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: database dsn is empty", models.ErrConfig)
	}
	if cfg.Driver == "pq" {
		return sql.Open("postgres", cfg.DSN)
	}
	opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
	if cfg.Password != "" {
		opts = append(opts, pgdriver.WithPassword(cfg.Password))
	}
	return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return err
	}
	if _, err := db.NewCreateTable().Model((*IndexSchemaRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	if _, err := db.NewCreateTable().Model((*Record)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewCreateIndex().Model((*Record)(nil)).IfNotExists().Index("index_records_index_name_idx").Column("index_name").Exec(ctx)
	return err
}

// PgvectorIndex stores every named index in one table keyed by
// (index_name, id) and ranks with the pgvector cosine distance operator.
type PgvectorIndex struct {
	db      *bun.DB
	timeout time.Duration
	maxTopK int
}

var _ vectorindex.Index = (*PgvectorIndex)(nil)

// NewPgvectorIndex prepares the schema and returns the index.
func NewPgvectorIndex(ctx context.Context, db *bun.DB, timeout time.Duration, maxTopK int) (*PgvectorIndex, error) {
	p := &PgvectorIndex{db: db, timeout: timeout, maxTopK: maxTopK}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := InitDB(ctx, db); err != nil {
		return nil, p.wrap("init", ctx, err)
	}
	return p, nil
}

func (p *PgvectorIndex) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *PgvectorIndex) wrap(op string, ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return models.ProviderError(models.ErrIndexUnavailable, "pgvector "+op, err)
}

func (p *PgvectorIndex) CreateIndex(ctx context.Context, schema models.IndexSchema) error {
	schema, err := vectorindex.NormalizeSchema(schema)
	if err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	row := &IndexSchemaRow{Name: schema.Name, Dimension: schema.Dimension, Metric: schema.Metric}
	if _, err := p.db.NewInsert().Model(row).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return p.wrap("create index", ctx, err)
	}

	existing, err := p.Schema(ctx, schema.Name)
	if err != nil {
		return err
	}
	return vectorindex.CheckSchema(existing, schema)
}

func (p *PgvectorIndex) Schema(ctx context.Context, name string) (models.IndexSchema, error) {
	if err := vectorindex.ValidateName(name); err != nil {
		return models.IndexSchema{}, err
	}
	row := new(IndexSchemaRow)
	err := p.db.NewSelect().Model(row).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IndexSchema{}, fmt.Errorf("%w: %s", models.ErrIndexNotFound, name)
	}
	if err != nil {
		return models.IndexSchema{}, p.wrap("schema", ctx, err)
	}
	return models.IndexSchema{Name: row.Name, Dimension: row.Dimension, Metric: row.Metric}, nil
}

// dedupe keeps the last record for each id, preserving first-seen order.
func dedupe(records []models.IndexRecord) []models.IndexRecord {
	pos := make(map[string]int, len(records))
	out := make([]models.IndexRecord, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

func toRows(name string, records []models.IndexRecord, now time.Time) []Record {
	rows := make([]Record, len(records))
	for i, r := range records {
		payload := vectorindex.ClonePayload(r.Payload)
		if payload == nil {
			payload = map[string]string{}
		}
		text := payload[models.PayloadTextKey]
		delete(payload, models.PayloadTextKey)
		rows[i] = Record{
			IndexName: name,
			ID:        r.ID,
			Content:   text,
			Payload:   payload,
			Embedding: pgvector.NewVector(r.Vector),
			UpdatedAt: now,
		}
	}
	return rows
}

// Upsert writes all records in one INSERT ... ON CONFLICT statement, so each
// row's vector and payload change together.
func (p *PgvectorIndex) Upsert(ctx context.Context, name string, records []models.IndexRecord) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	schema, err := p.Schema(ctx, name)
	if err != nil {
		return err
	}
	if err := vectorindex.ValidateRecords(schema, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	rows := toRows(name, dedupe(records), time.Now().UTC())
	_, err = p.db.NewInsert().
		Model(&rows).
		On("CONFLICT (index_name, id) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("payload = EXCLUDED.payload").
		Set("embedding = EXCLUDED.embedding").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return p.wrap("upsert", ctx, err)
	}
	return nil
}

func (p *PgvectorIndex) Query(ctx context.Context, name string, vector models.Vector, topK int, includePayload bool) ([]models.Match, error) {
	if err := vectorindex.ValidateTopK(topK, p.maxTopK); err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	schema, err := p.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := vectorindex.ValidateVector(schema, vector); err != nil {
		return nil, err
	}

	vec := pgvector.NewVector(vector)
	var rows []scoredRecord
	err = p.db.NewSelect().
		Model((*Record)(nil)).
		Column("id", "content", "payload").
		ColumnExpr("1 - (embedding <=> ?) AS score", vec).
		Where("index_name = ?", name).
		OrderExpr("embedding <=> ? ASC, id ASC", vec).
		Limit(topK).
		Scan(ctx, &rows)
	if err != nil {
		return nil, p.wrap("query", ctx, err)
	}

	matches := make([]models.Match, len(rows))
	for i, r := range rows {
		matches[i] = models.Match{ID: r.ID, Score: float32(r.Score)}
		if includePayload {
			payload := vectorindex.ClonePayload(r.Payload)
			if payload == nil {
				payload = map[string]string{}
			}
			payload[models.PayloadTextKey] = r.Content
			matches[i].Payload = payload
		}
	}
	return matches, nil
}

func (p *PgvectorIndex) Count(ctx context.Context, name string) (int, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if _, err := p.Schema(ctx, name); err != nil {
		return 0, err
	}
	n, err := p.db.NewSelect().Model((*Record)(nil)).Where("index_name = ?", name).Count(ctx)
	if err != nil {
		return 0, p.wrap("count", ctx, err)
	}
	return n, nil
}

func (p *PgvectorIndex) DeleteIndex(ctx context.Context, name string) error {
	if err := vectorindex.ValidateName(name); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	err := p.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Record)(nil)).Where("index_name = ?", name).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*IndexSchemaRow)(nil)).Where("name = ?", name).Exec(ctx)
		return err
	})
	if err != nil {
		return p.wrap("delete index", ctx, err)
	}
	log.Debug().Str("index", name).Msg("Dropped pgvector index")
	return nil
}

func (p *PgvectorIndex) Close() error {
	return p.db.Close()
}

// DropTables removes both tables.
func DropTables(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewDropTable().Model((*Record)(nil)).IfExists().Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewDropTable().Model((*IndexSchemaRow)(nil)).IfExists().Exec(ctx)
	return err
}
