package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/helper"
	"docqa/internal/models"
	"docqa/internal/parser"
	"docqa/internal/retry"
	"docqa/internal/vectorindex"
)

// Services are the collaborators a RAG pipeline runs against. Each is
// constructed by the caller, so tests can swap any of them.
type Services struct {
	Extractor parser.Extractor
	Chunker   *chunker.TokenChunker
	Embedder  embedding.Embedder
	Index     vectorindex.Index
	Generator Generator
}

type RAG struct {
	svc         Services
	cfg         config.RAGConfig
	embedBatch  int
	retry       retry.Policy
	retriever   *Retriever
	synthesizer *Synthesizer
	summarizer  *Summarizer
}

// IngestResult describes one ingested document.
type IngestResult struct {
	RunID      string `json:"run_id"`
	Index      string `json:"index"`
	Source     string `json:"source"`
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
}

// NewRAG wires the pipeline. Batch sizes and concurrency limits below 1 are
// raised to 1.
func NewRAG(cfg *config.Config, svc Services) *RAG {
	ragCfg := cfg.RAG
	ragCfg.UpsertBatchSize = atLeastOne(ragCfg.UpsertBatchSize)
	ragCfg.EmbedConcurrency = atLeastOne(ragCfg.EmbedConcurrency)
	ragCfg.QuestionConcurrency = atLeastOne(ragCfg.QuestionConcurrency)
	return &RAG{
		svc:         svc,
		cfg:         ragCfg,
		embedBatch:  atLeastOne(cfg.EmbedLLM.BatchSize),
		retry:       retry.FromConfig(cfg.Retry),
		retriever:   NewRetriever(svc.Embedder, svc.Index),
		synthesizer: NewSynthesizer(svc.Generator),
		summarizer:  NewSummarizer(svc.Generator),
	}
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// EnsureIndex creates the named index for the embedder's dimension. It is a
// no-op when the index already exists with the same schema.
func (r *RAG) EnsureIndex(ctx context.Context, name string) error {
	schema := models.IndexSchema{Name: name, Dimension: r.svc.Embedder.Dimension(), Metric: models.MetricCosine}
	return retry.Do(ctx, r.retry, "create index", func(ctx context.Context) error {
		return r.svc.Index.CreateIndex(ctx, schema)
	})
}

// IngestFile extracts path and ingests its text into indexName.
func (r *RAG) IngestFile(ctx context.Context, indexName, path string) (IngestResult, error) {
	text, err := r.svc.Extractor.ExtractFile(path)
	if err != nil {
		return IngestResult{}, err
	}
	return r.IngestText(ctx, indexName, filepath.Base(path), text)
}

// IngestText runs Chunk, Embed and Upsert over text. Every chunk is embedded
// before the first upsert, so an embedding failure writes nothing. Record ids
// depend only on chunk text and position, so repeating an ingest replaces
// records instead of adding them.
func (r *RAG) IngestText(ctx context.Context, indexName, source, text string) (IngestResult, error) {
	start := time.Now()
	res := IngestResult{
		RunID:      helper.CorrelationID(),
		Index:      indexName,
		Source:     source,
		DocumentID: helper.DocumentID(source),
	}
	logger := log.With().Str("run_id", res.RunID).Str("index", indexName).Str("source", source).Logger()

	chunks, err := r.svc.Chunker.Split(text, r.cfg.ChunkSize, r.cfg.ChunkOverlap)
	if err != nil {
		return res, err
	}
	if len(chunks) == 0 {
		logger.Warn().Msg("No text to ingest")
		return res, nil
	}

	vectors, err := r.embedChunks(ctx, chunks)
	if err != nil {
		return res, fmt.Errorf("ingest %s: %w", source, err)
	}

	records := make([]models.IndexRecord, len(chunks))
	for i, c := range chunks {
		records[i] = models.IndexRecord{
			ID:     helper.RecordID(c.Position, c.Content),
			Vector: vectors[i],
			Payload: map[string]string{
				models.PayloadTextKey:     c.Content,
				models.PayloadPositionKey: strconv.Itoa(c.Position),
				models.PayloadSourceKey:   source,
				models.PayloadDocumentKey: res.DocumentID,
				models.PayloadModelKey:    r.svc.Embedder.ModelID(),
			},
		}
	}

	for lo := 0; lo < len(records); lo += r.cfg.UpsertBatchSize {
		batch := records[lo:min(lo+r.cfg.UpsertBatchSize, len(records))]
		err := retry.Do(ctx, r.retry, "upsert", func(ctx context.Context) error {
			return r.svc.Index.Upsert(ctx, indexName, batch)
		})
		if err != nil {
			return res, fmt.Errorf("ingest %s: %w", source, err)
		}
	}

	res.Chunks = len(chunks)
	logger.Info().Int("chunks", res.Chunks).Dur("elapsed", time.Since(start)).Msg("Ingested document")
	return res, nil
}

// embedChunks embeds chunks in batches, at most EmbedConcurrency at a time,
// and returns the vectors in chunk order.
func (r *RAG) embedChunks(ctx context.Context, chunks []models.Chunk) ([]models.Vector, error) {
	out := make([]models.Vector, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.EmbedConcurrency)
	for lo := 0; lo < len(chunks); lo += r.embedBatch {
		hi := min(lo+r.embedBatch, len(chunks))
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Content)
		}

		g.Go(func() error {
			return retry.Do(gctx, r.retry, "embed", func(ctx context.Context) error {
				vecs, err := r.svc.Embedder.EmbedBatch(ctx, texts)
				if err != nil {
					return err
				}
				if len(vecs) != len(texts) {
					return fmt.Errorf("%w: got %d vectors for %d chunks", models.ErrEmbedding, len(vecs), len(texts))
				}
				copy(out[lo:hi], vecs)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// IngestRecords summarizes items and ingests the summary as one document.
func (r *RAG) IngestRecords(ctx context.Context, indexName, source string, items []models.QAItem) (IngestResult, error) {
	summary, err := r.summarizer.Summarize(ctx, items)
	if err != nil {
		return IngestResult{Index: indexName, Source: source}, err
	}
	return r.IngestText(ctx, indexName, source, summary)
}

// Summarize exposes the summarizer.
func (r *RAG) Summarize(ctx context.Context, items []models.QAItem) (string, error) {
	return r.summarizer.Summarize(ctx, items)
}

// Query answers a single question. Transient failures are retried according
// to the configured policy.
func (r *RAG) Query(ctx context.Context, indexName, question string) models.AnswerResult {
	res := models.AnswerResult{Question: question}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	res.Err = retry.Do(ctx, r.retry, "answer", func(ctx context.Context) error {
		contextText, matches, err := r.retriever.Retrieve(ctx, indexName, question, r.cfg.TopK)
		if err != nil {
			return err
		}
		answer, err := r.synthesizer.Synthesize(ctx, question, contextText)
		if err != nil {
			return err
		}
		res.Context = contextText
		res.Matches = matches
		res.Answer = answer
		return nil
	})
	return res
}

// AnswerBatch answers every question independently, at most
// QuestionConcurrency at a time. A failed question does not affect its
// siblings. When ctx is canceled, answers already produced are kept and the
// rest carry the context error.
func (r *RAG) AnswerBatch(ctx context.Context, indexName string, questions []string) []models.AnswerResult {
	batchID := helper.CorrelationID()
	logger := log.With().Str("batch_id", batchID).Str("index", indexName).Logger()
	logger.Info().Int("questions", len(questions)).Msg("Answering questions")

	start := time.Now()
	results := make([]models.AnswerResult, len(questions))

	var g errgroup.Group
	g.SetLimit(r.cfg.QuestionConcurrency)
	for i, q := range questions {
		results[i].Question = q
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			results[i] = r.Query(ctx, indexName, q)
			if results[i].Err != nil {
				logger.Error().Err(results[i].Err).Str("question", q).Msg("Question failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	logger.Info().
		Int("answered", len(results)-failed).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Finished question batch")
	return results
}

// RunInput names the three files of a full run.
type RunInput struct {
	DataFile      string
	RecordsFile   string
	QuestionsFile string
}

type RunOutput struct {
	Index    string                `json:"index"`
	Document IngestResult          `json:"document"`
	Summary  IngestResult          `json:"summary"`
	Results  []models.AnswerResult `json:"results"`
}

// Run creates an index named after the data file, ingests the document and
// the summarized records into it, then answers every question. Both JSON
// files are parsed before the index is touched.
func (r *RAG) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	var out RunOutput

	indexName, err := helper.ValidIndexName(in.DataFile)
	if err != nil {
		return out, err
	}
	out.Index = indexName

	items, err := ReadQAItems(in.RecordsFile)
	if err != nil {
		return out, err
	}
	questions, err := ReadQuestions(in.QuestionsFile)
	if err != nil {
		return out, err
	}

	if err := r.EnsureIndex(ctx, indexName); err != nil {
		return out, err
	}
	if out.Document, err = r.IngestFile(ctx, indexName, in.DataFile); err != nil {
		return out, err
	}
	if out.Summary, err = r.IngestRecords(ctx, indexName, filepath.Base(in.RecordsFile), items); err != nil {
		return out, err
	}

	out.Results = r.AnswerBatch(ctx, indexName, questions)
	return out, nil
}

func readJSON[T any](path string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("%w: read %s: %w", models.ErrMalformedInput, path, err)
	}
	v, err := parse(data)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// ReadQuestions loads a question list file.
func ReadQuestions(path string) ([]string, error) {
	return readJSON(path, parser.ParseQuestions)
}

// ReadQAItems loads a Q&A record file.
func ReadQAItems(path string) ([]models.QAItem, error) {
	return readJSON(path, parser.ParseQAItems)
}
