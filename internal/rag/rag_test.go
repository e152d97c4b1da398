package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/models"
	"docqa/internal/parser"
	"docqa/internal/testutil"
	"docqa/internal/vectorindex"
)

// fakeLLM answers from the context block of the prompt only.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	hook    func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var prompt strings.Builder
	for _, m := range messages {
		if m.Role != llms.ChatMessageTypeHuman {
			continue
		}
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				prompt.WriteString(tc.Text)
			}
		}
	}

	f.mu.Lock()
	f.prompts = append(f.prompts, prompt.String())
	f.mu.Unlock()

	if f.hook != nil {
		if text, err := f.hook(ctx, prompt.String()); text != "" || err != nil {
			if err != nil {
				return nil, err
			}
			return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply(prompt.String())}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func reply(prompt string) string {
	if strings.HasPrefix(prompt, "Please summarize") {
		line, _, _ := strings.Cut(strings.TrimPrefix(prompt, "Please summarize the following content:\n\nQuestion: "), "\n")
		return "Summary of " + line
	}
	ctxText, _, _ := strings.Cut(strings.TrimPrefix(prompt, "Context: "), "\n\nQuestion:")
	if strings.Contains(ctxText, "Veltown") {
		return "<think>found it</think>The capital of Lyria is Veltown."
	}
	return models.UnavailableAnswer
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.RAG.ChunkSize = 24
	cfg.RAG.ChunkOverlap = 8
	cfg.RAG.TopK = 4
	cfg.RAG.EmbedConcurrency = 2
	cfg.RAG.QuestionConcurrency = 2
	cfg.RAG.UpsertBatchSize = 3
	cfg.EmbedLLM.BatchSize = 2
	cfg.Retry = config.RetryConfig{MaxAttempts: 1}
	return cfg
}

func newTestRAG(t *testing.T, cfg *config.Config, llm llms.Model) (*RAG, vectorindex.Index) {
	t.Helper()
	ch, err := chunker.New(cfg.RAG.TokenEncoding)
	require.NoError(t, err)

	idx := vectorindex.NewMemoryIndex(cfg.RAG.MaxTopK)
	svc := Services{
		Extractor: parser.FileExtractor{},
		Chunker:   ch,
		Embedder:  embedding.NewHashEmbedder(cfg.RAG.EmbeddingDimension),
		Index:     idx,
		Generator: llmservice.NewClient(llm, cfg.InferenceLLM.Model, cfg.RAG.Temperature, cfg.RAG.MaxAnswerTokens, 100*time.Millisecond),
	}
	return NewRAG(cfg, svc), idx
}

const longText = `The river Aster runs through the northern valley. Farmers grow barley on its banks.
In winter the water freezes and children skate on it. The old mill stopped turning in 1902.
Merchants once carried salt from the coast along the valley road. The capital of Lyria is Veltown.
Veltown has a cathedral with a green copper roof. Its market opens every Thursday morning.`

func TestIngestText_Idempotent(t *testing.T) {
	ctx := context.Background()
	r, idx := newTestRAG(t, testConfig(), &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))

	first, err := r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)
	require.Greater(t, first.Chunks, 1)

	n1, err := idx.Count(ctx, "story")
	require.NoError(t, err)

	_, err = r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)
	n2, err := idx.Count(ctx, "story")
	require.NoError(t, err)

	assert.Equal(t, first.Chunks, n1)
	assert.Equal(t, n1, n2)
}

func TestNewRAG_ZeroLimitsStillRun(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RAG.UpsertBatchSize = 0
	cfg.RAG.EmbedConcurrency = 0
	cfg.RAG.QuestionConcurrency = 0
	cfg.EmbedLLM.BatchSize = 0
	r, idx := newTestRAG(t, cfg, &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))

	done := make(chan []models.AnswerResult, 1)
	go func() {
		res, err := r.IngestText(ctx, "story", "story.txt", longText)
		if err != nil || res.Chunks == 0 {
			done <- nil
			return
		}
		done <- r.AnswerBatch(ctx, "story", []string{"What is the capital of Lyria?", "Where does the river run?"})
	}()

	select {
	case results := <-done:
		require.Len(t, results, 2)
		for _, res := range results {
			assert.NoError(t, res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish with zero batch and concurrency limits")
	}

	n, err := idx.Count(ctx, "story")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestIngestText_BlankTextWritesNothing(t *testing.T) {
	ctx := context.Background()
	r, idx := newTestRAG(t, testConfig(), &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))

	res, err := r.IngestText(ctx, "story", "empty.txt", "  \n ")
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)

	n, err := idx.Count(ctx, "story")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingEmbedder struct {
	embedding.Embedder
	poison string
}

func (f failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error) {
	for _, t := range texts {
		if strings.Contains(t, f.poison) {
			return nil, fmt.Errorf("%w: provider rejected input", models.ErrEmbedding)
		}
	}
	return f.Embedder.EmbedBatch(ctx, texts)
}

func TestIngestText_EmbeddingFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	r, idx := newTestRAG(t, cfg, &fakeLLM{})
	r.svc.Embedder = failingEmbedder{Embedder: r.svc.Embedder, poison: "cathedral"}
	require.NoError(t, r.EnsureIndex(ctx, "story"))

	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	assert.ErrorIs(t, err, models.ErrEmbedding)

	n, err := idx.Count(ctx, "story")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestText_InvalidChunkingIsConfigError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RAG.ChunkOverlap = cfg.RAG.ChunkSize
	r, _ := newTestRAG(t, cfg, &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))

	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestIngestText_UnknownIndex(t *testing.T) {
	r, _ := newTestRAG(t, testConfig(), &fakeLLM{})

	_, err := r.IngestText(context.Background(), "missing", "story.txt", longText)
	assert.ErrorIs(t, err, models.ErrIndexNotFound)
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dataFile := filepath.Join(dir, "Lyria_Facts.pdf")
	require.NoError(t, os.WriteFile(dataFile, testutil.BuildPDF("The capital of Lyria is Veltown."), 0o600))
	recordsFile := filepath.Join(dir, "records.json")
	require.NoError(t, os.WriteFile(recordsFile, []byte(`[{"content":"Is Lyria coastal?","answer":"No","comment":"landlocked"}]`), 0o600))
	questionsFile := filepath.Join(dir, "questions.json")
	require.NoError(t, os.WriteFile(questionsFile, []byte(`[{"content":"What is the capital of Lyria?"}]`), 0o600))

	llm := &fakeLLM{}
	r, idx := newTestRAG(t, testConfig(), llm)

	out, err := r.Run(ctx, RunInput{DataFile: dataFile, RecordsFile: recordsFile, QuestionsFile: questionsFile})
	require.NoError(t, err)

	assert.Equal(t, "lyriafacts", out.Index)
	assert.Equal(t, 1, out.Document.Chunks)
	assert.Equal(t, 1, out.Summary.Chunks)

	n, err := idx.Count(ctx, "lyriafacts")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, out.Results, 1)
	res := out.Results[0]
	require.NoError(t, res.Err)
	assert.Contains(t, res.Context, "The capital of Lyria is Veltown.")
	assert.Contains(t, res.Context, "Summary of Is Lyria coastal?")
	assert.Equal(t, "The capital of Lyria is Veltown.", res.Answer.Text)
	assert.Equal(t, "What is the capital of Lyria?", res.Answer.Question)
	assert.Len(t, res.Matches, 2)
}

func TestRun_MalformedQuestionsTouchNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dataFile := filepath.Join(dir, "facts.pdf")
	require.NoError(t, os.WriteFile(dataFile, testutil.BuildPDF("The capital of Lyria is Veltown."), 0o600))
	recordsFile := filepath.Join(dir, "records.json")
	require.NoError(t, os.WriteFile(recordsFile, []byte(`[]`), 0o600))
	questionsFile := filepath.Join(dir, "questions.json")
	require.NoError(t, os.WriteFile(questionsFile, []byte(`{"content":"not a list"}`), 0o600))

	r, idx := newTestRAG(t, testConfig(), &fakeLLM{})

	_, err := r.Run(ctx, RunInput{DataFile: dataFile, RecordsFile: recordsFile, QuestionsFile: questionsFile})
	assert.ErrorIs(t, err, models.ErrMalformedInput)

	_, err = idx.Schema(ctx, "facts")
	assert.ErrorIs(t, err, models.ErrIndexNotFound)
}

func TestQuery_EmptyIndexUsesUnavailablePolicy(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{}
	r, _ := newTestRAG(t, testConfig(), llm)
	require.NoError(t, r.EnsureIndex(ctx, "empty"))

	res := r.Query(ctx, "empty", "What is the capital of Lyria?")
	require.NoError(t, res.Err)
	assert.Equal(t, "", res.Context)
	assert.Equal(t, models.UnavailableAnswer, res.Answer.Text)
	assert.Zero(t, llm.calls())
}

func TestAnswerBatch_PartialFailure(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{hook: func(ctx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "second question") {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "", nil
	}}
	r, _ := newTestRAG(t, testConfig(), llm)
	require.NoError(t, r.EnsureIndex(ctx, "story"))
	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)

	questions := []string{
		"What is the capital of Lyria?",
		"What is the second question about Veltown?",
		"Where is the cathedral of Veltown?",
	}
	results := r.AnswerBatch(ctx, "story", questions)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK())
	assert.Equal(t, questions[0], results[0].Question)
	assert.NotEmpty(t, results[0].Answer.Text)

	assert.False(t, results[1].OK())
	assert.Equal(t, questions[1], results[1].Question)
	assert.ErrorIs(t, results[1].Err, models.ErrProviderTimeout)
	assert.ErrorIs(t, results[1].Err, models.ErrSynthesis)

	assert.True(t, results[2].OK())
	assert.Equal(t, questions[2], results[2].Question)
}

func TestAnswerBatch_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	failures := 0
	llm := &fakeLLM{hook: func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return "", errors.New("503 service unavailable")
		}
		return "", nil
	}}
	cfg := testConfig()
	cfg.Retry = config.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	r, _ := newTestRAG(t, cfg, llm)
	require.NoError(t, r.EnsureIndex(ctx, "story"))
	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)

	results := r.AnswerBatch(ctx, "story", []string{"What is the capital of Lyria?"})
	require.NoError(t, results[0].Err)
	assert.NotEmpty(t, results[0].Answer.Text)
	assert.Equal(t, 3, llm.calls())
}

func TestAnswerBatch_CancelKeepsCompletedAnswers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llm := &fakeLLM{hook: func(callCtx context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "second") {
			cancel()
			<-callCtx.Done()
			return "", callCtx.Err()
		}
		return "", nil
	}}
	cfg := testConfig()
	cfg.RAG.QuestionConcurrency = 1
	r, _ := newTestRAG(t, cfg, llm)
	require.NoError(t, r.EnsureIndex(context.Background(), "story"))
	_, err := r.IngestText(context.Background(), "story", "story.txt", longText)
	require.NoError(t, err)

	results := r.AnswerBatch(ctx, "story", []string{
		"What is the capital of Lyria?",
		"What is the second fact about Veltown?",
		"Where is the cathedral of Veltown?",
		"When does the market open in Veltown?",
	})
	require.Len(t, results, 4)

	assert.True(t, results[0].OK())
	assert.NotEmpty(t, results[0].Answer.Text)
	for _, res := range results[1:] {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Equal(t, 2, llm.calls())
}

func TestRetriever_TopKMonotonic(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRAG(t, testConfig(), &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))
	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)

	ids := func(matches []models.Match) []string {
		out := make([]string, len(matches))
		for i, m := range matches {
			out[i] = m.ID
		}
		return out
	}

	_, small, err := r.retriever.Retrieve(ctx, "story", "Where do children skate?", 2)
	require.NoError(t, err)
	_, large, err := r.retriever.Retrieve(ctx, "story", "Where do children skate?", 5)
	require.NoError(t, err)

	require.Len(t, small, 2)
	require.GreaterOrEqual(t, len(large), 2)
	assert.Equal(t, ids(small), ids(large)[:2])
}

func TestRetriever_JoinsInRankOrder(t *testing.T) {
	ctx := context.Background()
	idx := vectorindex.NewMemoryIndex(10)
	emb := embedding.NewHashEmbedder(8)
	require.NoError(t, idx.CreateIndex(ctx, models.IndexSchema{Name: "docs", Dimension: 8}))

	q, err := emb.Embed(ctx, "alpha beta")
	require.NoError(t, err)
	other := make(models.Vector, 8)
	copy(other, q)
	other[0] += 0.5

	require.NoError(t, idx.Upsert(ctx, "docs", []models.IndexRecord{
		{ID: "second", Vector: other, Payload: map[string]string{models.PayloadTextKey: "two"}},
		{ID: "first", Vector: q, Payload: map[string]string{models.PayloadTextKey: "one"}},
	}))

	got, matches, err := NewRetriever(emb, idx).Retrieve(ctx, "docs", "alpha beta", 2)
	require.NoError(t, err)
	assert.Equal(t, "one two", got)
	assert.Equal(t, "first", matches[0].ID)
}

type renamedEmbedder struct {
	embedding.Embedder
	id string
}

func (r renamedEmbedder) ModelID() string { return r.id }

func TestRetriever_RejectsForeignModel(t *testing.T) {
	ctx := context.Background()
	r, idx := newTestRAG(t, testConfig(), &fakeLLM{})
	require.NoError(t, r.EnsureIndex(ctx, "story"))
	_, err := r.IngestText(ctx, "story", "story.txt", longText)
	require.NoError(t, err)

	other := NewRetriever(renamedEmbedder{Embedder: r.svc.Embedder, id: "openai/text-embedding-3-small"}, idx)
	_, _, err = other.Retrieve(ctx, "story", "What is the capital of Lyria?", 2)
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestSynthesizer_EmptyContext(t *testing.T) {
	llm := &fakeLLM{}
	s := NewSynthesizer(llmservice.NewClient(llm, "m", 0, 16, time.Second))

	answer, err := s.Synthesize(context.Background(), "What is the capital of Lyria?", "")
	require.NoError(t, err)
	assert.Equal(t, models.UnavailableAnswer, answer.Text)
	assert.Zero(t, llm.calls())
}

func TestSynthesizer_PromptCarriesContextAndQuestion(t *testing.T) {
	llm := &fakeLLM{}
	s := NewSynthesizer(llmservice.NewClient(llm, "m", 0, 16, time.Second))

	answer, err := s.Synthesize(context.Background(), "What is the capital of Lyria?", "The capital of Lyria is Veltown.")
	require.NoError(t, err)
	assert.Equal(t, "The capital of Lyria is Veltown.", answer.Text)

	require.Equal(t, 1, llm.calls())
	assert.Contains(t, llm.prompts[0], "Context: The capital of Lyria is Veltown.")
	assert.Contains(t, llm.prompts[0], "Question: What is the capital of Lyria?")
	assert.Contains(t, llm.prompts[0], "not available in the given context")
}

func TestSummarizer(t *testing.T) {
	ctx := context.Background()
	llm := &fakeLLM{}
	s := NewSummarizer(llmservice.NewClient(llm, "m", 0, 16, time.Second))

	got, err := s.Summarize(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "", got)
	assert.Zero(t, llm.calls())

	got, err = s.Summarize(ctx, []models.QAItem{
		{Content: "Q1", Answer: "A1", Comment: "C1"},
		{Content: "Q2", Answer: "A2", Comment: "C2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Summary of Q1\nSummary of Q2", got)
	assert.Contains(t, llm.prompts[0], "Answer: A1\nComment: C1")
}

func TestSummarizer_Failure(t *testing.T) {
	llm := &fakeLLM{hook: func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("boom")
	}}
	s := NewSummarizer(llmservice.NewClient(llm, "m", 0, 16, time.Second))

	_, err := s.Summarize(context.Background(), []models.QAItem{{Content: "Q1"}})
	assert.ErrorIs(t, err, models.ErrSynthesis)
}
