package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
	"docqa/internal/testutil"
)

func writeConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`log:
  level: error
rag:
  chunk_size_tokens: 64
  chunk_overlap_tokens: 16
vector_index:
  backend: %s
  path: %s
`, backend, filepath.Join(dir, "chromem"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCmd_Use(t *testing.T) {
	assert.Equal(t, "docqa", rootCmd.Use)
	assert.Equal(t, "Answer questions about documents", rootCmd.Short)
}

func TestRootCmd_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "ask", "summarize", "run", "index"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	sub := map[string]bool{}
	for _, c := range indexCmd.Commands() {
		sub[c.Name()] = true
	}
	for _, want := range []string{"count", "delete", "export", "import"} {
		assert.True(t, sub[want], "missing index subcommand %s", want)
	}
}

func TestRootCmd_HasConfigFlag(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "./configs/config.yaml", flag.DefValue)
}

func TestIngestCmd_RequiresExactlyOneArg(t *testing.T) {
	_, err := execute(t, "ingest")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestIngestCmd_IngestsAndCounts(t *testing.T) {
	cfgPath := writeConfig(t, "chromem")
	doc := filepath.Join(t.TempDir(), "lyria.pdf")
	require.NoError(t, os.WriteFile(doc, testutil.BuildPDF("The capital of Lyria is Veltown."), 0o600))

	out, err := execute(t, "--config", cfgPath, "ingest", "--index", "story", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 1 chunks from lyria.pdf into index story")

	out, err = execute(t, "--config", cfgPath, "ingest", "--index", "story", doc)
	require.NoError(t, err)

	out, err = execute(t, "--config", cfgPath, "index", "count", "story")
	require.NoError(t, err)
	assert.Contains(t, out, "story: 1 records (dimension 384, cosine)")
}

func TestIngestCmd_DerivesIndexName(t *testing.T) {
	cfgPath := writeConfig(t, "chromem")
	doc := filepath.Join(t.TempDir(), "Lyria_Facts.txt")
	require.NoError(t, os.WriteFile(doc, []byte("The capital of Lyria is Veltown."), 0o600))

	out, err := execute(t, "--config", cfgPath, "ingest", "--index", "", doc)
	require.NoError(t, err)
	assert.Contains(t, out, "into index lyriafacts")
}

func TestIngestCmd_CorruptPDF(t *testing.T) {
	cfgPath := writeConfig(t, "memory")
	doc := filepath.Join(t.TempDir(), "broken.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("not a pdf"), 0o600))

	_, err := execute(t, "--config", cfgPath, "ingest", "--index", "broken", doc)
	assert.ErrorIs(t, err, models.ErrExtraction)
}

func TestIndexCmds_RejectReservedName(t *testing.T) {
	cfgPath := writeConfig(t, "chromem")
	doc := filepath.Join(t.TempDir(), "lyria.txt")
	require.NoError(t, os.WriteFile(doc, []byte("The capital of Lyria is Veltown."), 0o600))

	_, err := execute(t, "--config", cfgPath, "ingest", "--index", "story", doc)
	require.NoError(t, err)

	_, err = execute(t, "--config", cfgPath, "ingest", "--index", "_docqa_schemas", doc)
	assert.ErrorIs(t, err, models.ErrMalformedInput)

	_, err = execute(t, "--config", cfgPath, "index", "delete", "_docqa_schemas")
	assert.ErrorIs(t, err, models.ErrMalformedInput)

	out, err := execute(t, "--config", cfgPath, "index", "count", "story")
	require.NoError(t, err)
	assert.Contains(t, out, "story: 1 records")
}

func TestIndexCountCmd_UnknownIndex(t *testing.T) {
	cfgPath := writeConfig(t, "chromem")

	_, err := execute(t, "--config", cfgPath, "index", "count", "missing")
	assert.ErrorIs(t, err, models.ErrIndexNotFound)
}

func TestIndexExportCmd_NeedsChromem(t *testing.T) {
	cfgPath := writeConfig(t, "memory")

	_, err := execute(t, "--config", cfgPath, "index", "export", "story", filepath.Join(t.TempDir(), "story.gob"))
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestIndexExportCmd_RequiresTwoArgs(t *testing.T) {
	_, err := execute(t, "index", "export", "story")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s)")
}

func TestAskCmd_Flags(t *testing.T) {
	for _, name := range []string{"index", "questions", "json"} {
		assert.NotNil(t, askCmd.Flags().Lookup(name), "missing flag %s", name)
	}
	assert.Equal(t, "i", askCmd.Flags().Lookup("index").Shorthand)
}

func TestAskCmd_QuestionAndFileAreExclusive(t *testing.T) {
	cfgPath := writeConfig(t, "memory")

	_, err := execute(t, "--config", cfgPath, "ask", "--index", "story", "--questions", "q.json", "What is the capital?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")
}

func TestRunCmd_RequiredFlags(t *testing.T) {
	for _, name := range []string{"data", "records", "questions"} {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "missing flag %s", name)
		assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	}
}

func TestBadConfigIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rag:\n  chunk_size_tokens: 10\n  chunk_overlap_tokens: 10\n"), 0o600))

	_, err := execute(t, "--config", path, "index", "count", "story")
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestToViews(t *testing.T) {
	views := toViews([]models.AnswerResult{
		{
			Question: "q1",
			Answer:   models.Answer{Question: "q1", Text: "Veltown"},
			Matches:  []models.Match{{ID: "chunk-0-a", Score: 0.9, Payload: map[string]string{"text": "long"}}},
		},
		{Question: "q2", Err: errors.New("synthesis failed: timeout")},
	})

	require.Len(t, views, 2)
	assert.Equal(t, "Veltown", views[0].Answer)
	assert.Equal(t, []models.Match{{ID: "chunk-0-a", Score: 0.9}}, views[0].Sources)
	assert.Equal(t, "synthesis failed: timeout", views[1].Error)
	assert.Empty(t, views[1].Answer)
}
