package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"docqa/internal/rag"
)

var (
	runData      string
	runRecords   string
	runQuestions string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest a document and records, then answer questions",
	Long: `Runs the full flow: creates an index named after the data file, ingests
the document, summarizes the Q&A records into the same index and answers every
question of the question file.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runData, "data", "d", "", "document to ingest (required)")
	runCmd.Flags().StringVarP(&runRecords, "records", "r", "", "JSON file with Q&A records (required)")
	runCmd.Flags().StringVarP(&runQuestions, "questions", "q", "", "JSON file with questions (required)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "output answers as JSON")
	_ = runCmd.MarkFlagRequired("data")
	_ = runCmd.MarkFlagRequired("records")
	_ = runCmd.MarkFlagRequired("questions")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.rag.Run(ctx, rag.RunInput{
		DataFile:      runData,
		RecordsFile:   runRecords,
		QuestionsFile: runQuestions,
	})
	if err != nil {
		return err
	}

	if !runJSON {
		cmd.Printf("Index %s: %d document chunks, %d summary chunks\n\n", out.Index, out.Document.Chunks, out.Summary.Chunks)
	}
	failed, err := printResults(cmd, out.Results, runJSON)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d questions failed", failed, len(out.Results))
	}
	return nil
}
