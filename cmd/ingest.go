package main

import (
	"github.com/spf13/cobra"

	"docqa/internal/helper"
)

var ingestIndex string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a document into a vector index",
	Long: `Extracts the text of a document (PDF, DOCX, PPTX, XLSX, ODS, Markdown or
plain text), splits it into overlapping token chunks, embeds them and upserts
them into the index. Ingesting the same document again replaces its records.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestIndex, "index", "i", "", "index name (default: derived from the file name)")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	name := ingestIndex
	if name == "" {
		var err error
		if name, err = helper.ValidIndexName(path); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.rag.EnsureIndex(ctx, name); err != nil {
		return err
	}
	res, err := a.rag.IngestFile(ctx, name, path)
	if err != nil {
		return err
	}

	cmd.Printf("Ingested %d chunks from %s into index %s (document %s)\n", res.Chunks, res.Source, res.Index, res.DocumentID)
	return nil
}
