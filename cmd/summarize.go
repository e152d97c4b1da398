package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"docqa/internal/rag"
)

var summarizeIndex string

var summarizeCmd = &cobra.Command{
	Use:   "summarize [records.json]",
	Short: "Summarize Q&A records",
	Long: `Reads a JSON array of {content, answer, comment} records and asks the
language model for one condensed summary per record. With --index the joined
summary is also ingested into that index.`,
	Args: cobra.ExactArgs(1),
	RunE: runSummarize,
}

func init() {
	summarizeCmd.Flags().StringVarP(&summarizeIndex, "index", "i", "", "ingest the summary into this index")
	rootCmd.AddCommand(summarizeCmd)
}

func runSummarize(cmd *cobra.Command, args []string) error {
	items, err := rag.ReadQAItems(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if summarizeIndex == "" {
		summary, err := a.rag.Summarize(ctx, items)
		if err != nil {
			return err
		}
		cmd.Println(summary)
		return nil
	}

	if err := a.rag.EnsureIndex(ctx, summarizeIndex); err != nil {
		return err
	}
	res, err := a.rag.IngestRecords(ctx, summarizeIndex, filepath.Base(args[0]), items)
	if err != nil {
		return err
	}
	cmd.Printf("Ingested summary of %d records as %d chunks into index %s\n", len(items), res.Chunks, res.Index)
	return nil
}
