package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docqa/internal/models"
	"docqa/internal/rag"
)

var (
	askIndex     string
	askQuestions string
	askJSON      bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask questions against an index",
	Long: `Answers a single question given as argument, or every question of a JSON
question file ([{"content": "..."}]). Each question is answered from the top-k
retrieved passages only; a failing question does not stop the others.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askIndex, "index", "i", "", "index to query (required)")
	askCmd.Flags().StringVarP(&askQuestions, "questions", "q", "", "JSON file with questions")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output answers as JSON")
	_ = askCmd.MarkFlagRequired("index")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	var questions []string
	switch {
	case len(args) == 1 && askQuestions != "":
		return errors.New("give either a question or --questions, not both")
	case len(args) == 1:
		q := strings.TrimSpace(args[0])
		if q == "" {
			return fmt.Errorf("%w: empty question", models.ErrMalformedInput)
		}
		questions = []string{q}
	case askQuestions != "":
		var err error
		if questions, err = rag.ReadQuestions(askQuestions); err != nil {
			return err
		}
	default:
		return errors.New("a question or --questions is required")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	results := a.rag.AnswerBatch(ctx, askIndex, questions)
	failed, err := printResults(cmd, results, askJSON)
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d questions failed", failed, len(results))
	}
	return nil
}
