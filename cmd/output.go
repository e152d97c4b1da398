package main

import (
	"github.com/spf13/cobra"

	"docqa/internal/helper"
	"docqa/internal/models"
)

type answerView struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer,omitempty"`
	Error    string         `json:"error,omitempty"`
	Sources  []models.Match `json:"sources,omitempty"`
}

func toViews(results []models.AnswerResult) []answerView {
	views := make([]answerView, len(results))
	for i, r := range results {
		views[i] = answerView{Question: r.Question}
		if r.Err != nil {
			views[i].Error = r.Err.Error()
			continue
		}
		views[i].Answer = r.Answer.Text
		for _, m := range r.Matches {
			views[i].Sources = append(views[i].Sources, models.Match{ID: m.ID, Score: m.Score})
		}
	}
	return views
}

// printResults writes question/answer pairs. It returns the number of
// failed questions.
func printResults(cmd *cobra.Command, results []models.AnswerResult, asJSON bool) (int, error) {
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}

	if asJSON {
		return failed, helper.PrettyPrint(cmd.OutOrStdout(), toViews(results))
	}

	for i, r := range results {
		cmd.Printf("[%d] Q: %s\n", i+1, r.Question)
		if r.Err != nil {
			cmd.Printf("    error: %v\n", r.Err)
		} else {
			cmd.Printf("    A: %s\n", r.Answer.Text)
			for _, m := range r.Matches {
				cmd.Printf("       %s (%.3f)\n", m.ID, m.Score)
			}
		}
		cmd.Println()
	}
	return failed, nil
}
