package models

// QAItem is a structured question/answer record fed to the summarizer.
type QAItem struct {
	Content string `json:"content"`
	Answer  string `json:"answer"`
	Comment string `json:"comment"`
}

// Question is one entry of a question list file.
type Question struct {
	Content string `json:"content"`
}

// Answer is the synthesized response to a single question.
type Answer struct {
	Question string `json:"question"`
	Text     string `json:"answer"`
}

// AnswerResult is the per-question outcome of a batch. Exactly one of
// Answer or Err is meaningful.
type AnswerResult struct {
	Question string  `json:"question"`
	Answer   Answer  `json:"answer"`
	Context  string  `json:"context,omitempty"`
	Matches  []Match `json:"matches,omitempty"`
	Err      error   `json:"-"`
}

// OK reports whether the question was answered.
func (r AnswerResult) OK() bool {
	return r.Err == nil
}
