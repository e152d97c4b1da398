package models

const (
	// ThinkTag matches reasoning blocks some models emit before the answer.
	ThinkTag = `(?s)<think>.*?</think>`

	// ContextSeparator joins retrieved payloads into one context string.
	ContextSeparator = " "

	// SummarySeparator joins per-item summaries.
	SummarySeparator = "\n"

	MetricCosine = "cosine"

	RecordIDPrefix   = "chunk-"
	DocumentIDPrefix = "doc-"

	PayloadTextKey     = "text"
	PayloadPositionKey = "position"
	PayloadSourceKey   = "source"
	PayloadDocumentKey = "document"
	PayloadModelKey    = "model"

	// UnavailableAnswer is returned without calling the model when retrieval
	// produced no context.
	UnavailableAnswer = "The information is not available in the given context."
)

var (
	AnswerSystemPrompt = "You are a helpful assistant that answers questions based on provided context."

	AnswerPromptTemplate = `Context: %s

Question: %s

Please provide a concise and accurate answer based on the context above. If the context doesn't contain enough information to answer the question, please state that the information is not available in the given context.

Answer:`

	SummarySystemPrompt = "You are a helpful assistant that summarizes information."

	SummaryPromptTemplate = "Please summarize the following content:\n\nQuestion: %s\nAnswer: %s\nComment: %s\n"
)
