package models

// Chunk is one token-bounded window of extracted text.
type Chunk struct {
	Content  string
	Position int
	Tokens   int
}

// Vector is a fixed-width embedding.
type Vector []float32

// IndexRecord is the unit stored in a vector index. Vector and payload are
// always written together.
type IndexRecord struct {
	ID      string
	Vector  Vector
	Payload map[string]string
}

// Text returns the payload text of the record.
func (r IndexRecord) Text() string {
	return r.Payload[PayloadTextKey]
}

// IndexSchema is the creation contract of a named index.
type IndexSchema struct {
	Name      string
	Dimension int
	Metric    string
}

// Match is one query hit.
type Match struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Text returns the payload text of the match.
func (m Match) Text() string {
	return m.Payload[PayloadTextKey]
}
