package chunker

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
)

const DefaultEncoding = "cl100k_base"

var loaderOnce sync.Once

// TokenChunker splits text into overlapping windows of model tokens.
type TokenChunker struct {
	enc      *tiktoken.Tiktoken
	encoding string
}

// New returns a chunker for the named tiktoken encoding. BPE ranks are
// loaded from the embedded offline tables, never from the network.
func New(encoding string) (*TokenChunker, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: token encoding %q: %w", models.ErrConfig, encoding, err)
	}
	return &TokenChunker{enc: enc, encoding: encoding}, nil
}

// Encoding returns the tiktoken encoding name.
func (c *TokenChunker) Encoding() string {
	return c.encoding
}

// CountTokens returns the number of tokens in text.
func (c *TokenChunker) CountTokens(text string) int {
	return len(c.enc.EncodeOrdinary(text))
}

// Split cuts text into windows of at most chunkSize tokens. Each window
// starts chunkSize-overlap tokens after the previous one, so consecutive
// chunks share overlap tokens. Window edges move back to the nearest
// character boundary, so no chunk holds half of a multi-byte character.
// Text that fits in one window yields exactly one chunk; blank text yields
// none.
func (c *TokenChunker) Split(text string, chunkSize, overlap int) ([]models.Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrConfig, chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", models.ErrConfig, overlap, chunkSize)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	tokens := c.enc.EncodeOrdinary(text)
	if len(tokens) <= chunkSize {
		return []models.Chunk{{Content: text, Position: 0, Tokens: len(tokens)}}, nil
	}

	full, offsets := c.decodeOffsets(tokens)
	step := chunkSize - overlap
	var chunks []models.Chunk
	for start := 0; ; {
		end := windowEnd(full, offsets, start, chunkSize)
		chunks = append(chunks, models.Chunk{
			Content:  full[offsets[start]:offsets[end]],
			Position: len(chunks),
			Tokens:   end - start,
		})
		if end == len(tokens) {
			break
		}
		next := lastBoundary(full, offsets, start, min(start+step, end))
		if next == start {
			next = end
		}
		start = next
	}

	log.Debug().
		Int("tokens", len(tokens)).
		Int("chunks", len(chunks)).
		Int("chunk_size", chunkSize).
		Int("overlap", overlap).
		Msg("Split text into chunks")
	return chunks, nil
}

// decodeOffsets returns the decoded text of tokens and the byte offset at
// which each token starts, with a final entry for the end of the text.
func (c *TokenChunker) decodeOffsets(tokens []int) (string, []int) {
	offsets := make([]int, len(tokens)+1)
	var b strings.Builder
	for i, tok := range tokens {
		offsets[i] = b.Len()
		b.WriteString(c.enc.Decode([]int{tok}))
	}
	offsets[len(tokens)] = b.Len()
	return b.String(), offsets
}

// onRune reports whether token boundary i falls between two characters. BPE
// tokens may split a multi-byte character.
func onRune(full string, offsets []int, i int) bool {
	off := offsets[i]
	return off == len(full) || utf8.RuneStart(full[off])
}

// lastBoundary returns the last boundary in (start, limit] that falls
// between characters, or start when there is none.
func lastBoundary(full string, offsets []int, start, limit int) int {
	for i := limit; i > start; i-- {
		if onRune(full, offsets, i) {
			return i
		}
	}
	return start
}

// windowEnd returns the end of the window starting at start. The window
// holds at most chunkSize tokens unless a single character needs more.
func windowEnd(full string, offsets []int, start, chunkSize int) int {
	last := len(offsets) - 1
	if end := lastBoundary(full, offsets, start, min(start+chunkSize, last)); end > start {
		return end
	}
	for i := start + chunkSize + 1; i < last; i++ {
		if onRune(full, offsets, i) {
			return i
		}
	}
	return last
}
