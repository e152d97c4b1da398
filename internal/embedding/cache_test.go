package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa/internal/models"
)

// recordingEmbedder remembers every text it was asked to embed.
type recordingEmbedder struct {
	*HashEmbedder
	mu   sync.Mutex
	seen []string
}

func (r *recordingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error) {
	r.mu.Lock()
	r.seen = append(r.seen, texts...)
	r.mu.Unlock()
	return r.HashEmbedder.EmbedBatch(ctx, texts)
}

func (r *recordingEmbedder) Embed(ctx context.Context, text string) (models.Vector, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (r *recordingEmbedder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newCached(t *testing.T, dim int) (*Cached, *recordingEmbedder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rec := &recordingEmbedder{HashEmbedder: NewHashEmbedder(dim)}
	return NewCached(rec, client, time.Hour), rec, mr
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "docqa:emb:" + model + ":" + hex.EncodeToString(sum[:])
}

func TestCached_HitSkipsEmbedder(t *testing.T) {
	ctx := context.Background()
	c, rec, _ := newCached(t, 16)

	first, err := c.EmbedBatch(ctx, []string{"Lyria", "Veltown"})
	require.NoError(t, err)
	require.Equal(t, []string{"Lyria", "Veltown"}, rec.texts())

	second, err := c.EmbedBatch(ctx, []string{"Lyria", "Veltown"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, rec.texts(), 2)

	single, err := c.Embed(ctx, "Veltown")
	require.NoError(t, err)
	assert.Equal(t, first[1], single)
	assert.Len(t, rec.texts(), 2)
}

func TestCached_KeyFormatAndTTL(t *testing.T) {
	c, _, mr := newCached(t, 8)

	_, err := c.Embed(context.Background(), "The capital of Lyria is Veltown.")
	require.NoError(t, err)

	key := cacheKey("local/hash-8", "The capital of Lyria is Veltown.")
	require.True(t, mr.Exists(key), "missing key %s", key)
	assert.Equal(t, time.Hour, mr.TTL(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)
	var v models.Vector
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	assert.Len(t, v, 8)
}

func TestCached_PartialHitKeepsOrder(t *testing.T) {
	ctx := context.Background()
	c, rec, _ := newCached(t, 16)

	_, err := c.Embed(ctx, "b")
	require.NoError(t, err)

	got, err := c.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "c"}, rec.texts())
	want, err := NewHashEmbedder(16).EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCached_IgnoresWrongDimension(t *testing.T) {
	ctx := context.Background()
	c, rec, mr := newCached(t, 4)
	key := cacheKey("local/hash-4", "Veltown")
	require.NoError(t, mr.Set(key, "[1,2]"))

	v, err := c.Embed(ctx, "Veltown")
	require.NoError(t, err)

	assert.Len(t, v, 4)
	assert.Equal(t, []string{"Veltown"}, rec.texts())

	raw, err := mr.Get(key)
	require.NoError(t, err)
	var stored models.Vector
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, v, stored)
}

func TestCached_IgnoresCorruptEntry(t *testing.T) {
	c, rec, mr := newCached(t, 4)
	require.NoError(t, mr.Set(cacheKey("local/hash-4", "Veltown"), "not json"))

	v, err := c.Embed(context.Background(), "Veltown")
	require.NoError(t, err)

	assert.Len(t, v, 4)
	assert.Equal(t, []string{"Veltown"}, rec.texts())
}
