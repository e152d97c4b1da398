package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"docqa/internal/models"
)

const cacheKeyPrefix = "docqa:emb:"

// NewRedisClient connects to redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return client, nil
}

// Cached stores embeddings in redis keyed by model id and text hash. Cache
// errors never fail a call: they are logged and the wrapped embedder is used.
type Cached struct {
	next   Embedder
	client redis.Cmdable
	ttl    time.Duration
}

var _ Embedder = (*Cached)(nil)

func NewCached(next Embedder, client redis.Cmdable, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cached{next: next, client: client, ttl: ttl}
}

func (c *Cached) ModelID() string { return c.next.ModelID() }

func (c *Cached) Dimension() int { return c.next.Dimension() }

func (c *Cached) Embed(ctx context.Context, text string) (models.Vector, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	out := make([]models.Vector, len(texts))
	var missing []int

	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Embedding cache read failed")
		cached = nil
	}
	for i := range texts {
		if i < len(cached) {
			if v, ok := c.decode(cached[i]); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		log.Debug().Int("hits", len(texts)).Msg("Embedding cache hit")
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	fresh, err := c.next.EmbedBatch(ctx, pending)
	if err != nil {
		return nil, err
	}

	pipe := c.client.Pipeline()
	for j, i := range missing {
		out[i] = fresh[j]
		payload, err := json.Marshal(fresh[j])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[i], payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Embedding cache write failed")
	}

	log.Debug().Int("hits", len(texts)-len(missing)).Int("misses", len(missing)).Msg("Embedding cache")
	return out, nil
}

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cacheKeyPrefix + c.next.ModelID() + ":" + hex.EncodeToString(sum[:])
}

func (c *Cached) decode(raw interface{}) (models.Vector, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	var v models.Vector
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	if CheckDimension(v, c.next.Dimension()) != nil {
		return nil, false
	}
	return v, true
}
