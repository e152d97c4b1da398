package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"docqa/internal/models"
)

// RateLimited throttles calls to the wrapped embedder with a token bucket.
// Each Embed or EmbedBatch call consumes one token.
type RateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

var _ Embedder = (*RateLimited)(nil)

func NewRateLimited(next Embedder, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimited) ModelID() string { return r.next.ModelID() }

func (r *RateLimited) Dimension() int { return r.next.Dimension() }

func (r *RateLimited) Embed(ctx context.Context, text string) (models.Vector, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Embed(ctx, text)
}

func (r *RateLimited) EmbedBatch(ctx context.Context, texts []string) ([]models.Vector, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.next.EmbedBatch(ctx, texts)
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return models.ProviderError(models.ErrEmbedding, "rate limit", err)
	}
	return nil
}
