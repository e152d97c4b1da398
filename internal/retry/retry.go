package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/config"
	"docqa/internal/models"
)

// Policy bounds how often and how long a transient failure is retried.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// FromConfig converts the retry section of the config.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.InitialBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = 5 * time.Second
	}
	// exponential backoff capped at limit
	if attempt > 30 {
		return limit
	}
	d := base << attempt
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

// Do runs fn until it succeeds, returns an error models.IsRetryable rejects,
// or the attempts are used up. The last error is returned. If ctx ends during
// a backoff the returned error wraps both ctx.Err() and the last error.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !models.IsRetryable(err) || attempt == attempts-1 {
			return err
		}

		delay := p.Delay(attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("backoff", delay).Msg("Retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ctx.Err(), attempt+1, err)
		case <-timer.C:
		}
	}
	return err
}
