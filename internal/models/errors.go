package models

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrExtraction          = errors.New("extraction failed")
	ErrConfig              = errors.New("invalid configuration")
	ErrIndexSchemaConflict = errors.New("index schema conflict")
	ErrIndexNotFound       = errors.New("index not found")
	ErrIndexUnavailable    = errors.New("index unavailable")
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
	ErrEmbedding           = errors.New("embedding failed")
	ErrSynthesis           = errors.New("synthesis failed")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrMalformedInput      = errors.New("malformed input")
)

// ProviderError wraps a failed external call in its error category. Deadline
// expiry is additionally tagged as ErrProviderTimeout.
func ProviderError(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w: %w", op, kind, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// IsRetryable reports whether err is a transient failure a caller may retry.
// Cancellation, config, schema and input errors are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrConfig),
		errors.Is(err, ErrIndexSchemaConflict),
		errors.Is(err, ErrIndexNotFound),
		errors.Is(err, ErrDimensionMismatch),
		errors.Is(err, ErrMalformedInput),
		errors.Is(err, ErrExtraction):
		return false
	}
	return errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrIndexUnavailable) ||
		errors.Is(err, ErrEmbedding) ||
		errors.Is(err, ErrSynthesis)
}
