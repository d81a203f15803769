package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// permanentError marks failures that retrying cannot fix (bad request,
// auth, unknown model).
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err: err} }

// retrying wraps a provider with exponential backoff on transient
// failures.
type retrying struct {
	inner      Provider
	maxRetries int
	logger     *slog.Logger
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Complete(ctx context.Context, system, user string) (Completion, error) {
	var out Completion
	attempt := 0

	op := func() error {
		attempt++
		c, err := r.inner.Complete(ctx, system, user)
		if err != nil {
			var perm permanentError
			if errors.As(err, &perm) {
				return backoff.Permanent(perm.err)
			}
			r.logger.Warn("completion attempt failed", "attempt", attempt, "error", err)
			return err
		}
		out = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Completion{}, err
	}
	return out, nil
}
