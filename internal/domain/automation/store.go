package automation

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/domain/claim"
)

// retryingRepo retries transient store failures with exponential backoff.
// Domain outcomes (conflict, not found, step order) are returned at once.
type retryingRepo struct {
	claim.Repository
	budget time.Duration
	logger zerolog.Logger
}

func newRetryingRepo(inner claim.Repository, budget time.Duration, logger zerolog.Logger) *retryingRepo {
	return &retryingRepo{Repository: inner, budget: budget, logger: logger}
}

func (r *retryingRepo) GetByID(ctx context.Context, id uuid.UUID) (*claim.Claim, error) {
	var out *claim.Claim
	err := r.retry(ctx, "get claim", func() error {
		c, err := r.Repository.GetByID(ctx, id)
		out = c
		return err
	})
	return out, err
}

func (r *retryingRepo) List(ctx context.Context, f claim.Filter) ([]*claim.Claim, int, error) {
	var (
		items []*claim.Claim
		total int
	)
	err := r.retry(ctx, "list claims", func() error {
		var err error
		items, total, err = r.Repository.List(ctx, f)
		return err
	})
	return items, total, err
}

func (r *retryingRepo) Commit(ctx context.Context, c *claim.Claim, expectedVersion int, steps ...*claim.AutomationStep) error {
	return r.retry(ctx, "commit claim", func() error {
		return r.Repository.Commit(ctx, c, expectedVersion, steps...)
	})
}

func (r *retryingRepo) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = r.budget

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.logger.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("store operation failed; retrying")
	})
}

func isPermanent(err error) bool {
	return errors.Is(err, claim.ErrConflict) ||
		errors.Is(err, claim.ErrNotFound) ||
		errors.Is(err, claim.ErrTerminal) ||
		errors.Is(err, claim.ErrStepOrder) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
