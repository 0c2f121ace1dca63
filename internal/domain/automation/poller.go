package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/domain/claim"
)

// ClaimProcessor runs the automation pipeline for one claim.
type ClaimProcessor interface {
	Process(ctx context.Context, id uuid.UUID) error
}

// PollerConfig controls the queue loop.
type PollerConfig struct {
	BatchSize    int
	Interval     time.Duration
	ErrorBackoff time.Duration
	StaleAfter   time.Duration
}

// Poller repeatedly fetches due pending claims and processes them one at a
// time until its context is cancelled.
type Poller struct {
	claims claim.Repository
	proc   ClaimProcessor
	cfg    PollerConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewPoller(cfg PollerConfig, claims claim.Repository, proc ClaimProcessor, logger zerolog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	return &Poller{
		claims: claims,
		proc:   proc,
		cfg:    cfg,
		logger: logger.With().Str("component", "poller").Logger(),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled. It sleeps Interval between cycles and
// ErrorBackoff after a cycle that reported an error.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Int("batch_size", p.cfg.BatchSize).Dur("interval", p.cfg.Interval).Msg("poller started")
	for {
		wait := p.cfg.Interval
		if n, err := p.Poll(ctx); err != nil {
			p.logger.Error().Err(err).Int("processed", n).Dur("backoff", p.cfg.ErrorBackoff).Msg("poll cycle failed")
			wait = p.cfg.ErrorBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			p.logger.Info().Msg("poller stopped")
			return nil
		case <-t.C:
		}
	}
}

// Poll runs one cycle and returns how many claims were processed. A claim
// another loop already owns is skipped. A failing claim does not stop the
// batch; the first such error is returned after the batch.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	now := p.now().UTC()
	stale := now.Add(-p.cfg.StaleAfter)
	items, _, err := p.claims.List(ctx, claim.Filter{
		AutomationStatus: claim.AutomationPending,
		DueBy:            &now,
		StaleBefore:      &stale,
		Limit:            p.cfg.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch pending claims: %w", err)
	}

	processed := 0
	var firstErr error
	for _, c := range items {
		if ctx.Err() != nil {
			break
		}
		err := p.proc.Process(ctx, c.ID)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, claim.ErrConflict), errors.Is(err, ErrNotReady):
			p.logger.Debug().Str("claim_id", c.ID.String()).Msg("claim owned elsewhere; skipped")
		default:
			p.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("claim processing failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("process claim %s: %w", c.ID, err)
			}
		}
	}
	return processed, firstErr
}
