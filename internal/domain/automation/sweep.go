package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/domain/denial"
)

// Sweep names.
const (
	SweepEligibility = "eligibility"
	SweepDenials     = "denials"
	SweepSubmissions = "submissions"
)

// SweepResult summarises one sweep cycle.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Handled    int `json:"handled"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Sweep applies a single-claim operation to a candidate set on a fixed
// interval.
type Sweep struct {
	name     string
	interval time.Duration
	fetch    func(ctx context.Context) ([]*claim.Claim, error)
	apply    func(ctx context.Context, id uuid.UUID) error
	observe  func(name string, res SweepResult, err error)
	logger   zerolog.Logger
}

// Name returns the sweep name.
func (s *Sweep) Name() string { return s.name }

// Interval returns the tick interval.
func (s *Sweep) Interval() time.Duration { return s.interval }

// Run calls RunOnce every interval until ctx is cancelled. The first cycle
// starts after one interval.
func (s *Sweep) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("sweep scheduled")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweep stopped")
			return nil
		case <-ticker.C:
			res, err := s.RunOnce(ctx)
			if s.observe != nil {
				s.observe(s.name, res, err)
			}
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep skipped")
				continue
			}
			s.logger.Info().
				Int("candidates", res.Candidates).
				Int("handled", res.Handled).
				Int("skipped", res.Skipped).
				Int("failed", res.Failed).
				Msg("sweep finished")
		}
	}
}

// RunOnce runs a single cycle. A failed candidate fetch is returned as an
// error; per-claim failures are logged and counted.
func (s *Sweep) RunOnce(ctx context.Context) (SweepResult, error) {
	items, err := s.fetch(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("%s sweep: fetch candidates: %w", s.name, err)
	}
	res := SweepResult{Candidates: len(items)}
	for _, c := range items {
		if ctx.Err() != nil {
			break
		}
		err := s.apply(ctx, c.ID)
		switch {
		case err == nil:
			res.Handled++
		case isSkip(err):
			res.Skipped++
		default:
			res.Failed++
			s.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("sweep operation failed")
		}
	}
	return res, nil
}

func isSkip(err error) bool {
	return errors.Is(err, claim.ErrConflict) || errors.Is(err, ErrNotReady) || errors.Is(err, denial.ErrNotDenied)
}

// SweepConfig sets the intervals and the candidate batch size.
type SweepConfig struct {
	EligibilityInterval time.Duration
	DenialInterval      time.Duration
	SubmissionInterval  time.Duration
	BatchSize           int

	// OnResult, when set, is called after every scheduled cycle.
	OnResult func(name string, res SweepResult, err error)
}

func (c *SweepConfig) defaults() {
	if c.EligibilityInterval <= 0 {
		c.EligibilityInterval = 30 * time.Minute
	}
	if c.DenialInterval <= 0 {
		c.DenialInterval = 60 * time.Minute
	}
	if c.SubmissionInterval <= 0 {
		c.SubmissionInterval = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// StageRunner runs single stages of the pipeline.
type StageRunner interface {
	CheckEligibility(ctx context.Context, id uuid.UUID) error
	Submit(ctx context.Context, id uuid.UUID) error
}

// DenialHandler acts on denied claims.
type DenialHandler interface {
	Handle(ctx context.Context, id uuid.UUID) (*denial.Analysis, error)
}

func pendingAt(claims claim.Repository, step string, limit int, now func() time.Time) func(ctx context.Context) ([]*claim.Claim, error) {
	return func(ctx context.Context) ([]*claim.Claim, error) {
		due := now().UTC()
		items, _, err := claims.List(ctx, claim.Filter{
			AutomationStatus: claim.AutomationPending,
			NextStep:         step,
			DueBy:            &due,
			Limit:            limit,
		})
		return items, err
	}
}

// NewEligibilitySweep re-checks claims waiting at the eligibility stage.
func NewEligibilitySweep(cfg SweepConfig, claims claim.Repository, runner StageRunner, logger zerolog.Logger) *Sweep {
	cfg.defaults()
	return &Sweep{
		name:     SweepEligibility,
		interval: cfg.EligibilityInterval,
		fetch:    pendingAt(claims, claim.StepEligibilityCheck, cfg.BatchSize, time.Now),
		apply:    runner.CheckEligibility,
		observe:  cfg.OnResult,
		logger:   logger.With().Str("sweep", SweepEligibility).Logger(),
	}
}

// NewSubmissionSweep submits claims waiting at the submission stage,
// including claims reopened after an automatic correction.
func NewSubmissionSweep(cfg SweepConfig, claims claim.Repository, runner StageRunner, logger zerolog.Logger) *Sweep {
	cfg.defaults()
	return &Sweep{
		name:     SweepSubmissions,
		interval: cfg.SubmissionInterval,
		fetch:    pendingAt(claims, claim.StepClaimSubmission, cfg.BatchSize, time.Now),
		apply:    runner.Submit,
		observe:  cfg.OnResult,
		logger:   logger.With().Str("sweep", SweepSubmissions).Logger(),
	}
}

// NewDenialSweep hands denied claims without a disposition to the analyzer.
func NewDenialSweep(cfg SweepConfig, claims claim.Repository, handler DenialHandler, logger zerolog.Logger) *Sweep {
	cfg.defaults()
	none := claim.DispositionNone
	return &Sweep{
		name:     SweepDenials,
		interval: cfg.DenialInterval,
		fetch: func(ctx context.Context) ([]*claim.Claim, error) {
			items, _, err := claims.List(ctx, claim.Filter{
				Status:            claim.StatusDenied,
				AutomationStatus:  claim.AutomationCompleted,
				DenialDisposition: &none,
				Limit:             cfg.BatchSize,
			})
			return items, err
		},
		apply: func(ctx context.Context, id uuid.UUID) error {
			_, err := handler.Handle(context.WithoutCancel(ctx), id)
			return err
		},
		observe: cfg.OnResult,
		logger:  logger.With().Str("sweep", SweepDenials).Logger(),
	}
}
