package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/domain/gateway"
	"github.com/ehr/claimflow/internal/domain/payer"
)

// Event types emitted to the EventSink.
const (
	EventClaimSubmitted   = "claim.submitted"
	EventClaimDenied      = "claim.denied"
	EventClaimNeedsReview = "claim.needs_review"
	EventClaimFailed      = "claim.failed"
)

const serviceDateLayout = "2006-01-02"

// ErrNotReady is returned when a claim is not in a state the requested
// operation can pick up: not pending, waiting for its retry time, or parked
// at a different step. Callers treat it as a skip.
var ErrNotReady = errors.New("claim is not ready for processing")

// PayerResolver returns a payer ready for outbound calls.
type PayerResolver interface {
	Resolve(id string) (payer.Provider, error)
}

// Gateways is the subset of payer adapters the processor drives.
type Gateways interface {
	gateway.Eligibility
	gateway.Authorization
	gateway.Submission
}

// EventSink receives claim lifecycle notifications.
type EventSink interface {
	Notify(ctx context.Context, eventType, resourceID string, payload interface{}) error
}

// Config tunes retries of failed stages.
type Config struct {
	// MaxAttempts is the number of failed stage runs after which the claim
	// is parked in needs_review.
	MaxAttempts int
	// RetryBaseDelay is doubled after every failed attempt.
	RetryBaseDelay time.Duration
	// StaleAfter is how long a claim may sit in processing before another
	// loop may reclaim it.
	StaleAfter time.Duration
	// PersistBudget bounds the retries of a single store write.
	PersistBudget time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.PersistBudget <= 0 {
		c.PersistBudget = 2 * time.Second
	}
}

// Processor drives one claim through eligibility, prior authorization and
// submission. Every write is a compare-and-swap on the claim version, so the
// poller and the sweeps can safely race for the same claim.
type Processor struct {
	claims  claim.Repository
	payers  PayerResolver
	gateway Gateways
	events  []EventSink
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithEventSink publishes lifecycle events. It may be given more than once.
func WithEventSink(s EventSink) ProcessorOption {
	return func(p *Processor) { p.events = append(p.events, s) }
}

// WithProcessorClock overrides time.Now.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor wires a processor. Store writes are retried with exponential
// backoff before an error is returned to the caller.
func NewProcessor(cfg Config, claims claim.Repository, payers PayerResolver, gw Gateways,
	logger zerolog.Logger, opts ...ProcessorOption) *Processor {
	cfg.defaults()
	logger = logger.With().Str("component", "claim_processor").Logger()
	p := &Processor{
		claims:  newRetryingRepo(claims, cfg.PersistBudget, logger),
		payers:  payers,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the claim from its next step to the end of the pipeline.
// Gateway failures and business rejections are recorded on the claim and do
// not surface as errors. The returned error is one of ErrNotReady,
// claim.ErrConflict (another loop owns the claim) or a persistence failure.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	return p.run(ctx, id, "", false)
}

// CheckEligibility runs only the eligibility stage of a claim parked there.
func (p *Processor) CheckEligibility(ctx context.Context, id uuid.UUID) error {
	return p.run(ctx, id, claim.StepEligibilityCheck, true)
}

// Submit runs only the submission stage of a claim parked there, e.g. a
// claim reopened after an automatic correction.
func (p *Processor) Submit(ctx context.Context, id uuid.UUID) error {
	return p.run(ctx, id, claim.StepClaimSubmission, true)
}

func (p *Processor) run(ctx context.Context, id uuid.UUID, only string, single bool) error {
	// A stage, once started, runs to completion even if the loop is stopping.
	ctx = context.WithoutCancel(ctx)

	c, err := p.acquire(ctx, id, only)
	if err != nil {
		return err
	}
	log := p.logger.With().Str("claim_id", c.ID.String()).Str("payer_id", c.PayerID).Int("cycle", c.Cycle).Logger()

	prov, err := p.payers.Resolve(c.PayerID)
	if err != nil {
		log.Error().Err(err).Msg("payer not usable; automation failed")
		return p.configFailure(ctx, c, err)
	}

	for c.AutomationStatus == claim.AutomationProcessing {
		stage := c.NextStep
		switch stage {
		case claim.StepEligibilityCheck:
			err = p.eligibility(ctx, c, prov)
		case claim.StepPriorAuthorization:
			err = p.authorization(ctx, c, prov)
		case claim.StepClaimSubmission:
			err = p.submission(ctx, c, prov)
		default:
			return p.configFailure(ctx, c, fmt.Errorf("unknown next step %q", stage))
		}
		if err != nil {
			return err
		}
		log.Debug().Str("step", stage).Str("automation_status", c.AutomationStatus).Msg("stage finished")
		if single && c.AutomationStatus == claim.AutomationProcessing {
			return p.park(ctx, c)
		}
	}
	return nil
}

// acquire moves a due pending claim, or a stale processing one, to
// processing. Losing the compare-and-swap returns claim.ErrConflict.
// Reclaiming an interrupted stage counts as a failed attempt; once attempts
// are exhausted the claim is parked in needs_review and ErrNotReady is
// returned without re-running the stage.
func (p *Processor) acquire(ctx context.Context, id uuid.UUID, only string) (*claim.Claim, error) {
	c, err := p.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()

	switch c.AutomationStatus {
	case claim.AutomationPending:
		if c.NextAttemptAt != nil && c.NextAttemptAt.After(now) {
			return nil, ErrNotReady
		}
	case claim.AutomationProcessing:
		if now.Sub(c.UpdatedAt) < p.cfg.StaleAfter {
			return nil, ErrNotReady
		}
	default:
		return nil, ErrNotReady
	}
	if c.Status == claim.StatusPaid || (only != "" && c.NextStep != only) {
		return nil, ErrNotReady
	}

	expected := c.Version
	var steps []*claim.AutomationStep
	exhausted := false
	if open := c.InProgress(); open != "" {
		c.Attempts++
		s := &claim.AutomationStep{Step: open, Status: claim.StepFailed, Timestamp: now,
			Details: map[string]interface{}{"attempt": c.Attempts, "reclaimed": true},
			Error:   "processing interrupted before an outcome was recorded"}
		if err := c.AppendStep(s); err != nil {
			return nil, err
		}
		steps = append(steps, s)
		exhausted = c.Attempts >= p.cfg.MaxAttempts
		p.logger.Warn().Str("claim_id", c.ID.String()).Str("step", open).Int("attempt", c.Attempts).
			Bool("exhausted", exhausted).Msg("reclaiming stale claim")
	}
	c.AutomationStatus = claim.AutomationProcessing
	if exhausted {
		c.AutomationStatus = claim.AutomationNeedsReview
		c.NextAttemptAt = nil
	}
	if err := p.claims.Commit(ctx, c, expected, steps...); err != nil {
		return nil, err
	}
	if exhausted {
		p.notify(ctx, EventClaimNeedsReview, c)
		return nil, ErrNotReady
	}
	return c, nil
}

// park returns a claim that finished one stage to pending so the next
// stage is picked up by whichever loop owns it.
func (p *Processor) park(ctx context.Context, c *claim.Claim) error {
	expected := c.Version
	c.AutomationStatus = claim.AutomationPending
	return p.claims.Commit(ctx, c, expected)
}

func (p *Processor) begin(ctx context.Context, c *claim.Claim, step string) error {
	return p.record(ctx, c, &claim.AutomationStep{Step: step, Status: claim.StepProcessing, Timestamp: p.now().UTC()})
}

// record appends steps then applies mutate, so terminal statuses set by
// mutate never block their own closing step.
func (p *Processor) record(ctx context.Context, c *claim.Claim, s *claim.AutomationStep, mutate ...func()) error {
	expected := c.Version
	if err := c.AppendStep(s); err != nil {
		return err
	}
	for _, m := range mutate {
		m()
	}
	return p.claims.Commit(ctx, c, expected, s)
}

func (p *Processor) eligibility(ctx context.Context, c *claim.Claim, prov payer.Provider) error {
	if err := p.begin(ctx, c, claim.StepEligibilityCheck); err != nil {
		return err
	}
	res, err := p.gateway.CheckEligibility(ctx, prov, gateway.EligibilityRequest{
		ClaimID:        c.ID,
		PatientID:      c.PatientID,
		ProviderID:     c.ProviderID,
		ServiceDate:    c.ServiceDate.Format(serviceDateLayout),
		ProcedureCode:  c.ProcedureCode,
		DiagnosisCodes: c.DiagnosisCodes,
	})
	if err != nil {
		return p.stageFailure(ctx, c, claim.StepEligibilityCheck, err)
	}

	done := &claim.AutomationStep{
		Step:      claim.StepEligibilityCheck,
		Status:    claim.StepCompleted,
		Timestamp: p.now().UTC(),
		Details: map[string]interface{}{
			"is_eligible":         res.Eligible,
			"prior_auth_required": res.PriorAuthRequired,
			"by_policy":           res.ByPolicy,
			"copay":               res.Coverage.Copay,
			"deductible":          res.Coverage.Deductible,
			"coinsurance":         res.Coverage.Coinsurance,
		},
	}
	if !res.Eligible {
		reason := "patient is not eligible for coverage"
		if len(res.Errors) > 0 {
			reason = strings.Join(res.Errors, "; ")
		}
		if err := p.record(ctx, c, done, func() { p.deny(c, nil, reason) }); err != nil {
			return err
		}
		p.notify(ctx, EventClaimDenied, c)
		return nil
	}
	return p.record(ctx, c, done, func() {
		c.Attempts = 0
		c.NextAttemptAt = nil
		if res.PriorAuthRequired {
			c.NextStep = claim.StepPriorAuthorization
		} else {
			c.NextStep = claim.StepClaimSubmission
		}
	})
}

func (p *Processor) authorization(ctx context.Context, c *claim.Claim, prov payer.Provider) error {
	if err := p.begin(ctx, c, claim.StepPriorAuthorization); err != nil {
		return err
	}
	res, err := p.gateway.RequestAuthorization(ctx, prov, gateway.AuthorizationRequest{
		ClaimID:        c.ID,
		PatientID:      c.PatientID,
		ProviderID:     c.ProviderID,
		ServiceDate:    c.ServiceDate.Format(serviceDateLayout),
		ProcedureCode:  c.ProcedureCode,
		DiagnosisCodes: c.DiagnosisCodes,
		Amount:         claim.RoundAmount(c.TotalAmount),
	})
	if err != nil {
		return p.stageFailure(ctx, c, claim.StepPriorAuthorization, err)
	}

	done := &claim.AutomationStep{
		Step:      claim.StepPriorAuthorization,
		Status:    claim.StepCompleted,
		Timestamp: p.now().UTC(),
		Details: map[string]interface{}{
			"authorization_status": res.Status,
			"authorization_number": res.Number,
		},
	}
	if res.Status == gateway.AuthDenied {
		reason := res.DenialReason
		if reason == "" {
			reason = "prior authorization denied"
		}
		if err := p.record(ctx, c, done, func() { p.deny(c, nil, reason) }); err != nil {
			return err
		}
		p.notify(ctx, EventClaimDenied, c)
		return nil
	}
	return p.record(ctx, c, done, func() {
		c.Attempts = 0
		c.NextAttemptAt = nil
		c.AuthorizationNumber = res.Number
		c.NextStep = claim.StepClaimSubmission
	})
}

func (p *Processor) submission(ctx context.Context, c *claim.Claim, prov payer.Provider) error {
	if err := p.begin(ctx, c, claim.StepClaimSubmission); err != nil {
		return err
	}
	res, err := p.gateway.SubmitClaim(ctx, prov, gateway.SubmissionRequest{
		ClaimID:             c.ID,
		Cycle:               c.Cycle,
		ClaimNumber:         c.ClaimNumber,
		PatientID:           c.PatientID,
		ProviderID:          c.ProviderID,
		ServiceDate:         c.ServiceDate.Format(serviceDateLayout),
		TotalAmount:         claim.RoundAmount(c.TotalAmount),
		ProcedureCode:       c.ProcedureCode,
		Modifiers:           c.Modifiers,
		DiagnosisCodes:      c.DiagnosisCodes,
		AuthorizationNumber: c.AuthorizationNumber,
		Attachments:         c.Documentation,
	})
	if err != nil && gateway.IsBusinessRejection(err) {
		var gwErr *gateway.Error
		detail := err.Error()
		if errors.As(err, &gwErr) && gwErr.Detail != "" {
			detail = gwErr.Detail
		}
		res, err = &gateway.SubmissionResult{DenialReasons: []gateway.DenialReason{{Description: detail}}}, nil
	}
	if err != nil {
		return p.stageFailure(ctx, c, claim.StepClaimSubmission, err)
	}

	done := &claim.AutomationStep{
		Step:      claim.StepClaimSubmission,
		Status:    claim.StepCompleted,
		Timestamp: p.now().UTC(),
		Details:   map[string]interface{}{"accepted": res.Accepted},
	}
	if !res.Accepted {
		var codes, reasons []string
		for _, r := range res.DenialReasons {
			if r.Code != "" {
				codes = append(codes, r.Code)
			}
			if r.Description != "" {
				reasons = append(reasons, r.Description)
			}
		}
		if len(reasons) == 0 {
			reasons = []string{"claim rejected by payer"}
		}
		done.Details["denial_codes"] = codes
		if err := p.record(ctx, c, done, func() { p.deny(c, codes, strings.Join(reasons, "; ")) }); err != nil {
			return err
		}
		p.notify(ctx, EventClaimDenied, c)
		return nil
	}

	done.Details["payer_claim_id"] = res.PayerClaimID
	if err := p.record(ctx, c, done, func() {
		c.Status = claim.StatusSubmitted
		c.PayerClaimID = res.PayerClaimID
		c.DenialCodes = nil
		c.DenialReason = ""
		p.complete(c)
	}); err != nil {
		return err
	}
	p.logger.Info().Str("claim_id", c.ID.String()).Str("payer_claim_id", res.PayerClaimID).Msg("claim submitted")
	p.notify(ctx, EventClaimSubmitted, c)
	return nil
}

// deny ends the cycle with a business rejection the denial analyzer picks up.
func (p *Processor) deny(c *claim.Claim, codes []string, reason string) {
	c.Status = claim.StatusDenied
	c.DenialCodes = codes
	c.DenialReason = reason
	c.DenialDisposition = claim.DispositionNone
	p.complete(c)
}

func (p *Processor) complete(c *claim.Claim) {
	c.AutomationStatus = claim.AutomationCompleted
	c.NextStep = ""
	c.Attempts = 0
	c.NextAttemptAt = nil
}

// stageFailure records a failed stage. The claim goes back to pending with an
// exponential retry delay, or to needs_review once attempts are exhausted.
func (p *Processor) stageFailure(ctx context.Context, c *claim.Claim, step string, cause error) error {
	now := p.now().UTC()
	details := map[string]interface{}{"attempt": c.Attempts + 1}
	var gwErr *gateway.Error
	if errors.As(cause, &gwErr) {
		details["kind"] = string(gwErr.Kind)
		if gwErr.StatusCode != 0 {
			details["status_code"] = gwErr.StatusCode
		}
	}
	s := &claim.AutomationStep{Step: step, Status: claim.StepFailed, Timestamp: now, Details: details, Error: cause.Error()}

	exhausted := false
	err := p.record(ctx, c, s, func() {
		c.Attempts++
		if c.Attempts >= p.cfg.MaxAttempts {
			exhausted = true
			c.AutomationStatus = claim.AutomationNeedsReview
			c.NextAttemptAt = nil
			return
		}
		next := now.Add(p.cfg.RetryBaseDelay << (c.Attempts - 1))
		c.AutomationStatus = claim.AutomationPending
		c.NextAttemptAt = &next
	})
	if err != nil {
		return err
	}

	log := p.logger.Warn().Err(cause).Str("claim_id", c.ID.String()).Str("step", step).Int("attempt", c.Attempts)
	if exhausted {
		log.Msg("attempts exhausted; claim needs review")
		p.notify(ctx, EventClaimNeedsReview, c)
		return nil
	}
	log.Time("next_attempt_at", *c.NextAttemptAt).Msg("stage failed; will retry")
	return nil
}

// configFailure closes the cycle as failed without retry: the payer is
// unknown, inactive or lacks credentials.
func (p *Processor) configFailure(ctx context.Context, c *claim.Claim, cause error) error {
	s := &claim.AutomationStep{Step: claim.StepError, Status: claim.StepFailed, Timestamp: p.now().UTC(),
		Details: map[string]interface{}{"payer_id": c.PayerID}, Error: cause.Error()}
	if err := p.record(ctx, c, s, func() {
		c.AutomationStatus = claim.AutomationFailed
		c.NextAttemptAt = nil
	}); err != nil {
		return err
	}
	p.notify(ctx, EventClaimFailed, c)
	return nil
}

func (p *Processor) notify(ctx context.Context, event string, c *claim.Claim) {
	if len(p.events) == 0 {
		return
	}
	payload := map[string]interface{}{
		"claim_id":          c.ID,
		"claim_number":      c.ClaimNumber,
		"payer_id":          c.PayerID,
		"status":            c.Status,
		"automation_status": c.AutomationStatus,
		"cycle":             c.Cycle,
	}
	if c.DenialReason != "" {
		payload["denial_reason"] = c.DenialReason
	}
	for _, sink := range p.events {
		if err := sink.Notify(ctx, event, c.ID.String(), payload); err != nil {
			p.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Str("event", event).Msg("event delivery failed")
		}
	}
}
