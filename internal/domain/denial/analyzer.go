package denial

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

// Appeal-probability heuristic.
const (
	appealBase             = 50
	appealDocumentation    = 20
	appealCoding           = 15
	appealHighAmount       = 10
	appealCap              = 95
	appealAmountThreshold  = 500.0
	defaultHighConfidence  = 80
	defaultAppealThreshold = 70
	defaultMaxResubmits    = 2
)

const undeterminedNote = "No replacement value could be derived from the claim; the current value is kept and must be confirmed before resubmission."

// PayerResolver looks up a payer ready for outbound calls.
type PayerResolver interface {
	Resolve(id string) (payer.Provider, error)
}

// Advisor produces narrative recommended actions, typically an LLM assistant.
type Advisor interface {
	Recommend(ctx context.Context, c *claim.Claim, a *Analysis) ([]string, error)
}

// Resubmitter re-enters the claim processor at the submission stage.
type Resubmitter interface {
	Submit(ctx context.Context, id uuid.UUID) error
}

// Transactor runs fn so that the store writes inside it commit together.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// directTx runs fn as is; used with stores that have no transactions.
type directTx struct{}

func (directTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Config holds the decision thresholds.
type Config struct {
	// HighConfidenceThreshold is the minimum confidence of a correction
	// that is applied automatically.
	HighConfidenceThreshold int
	// AppealThreshold must be strictly exceeded to file an appeal.
	AppealThreshold int
	// MaxResubmissions caps automatic correct-and-resubmit rounds per claim.
	MaxResubmissions int
}

// Analyzer derives denial analyses and acts on them.
type Analyzer struct {
	rules       []Rule
	cfg         Config
	claims      claim.Repository
	store       Repository
	payers      PayerResolver
	appeals     gateway.Appeals
	advisor     Advisor
	resubmitter Resubmitter
	tx          Transactor
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRules replaces the built-in denial table.
func WithRules(rules []Rule) Option {
	return func(a *Analyzer) { a.rules = rules }
}

// WithAdvisor enriches recommended actions.
func WithAdvisor(adv Advisor) Option {
	return func(a *Analyzer) { a.advisor = adv }
}

// WithResubmitter resubmits corrected claims immediately instead of leaving
// them for the next poll.
func WithResubmitter(r Resubmitter) Option {
	return func(a *Analyzer) { a.resubmitter = r }
}

// WithTransactor makes the analysis, the appeal record and the claim's
// disposition commit atomically.
func WithTransactor(t Transactor) Option {
	return func(a *Analyzer) { a.tx = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer wires the analyzer. Zero thresholds fall back to 80/70.
func NewAnalyzer(cfg Config, claims claim.Repository, store Repository, payers PayerResolver,
	appeals gateway.Appeals, logger zerolog.Logger, opts ...Option) *Analyzer {
	if cfg.HighConfidenceThreshold == 0 {
		cfg.HighConfidenceThreshold = defaultHighConfidence
	}
	if cfg.AppealThreshold == 0 {
		cfg.AppealThreshold = defaultAppealThreshold
	}
	if cfg.MaxResubmissions == 0 {
		cfg.MaxResubmissions = defaultMaxResubmits
	}
	a := &Analyzer{
		rules:   DefaultRules,
		cfg:     cfg,
		claims:  claims,
		store:   store,
		payers:  payers,
		appeals: appeals,
		tx:      directTx{},
		logger:  logger.With().Str("component", "denial_analyzer").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AppealProbability scores the chance an appeal succeeds: base 50, +20 when
// a reason mentions documentation, +15 when one mentions coding, +10 when
// the amount exceeds 500, capped at 95.
func AppealProbability(reasons []string, amount float64) int {
	score := appealBase
	var documentation, coding bool
	for _, r := range reasons {
		lower := strings.ToLower(r)
		documentation = documentation || strings.Contains(lower, "documentation")
		coding = coding || strings.Contains(lower, "coding")
	}
	if documentation {
		score += appealDocumentation
	}
	if coding {
		score += appealCoding
	}
	if claim.RoundAmount(amount) > appealAmountThreshold {
		score += appealHighAmount
	}
	if score > appealCap {
		score = appealCap
	}
	return score
}

// SplitReasons breaks a claim's stored denial reason into individual reasons.
func SplitReasons(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Analyze derives the analysis for a denied claim. It has no side effects.
func (a *Analyzer) Analyze(c *claim.Claim) *Analysis {
	reasons := SplitReasons(c.DenialReason)
	an := &Analysis{
		ID:            uuid.New(),
		ClaimID:       c.ID,
		Cycle:         c.Cycle,
		DenialCodes:   append([]string{}, c.DenialCodes...),
		DenialReasons: reasons,
		Corrections:   []Correction{},
		CreatedAt:     a.now().UTC(),
	}

	type key struct{ typ, field string }
	seen := make(map[key]bool)
	for _, r := range a.rules {
		if !r.matches(c.DenialCodes, reasons) {
			continue
		}
		if r.Action != "" {
			an.RecommendedActions = append(an.RecommendedActions, r.Action)
		}
		if r.Grounds != "" {
			an.grounds = append(an.grounds, r.Grounds)
		}
		an.documents = mergeUnique(an.documents, r.Documents)

		k := key{r.Type, r.Field}
		if seen[k] {
			continue
		}
		seen[k] = true
		orig, proposed, derived := r.propose(c.ProcedureCode, c.Modifiers, c.Documentation)
		justification := r.Justification
		if !derived {
			justification += " " + undeterminedNote
		}
		an.Corrections = append(an.Corrections, Correction{
			Type:          r.Type,
			Field:         r.Field,
			OriginalValue: orig,
			ProposedValue: proposed,
			Confidence:    r.Confidence,
			Justification: justification,
		})
	}

	for _, corr := range an.Corrections {
		if corr.Confidence >= a.cfg.HighConfidenceThreshold {
			an.AutoCorrectable = true
			break
		}
	}
	an.AppealProbability = AppealProbability(reasons, c.TotalAmount)

	switch a.decide(c, an) {
	case claim.DispositionAutoCorrected:
		an.RecommendedActions = append(an.RecommendedActions, "Apply high-confidence corrections and resubmit")
	case claim.DispositionAppealed:
		an.RecommendedActions = append(an.RecommendedActions, fmt.Sprintf("File an appeal (estimated success %d%%)", an.AppealProbability))
	default:
		an.RecommendedActions = append(an.RecommendedActions, "Route to billing staff for manual review")
	}
	return an
}

// decide picks the disposition: auto-correct while resubmissions remain,
// else appeal above the threshold, else manual review.
func (a *Analyzer) decide(c *claim.Claim, an *Analysis) string {
	switch {
	case an.AutoCorrectable && c.Cycle <= a.cfg.MaxResubmissions:
		return claim.DispositionAutoCorrected
	case an.AppealProbability > a.cfg.AppealThreshold:
		return claim.DispositionAppealed
	}
	return claim.DispositionManualReview
}

// Handle analyzes a denied claim and applies the chosen disposition:
// auto-correct and resubmit, file an appeal, or leave it for manual review.
// The analysis, the appeal record and the claim's disposition are written in
// one transaction, the disposition as a compare-and-swap, so concurrent
// sweeps never handle the same denial twice and a failed write leaves the
// claim for the next sweep. Appeals are filed only after that commit.
func (a *Analyzer) Handle(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	c, err := a.claims.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != claim.StatusDenied || c.DenialDisposition != claim.DispositionNone ||
		!claim.IsTerminalAutomation(c.AutomationStatus) {
		return nil, ErrNotDenied
	}

	an := a.Analyze(c)
	a.enrich(ctx, c, an)
	log := a.logger.With().Str("claim_id", c.ID.String()).Str("payer_id", c.PayerID).Logger()

	expected := c.Version
	disposition := a.decide(c, an)
	var ap *Appeal
	switch disposition {
	case claim.DispositionAutoCorrected:
		for _, corr := range an.Corrections {
			if corr.Confidence >= a.cfg.HighConfidenceThreshold {
				applyCorrection(c, corr)
			}
		}
		if err := c.Reopen(claim.StepClaimSubmission); err != nil {
			return nil, err
		}
	case claim.DispositionAppealed:
		ap = BuildAppeal(c, an)
		ap.Status = AppealPending
		ap.SubmittedAt = a.now().UTC()
	}
	c.DenialDisposition = disposition
	an.Disposition = disposition

	err = a.tx.InTx(ctx, func(ctx context.Context) error {
		if err := a.store.SaveAnalysis(ctx, an); err != nil {
			return fmt.Errorf("save denial analysis: %w", err)
		}
		if ap != nil {
			if err := a.store.SaveAppeal(ctx, ap); err != nil {
				return fmt.Errorf("save appeal: %w", err)
			}
		}
		return a.claims.Commit(ctx, c, expected)
	})
	if err != nil {
		return nil, err
	}

	if ap != nil {
		if err := a.fileAppeal(ctx, c, an, ap); err != nil {
			return nil, err
		}
	}
	log.Info().
		Str("disposition", an.Disposition).
		Int("appeal_probability", an.AppealProbability).
		Int("corrections", len(an.Corrections)).
		Msg("denial handled")

	if an.Disposition == claim.DispositionAutoCorrected && a.resubmitter != nil {
		if err := a.resubmitter.Submit(ctx, c.ID); err != nil && !errors.Is(err, claim.ErrConflict) {
			log.Warn().Err(err).Msg("immediate resubmission failed; claim stays queued")
		}
	}
	return an, nil
}

func (a *Analyzer) enrich(ctx context.Context, c *claim.Claim, an *Analysis) {
	if a.advisor == nil {
		return
	}
	actions, err := a.advisor.Recommend(ctx, c, an)
	if err != nil {
		a.logger.Warn().Err(err).Str("claim_id", c.ID.String()).Msg("assistant unavailable; using rule recommendations")
		return
	}
	an.RecommendedActions = mergeUnique(an.RecommendedActions, actions)
}

func applyCorrection(c *claim.Claim, corr Correction) {
	split := func(s string) []string {
		if s == "" {
			return nil
		}
		return strings.Split(s, ",")
	}
	switch corr.Type {
	case CorrectionCodeChange:
		c.ProcedureCode = corr.ProposedValue
	case CorrectionModifierAdd:
		c.Modifiers = split(corr.ProposedValue)
	case CorrectionDocumentation:
		c.Documentation = split(corr.ProposedValue)
	}
}

// fileAppeal sends a recorded appeal to the payer and stores the outcome. A
// failed filing moves the claim to manual review with the failed appeal on
// record. If the outcome cannot be stored the appeal stays pending.
func (a *Analyzer) fileAppeal(ctx context.Context, c *claim.Claim, an *Analysis, ap *Appeal) error {
	p, err := a.payers.Resolve(c.PayerID)
	var res *gateway.AppealResult
	if err == nil {
		res, err = a.appeals.SubmitAppeal(ctx, p, gateway.AppealRequest{
			ClaimID:             c.ID,
			Cycle:               an.Cycle,
			ClaimNumber:         c.ClaimNumber,
			PayerClaimID:        c.PayerClaimID,
			DenialReasons:       denialReasons(c.DenialCodes, an.DenialReasons),
			Grounds:             ap.Grounds,
			SupportingDocuments: ap.SupportingDocuments,
			RequestedAmount:     ap.RequestedAmount,
		})
	}
	if err == nil {
		ap.Status = AppealSubmitted
		ap.Reference = res.Reference
		if err := a.store.UpdateAppeal(ctx, ap); err != nil {
			return fmt.Errorf("record filed appeal %s: %w", ap.ID, err)
		}
		return nil
	}

	ap.Status = AppealFailed
	ap.Error = err.Error()
	a.logger.Error().Err(err).Str("claim_id", c.ID.String()).Msg("appeal filing failed")

	expected := c.Version
	c.DenialDisposition = claim.DispositionManualReview
	an.Disposition = claim.DispositionManualReview
	return a.tx.InTx(ctx, func(ctx context.Context) error {
		if err := a.store.UpdateAppeal(ctx, ap); err != nil {
			return fmt.Errorf("record failed appeal: %w", err)
		}
		if err := a.store.SetDisposition(ctx, an.ID, claim.DispositionManualReview); err != nil {
			return fmt.Errorf("update analysis disposition: %w", err)
		}
		return a.claims.Commit(ctx, c, expected)
	})
}

// BuildAppeal assembles the appeal packet: reasons, grounds, supporting
// documents and the requested amount.
func BuildAppeal(c *claim.Claim, an *Analysis) *Appeal {
	grounds := append([]string{}, an.grounds...)
	if len(grounds) == 0 {
		grounds = []string{"The billed services were medically necessary and rendered as documented."}
	}
	return &Appeal{
		ID:                  uuid.New(),
		ClaimID:             c.ID,
		AnalysisID:          an.ID,
		DenialReasons:       append([]string{}, an.DenialReasons...),
		Grounds:             grounds,
		SupportingDocuments: mergeUnique(c.Documentation, an.documents),
		RequestedAmount:     claim.RoundAmount(c.TotalAmount),
		Probability:         an.AppealProbability,
	}
}

func denialReasons(codes, reasons []string) []gateway.DenialReason {
	n := len(codes)
	if len(reasons) > n {
		n = len(reasons)
	}
	out := make([]gateway.DenialReason, 0, n)
	for i := 0; i < n; i++ {
		var r gateway.DenialReason
		if i < len(codes) {
			r.Code = codes[i]
		}
		if i < len(reasons) {
			r.Description = reasons[i]
		}
		out = append(out, r)
	}
	return out
}
