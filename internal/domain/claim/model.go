package claim

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Lifecycle statuses of a claim.
const (
	StatusDraft      = "draft"
	StatusSubmitted  = "submitted"
	StatusProcessing = "processing"
	StatusApproved   = "approved"
	StatusDenied     = "denied"
	StatusPaid       = "paid"
)

// Automation statuses. Completed, Failed and NeedsReview close the current cycle.
const (
	AutomationPending     = "pending"
	AutomationProcessing  = "processing"
	AutomationCompleted   = "completed"
	AutomationFailed      = "failed"
	AutomationNeedsReview = "needs_review"
)

// Step names recorded in the audit trail.
const (
	StepEligibilityCheck   = "eligibility_check"
	StepPriorAuthorization = "prior_authorization"
	StepClaimSubmission    = "claim_submission"
	StepError              = "error"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepProcessing = "processing"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Denial dispositions chosen by the denial analyzer.
const (
	DispositionNone          = ""
	DispositionAutoCorrected = "auto_corrected"
	DispositionAppealed      = "appealed"
	DispositionManualReview  = "manual_review"
)

var (
	ErrNotFound  = errors.New("claim not found")
	ErrConflict  = errors.New("claim was modified concurrently")
	ErrTerminal  = errors.New("automation cycle is closed")
	ErrStepOrder = errors.New("automation step out of order")
	ErrPaid      = errors.New("claim is paid")
)

var validStatuses = map[string]bool{
	StatusDraft: true, StatusSubmitted: true, StatusProcessing: true,
	StatusApproved: true, StatusDenied: true, StatusPaid: true,
}

var validAutomationStatuses = map[string]bool{
	AutomationPending: true, AutomationProcessing: true, AutomationCompleted: true,
	AutomationFailed: true, AutomationNeedsReview: true,
}

var validStepNames = map[string]bool{
	StepEligibilityCheck: true, StepPriorAuthorization: true,
	StepClaimSubmission: true, StepError: true,
}

// Claim is the unit of billing work flowing through automation.
type Claim struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	ProviderID          uuid.UUID  `db:"provider_id" json:"provider_id"`
	PayerID             string     `db:"payer_id" json:"payer_id"`
	ClaimNumber         string     `db:"claim_number" json:"claim_number"`
	ServiceDate         time.Time  `db:"service_date" json:"service_date"`
	TotalAmount         float64    `db:"total_amount" json:"total_amount"`
	ProcedureCode       string     `db:"procedure_code" json:"procedure_code,omitempty"`
	Modifiers           []string   `db:"modifiers" json:"modifiers,omitempty"`
	DiagnosisCodes      []string   `db:"diagnosis_codes" json:"diagnosis_codes,omitempty"`
	Documentation       []string   `db:"documentation" json:"documentation,omitempty"`
	Status              string     `db:"status" json:"status"`
	AutomationStatus    string     `db:"automation_status" json:"automation_status"`
	LastStep            string     `db:"last_step" json:"last_step,omitempty"`
	NextStep            string     `db:"next_step" json:"next_step,omitempty"`
	PayerClaimID        string     `db:"payer_claim_id" json:"payer_claim_id,omitempty"`
	AuthorizationNumber string     `db:"authorization_number" json:"authorization_number,omitempty"`
	DenialCodes         []string   `db:"denial_codes" json:"denial_codes,omitempty"`
	DenialReason        string     `db:"denial_reason" json:"denial_reason,omitempty"`
	DenialDisposition   string     `db:"denial_disposition" json:"denial_disposition,omitempty"`
	Attempts            int        `db:"attempts" json:"attempts"`
	Cycle               int        `db:"cycle" json:"cycle"`
	NextAttemptAt       *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	Version             int        `db:"version" json:"version"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`

	Steps []*AutomationStep `db:"-" json:"steps,omitempty"`
}

// AutomationStep is one recorded transition in a claim's automation history.
type AutomationStep struct {
	ID        uuid.UUID              `db:"id" json:"id"`
	ClaimID   uuid.UUID              `db:"claim_id" json:"claim_id"`
	Cycle     int                    `db:"cycle" json:"cycle"`
	Step      string                 `db:"step" json:"step"`
	Status    string                 `db:"status" json:"status"`
	Timestamp time.Time              `db:"timestamp" json:"timestamp"`
	Details   map[string]interface{} `db:"details" json:"details,omitempty"`
	Error     string                 `db:"error_message" json:"error,omitempty"`
}

// IsTerminalAutomation reports whether status closes an automation cycle.
func IsTerminalAutomation(status string) bool {
	return status == AutomationCompleted || status == AutomationFailed || status == AutomationNeedsReview
}

// RoundAmount normalises a dollar amount to cents using round-half-even.
func RoundAmount(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

// Validate checks intake fields and fills defaults.
func (c *Claim) Validate() error {
	if c.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if c.PayerID == "" {
		return fmt.Errorf("payer_id is required")
	}
	if c.ClaimNumber == "" {
		return fmt.Errorf("claim_number is required")
	}
	if c.ServiceDate.IsZero() {
		return fmt.Errorf("service_date is required")
	}
	if c.TotalAmount < 0 {
		return fmt.Errorf("total_amount must not be negative")
	}
	c.TotalAmount = RoundAmount(c.TotalAmount)
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if !validStatuses[c.Status] {
		return fmt.Errorf("invalid claim status: %s", c.Status)
	}
	if c.AutomationStatus == "" {
		c.AutomationStatus = AutomationPending
	}
	if !validAutomationStatuses[c.AutomationStatus] {
		return fmt.Errorf("invalid automation status: %s", c.AutomationStatus)
	}
	if c.NextStep == "" {
		c.NextStep = StepEligibilityCheck
	}
	if c.Cycle == 0 {
		c.Cycle = 1
	}
	return nil
}

// CycleSteps returns the steps recorded in the claim's current cycle.
func (c *Claim) CycleSteps() []*AutomationStep {
	var out []*AutomationStep
	for _, s := range c.Steps {
		if s.Cycle == c.Cycle {
			out = append(out, s)
		}
	}
	return out
}

// InProgress returns the step of the current cycle that has a processing
// entry but no outcome yet, or "".
func (c *Claim) InProgress() string {
	return c.openStep()
}

func (c *Claim) openStep() string {
	open := ""
	for _, s := range c.CycleSteps() {
		switch s.Status {
		case StepProcessing:
			open = s.Step
		case StepCompleted, StepFailed:
			if s.Step == open {
				open = ""
			}
		}
	}
	return open
}

// AppendStep records a step in the current cycle, enforcing the audit trail
// invariants: nothing is appended once the cycle is closed, timestamps never go
// backwards, and a processing entry is resolved before another step begins.
func (c *Claim) AppendStep(s *AutomationStep) error {
	if IsTerminalAutomation(c.AutomationStatus) {
		return ErrTerminal
	}
	if !validStepNames[s.Step] {
		return fmt.Errorf("%w: unknown step %q", ErrStepOrder, s.Step)
	}
	if n := len(c.Steps); n > 0 && s.Timestamp.Before(c.Steps[n-1].Timestamp) {
		return fmt.Errorf("%w: timestamp precedes previous step", ErrStepOrder)
	}

	open := c.openStep()
	switch s.Status {
	case StepProcessing:
		if s.Step == StepError {
			return fmt.Errorf("%w: error steps cannot be in progress", ErrStepOrder)
		}
		if open != "" {
			return fmt.Errorf("%w: %s still in progress", ErrStepOrder, open)
		}
	case StepCompleted, StepFailed:
		if s.Step == StepError {
			if s.Status != StepFailed {
				return fmt.Errorf("%w: error steps can only fail", ErrStepOrder)
			}
			if open != "" {
				return fmt.Errorf("%w: %s still in progress", ErrStepOrder, open)
			}
			break
		}
		if open != s.Step {
			return fmt.Errorf("%w: %s %s without a processing entry", ErrStepOrder, s.Step, s.Status)
		}
	case StepPending:
		if open != "" {
			return fmt.Errorf("%w: %s still in progress", ErrStepOrder, open)
		}
	default:
		return fmt.Errorf("%w: unknown step status %q", ErrStepOrder, s.Status)
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.ClaimID = c.ID
	s.Cycle = c.Cycle
	c.Steps = append(c.Steps, s)
	if s.Status == StepCompleted || s.Status == StepFailed {
		c.LastStep = s.Step
	}
	return nil
}

// Outcomes returns the resolved (completed or failed) entries of the current
// cycle, one per finished stage.
func (c *Claim) Outcomes() []*AutomationStep {
	var out []*AutomationStep
	for _, s := range c.CycleSteps() {
		if s.Status == StepCompleted || s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// Reopen starts a new automation cycle at the given step. It is the only way
// out of a terminal automation status.
func (c *Claim) Reopen(next string) error {
	if c.Status == StatusPaid {
		return ErrPaid
	}
	if c.AutomationStatus == AutomationProcessing {
		return fmt.Errorf("%w: claim is being processed", ErrConflict)
	}
	c.Cycle++
	c.Attempts = 0
	c.NextAttemptAt = nil
	c.AutomationStatus = AutomationPending
	c.NextStep = next
	return nil
}

// Clone returns a deep copy, so stores never share slices with callers.
func (c *Claim) Clone() *Claim {
	cp := *c
	cp.Modifiers = append([]string(nil), c.Modifiers...)
	cp.DiagnosisCodes = append([]string(nil), c.DiagnosisCodes...)
	cp.Documentation = append([]string(nil), c.Documentation...)
	cp.DenialCodes = append([]string(nil), c.DenialCodes...)
	if c.NextAttemptAt != nil {
		t := *c.NextAttemptAt
		cp.NextAttemptAt = &t
	}
	cp.Steps = make([]*AutomationStep, len(c.Steps))
	for i, s := range c.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	return &cp
}
