package claim

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PayerLookup checks that a payer exists.
type PayerLookup interface {
	Exists(id string) bool
}

type Service struct {
	repo   Repository
	payers PayerLookup
}

func NewService(repo Repository, payers PayerLookup) *Service {
	return &Service{repo: repo, payers: payers}
}

// Create validates an intake claim and stores it in pending automation.
func (s *Service) Create(ctx context.Context, c *Claim) error {
	c.Steps = nil
	c.Version = 0
	if err := c.Validate(); err != nil {
		return err
	}
	if s.payers != nil && !s.payers.Exists(c.PayerID) {
		return fmt.Errorf("unknown payer_id: %s", c.PayerID)
	}
	if c.Status == StatusPaid {
		return fmt.Errorf("paid claims cannot enter automation")
	}
	return s.repo.Create(ctx, c)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Claim, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, fmt.Errorf("invalid status filter: %s", f.Status)
	}
	if f.AutomationStatus != "" && !validAutomationStatuses[f.AutomationStatus] {
		return nil, 0, fmt.Errorf("invalid automation_status filter: %s", f.AutomationStatus)
	}
	return s.repo.List(ctx, f)
}

func (s *Service) Steps(ctx context.Context, id uuid.UUID) ([]*AutomationStep, error) {
	return s.repo.ListSteps(ctx, id)
}

// Requeue reopens a failed or needs_review claim as a new automation cycle,
// resuming at the step that did not finish.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.AutomationStatus != AutomationFailed && c.AutomationStatus != AutomationNeedsReview {
		return nil, fmt.Errorf("%w: automation status is %s", ErrConflict, c.AutomationStatus)
	}
	next := c.NextStep
	if next == "" {
		next = StepEligibilityCheck
	}
	expected := c.Version
	if err := c.Reopen(next); err != nil {
		return nil, err
	}
	if err := s.repo.Commit(ctx, c, expected); err != nil {
		return nil, err
	}
	return c, nil
}
