package claim

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter selects claims for the poller, the sweeps and the list API.
// Zero values are ignored.
type Filter struct {
	Status            string
	AutomationStatus  string
	NextStep          string
	DenialDisposition *string
	// DueBy excludes claims whose NextAttemptAt is later than DueBy.
	DueBy *time.Time
	// StaleBefore additionally matches claims stuck in processing whose
	// UpdatedAt is older than the given time.
	StaleBefore *time.Time
	Limit       int
	Offset      int
}

// Repository persists claims and their audit trail. Every mutation of an
// existing claim goes through Commit, which is a compare-and-swap on Version.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	List(ctx context.Context, f Filter) ([]*Claim, int, error)
	// Commit writes c and appends steps atomically, provided the stored
	// version still equals expectedVersion. On success c.Version is bumped.
	// Otherwise ErrConflict is returned and nothing is written.
	Commit(ctx context.Context, c *Claim, expectedVersion int, steps ...*AutomationStep) error
	ListSteps(ctx context.Context, claimID uuid.UUID) ([]*AutomationStep, error)
}
