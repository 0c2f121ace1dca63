package claim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe, in-memory Repository used by tests and
// by the server when STORE=memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	claims map[uuid.UUID]*Claim
	steps  map[uuid.UUID][]*AutomationStep
	order  []uuid.UUID
	now    func() time.Time
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		claims: make(map[uuid.UUID]*Claim),
		steps:  make(map[uuid.UUID][]*AutomationStep),
		now:    time.Now,
	}
}

func (r *MemoryRepository) Create(_ context.Context, c *Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Version = 1
	stored := c.Clone()
	stored.Steps = nil
	r.claims[c.ID] = stored
	r.order = append(r.order, c.ID)
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := c.Clone()
	out.Steps = cloneSteps(r.steps[id])
	return out, nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Claim, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Claim
	for _, id := range r.order {
		c := r.claims[id]
		if matches(c, f) {
			matched = append(matched, c)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Offset >= total {
		return []*Claim{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	out := make([]*Claim, 0, end-f.Offset)
	for _, c := range matched[f.Offset:end] {
		cp := c.Clone()
		cp.Steps = cloneSteps(r.steps[c.ID])
		out = append(out, cp)
	}
	return out, total, nil
}

func (r *MemoryRepository) Commit(_ context.Context, c *Claim, expectedVersion int, steps ...*AutomationStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.claims[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = r.now()
	stored := c.Clone()
	stored.Steps = nil
	r.claims[c.ID] = stored
	for _, s := range steps {
		sc := *s
		r.steps[c.ID] = append(r.steps[c.ID], &sc)
	}
	return nil
}

func (r *MemoryRepository) ListSteps(_ context.Context, claimID uuid.UUID) ([]*AutomationStep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.claims[claimID]; !ok {
		return nil, ErrNotFound
	}
	return cloneSteps(r.steps[claimID]), nil
}

func matches(c *Claim, f Filter) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.NextStep != "" && c.NextStep != f.NextStep {
		return false
	}
	if f.DenialDisposition != nil && c.DenialDisposition != *f.DenialDisposition {
		return false
	}
	if f.AutomationStatus != "" && c.AutomationStatus != f.AutomationStatus {
		stale := f.StaleBefore != nil && c.AutomationStatus == AutomationProcessing && c.UpdatedAt.Before(*f.StaleBefore)
		if !stale {
			return false
		}
	}
	if f.DueBy != nil && c.NextAttemptAt != nil && c.NextAttemptAt.After(*f.DueBy) {
		return false
	}
	return true
}

func cloneSteps(in []*AutomationStep) []*AutomationStep {
	out := make([]*AutomationStep, len(in))
	for i, s := range in {
		sc := *s
		out[i] = &sc
	}
	return out
}
