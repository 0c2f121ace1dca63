package denial

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe, in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	analyses map[uuid.UUID][]*Analysis
	appeals  map[uuid.UUID][]*Appeal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		analyses: make(map[uuid.UUID][]*Analysis),
		appeals:  make(map[uuid.UUID][]*Appeal),
	}
}

func (r *MemoryRepository) SaveAnalysis(_ context.Context, a *Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	cp.Corrections = append([]Correction(nil), a.Corrections...)
	r.analyses[a.ClaimID] = append(r.analyses[a.ClaimID], &cp)
	return nil
}

func (r *MemoryRepository) SetDisposition(_ context.Context, analysisID uuid.UUID, disposition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.analyses {
		for _, a := range list {
			if a.ID == analysisID {
				a.Disposition = disposition
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) LatestAnalysis(_ context.Context, claimID uuid.UUID) (*Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.analyses[claimID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (r *MemoryRepository) ListAnalyses(_ context.Context, claimID uuid.UUID) ([]*Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Analysis, 0, len(r.analyses[claimID]))
	for _, a := range r.analyses[claimID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) SaveAppeal(_ context.Context, ap *Appeal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ap.ID == uuid.Nil {
		ap.ID = uuid.New()
	}
	cp := *ap
	r.appeals[ap.ClaimID] = append(r.appeals[ap.ClaimID], &cp)
	return nil
}

func (r *MemoryRepository) UpdateAppeal(_ context.Context, ap *Appeal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.appeals[ap.ClaimID] {
		if stored.ID == ap.ID {
			stored.Status = ap.Status
			stored.Reference = ap.Reference
			stored.Error = ap.Error
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) ListAppeals(_ context.Context, claimID uuid.UUID) ([]*Appeal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Appeal, 0, len(r.appeals[claimID]))
	for _, ap := range r.appeals[claimID] {
		cp := *ap
		out = append(out, &cp)
	}
	return out, nil
}
