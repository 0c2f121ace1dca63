package denial

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists analyses and appeals. Rows are only ever added, apart
// from the analysis disposition and the appeal filing outcome.
type Repository interface {
	SaveAnalysis(ctx context.Context, a *Analysis) error
	SetDisposition(ctx context.Context, analysisID uuid.UUID, disposition string) error
	LatestAnalysis(ctx context.Context, claimID uuid.UUID) (*Analysis, error)
	ListAnalyses(ctx context.Context, claimID uuid.UUID) ([]*Analysis, error)
	SaveAppeal(ctx context.Context, ap *Appeal) error
	UpdateAppeal(ctx context.Context, ap *Appeal) error
	ListAppeals(ctx context.Context, claimID uuid.UUID) ([]*Appeal, error)
}
