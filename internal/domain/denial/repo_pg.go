package denial

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type denialRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &denialRepoPG{pool: pool} }

func (r *denialRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const analysisCols = `id, claim_id, cycle, denial_codes, denial_reasons, auto_correctable, corrections,
	appeal_probability, recommended_actions, disposition, created_at`

func (r *denialRepoPG) SaveAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO denial_analyses (`+analysisCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.ClaimID, a.Cycle, nonNil(a.DenialCodes), nonNil(a.DenialReasons), a.AutoCorrectable,
		a.Corrections, a.AppealProbability, nonNil(a.RecommendedActions), a.Disposition, a.CreatedAt)
	return err
}

func (r *denialRepoPG) SetDisposition(ctx context.Context, analysisID uuid.UUID, disposition string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE denial_analyses SET disposition = $2 WHERE id = $1`, analysisID, disposition)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.ClaimID, &a.Cycle, &a.DenialCodes, &a.DenialReasons, &a.AutoCorrectable,
		&a.Corrections, &a.AppealProbability, &a.RecommendedActions, &a.Disposition, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *denialRepoPG) LatestAnalysis(ctx context.Context, claimID uuid.UUID) (*Analysis, error) {
	return scanAnalysis(r.conn(ctx).QueryRow(ctx, `
		SELECT `+analysisCols+` FROM denial_analyses
		WHERE claim_id = $1 ORDER BY created_at DESC LIMIT 1`, claimID))
}

func (r *denialRepoPG) ListAnalyses(ctx context.Context, claimID uuid.UUID) ([]*Analysis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+analysisCols+` FROM denial_analyses
		WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *denialRepoPG) SaveAppeal(ctx context.Context, ap *Appeal) error {
	if ap.ID == uuid.Nil {
		ap.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appeals (id, claim_id, analysis_id, denial_reasons, grounds, supporting_documents,
			requested_amount, probability, status, reference, error_message, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ap.ID, ap.ClaimID, ap.AnalysisID, nonNil(ap.DenialReasons), nonNil(ap.Grounds), nonNil(ap.SupportingDocuments),
		ap.RequestedAmount, ap.Probability, ap.Status, ap.Reference, ap.Error, ap.SubmittedAt)
	return err
}

func (r *denialRepoPG) UpdateAppeal(ctx context.Context, ap *Appeal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appeals SET status = $2, reference = $3, error_message = $4 WHERE id = $1`,
		ap.ID, ap.Status, ap.Reference, ap.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *denialRepoPG) ListAppeals(ctx context.Context, claimID uuid.UUID) ([]*Appeal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, analysis_id, denial_reasons, grounds, supporting_documents,
			requested_amount, probability, status, reference, error_message, submitted_at
		FROM appeals WHERE claim_id = $1 ORDER BY submitted_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appeal
	for rows.Next() {
		var ap Appeal
		if err := rows.Scan(&ap.ID, &ap.ClaimID, &ap.AnalysisID, &ap.DenialReasons, &ap.Grounds, &ap.SupportingDocuments,
			&ap.RequestedAmount, &ap.Probability, &ap.Status, &ap.Reference, &ap.Error, &ap.SubmittedAt); err != nil {
			return nil, err
		}
		out = append(out, &ap)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
