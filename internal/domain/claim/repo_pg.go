package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, patient_id, provider_id, payer_id, claim_number, service_date, total_amount,
	procedure_code, modifiers, diagnosis_codes, documentation,
	status, automation_status, last_step, next_step,
	payer_claim_id, authorization_number, denial_codes, denial_reason, denial_disposition,
	attempts, cycle, next_attempt_at, version, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.PatientID, &c.ProviderID, &c.PayerID, &c.ClaimNumber, &c.ServiceDate, &c.TotalAmount,
		&c.ProcedureCode, &c.Modifiers, &c.DiagnosisCodes, &c.Documentation,
		&c.Status, &c.AutomationStatus, &c.LastStep, &c.NextStep,
		&c.PayerClaimID, &c.AuthorizationNumber, &c.DenialCodes, &c.DenialReason, &c.DenialDisposition,
		&c.Attempts, &c.Cycle, &c.NextAttemptAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Version = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claims (id, patient_id, provider_id, payer_id, claim_number, service_date, total_amount,
			procedure_code, modifiers, diagnosis_codes, documentation,
			status, automation_status, last_step, next_step,
			payer_claim_id, authorization_number, denial_codes, denial_reason, denial_disposition,
			attempts, cycle, next_attempt_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.ProviderID, c.PayerID, c.ClaimNumber, c.ServiceDate, c.TotalAmount,
		c.ProcedureCode, nonNil(c.Modifiers), nonNil(c.DiagnosisCodes), nonNil(c.Documentation),
		c.Status, c.AutomationStatus, c.LastStep, c.NextStep,
		c.PayerClaimID, c.AuthorizationNumber, nonNil(c.DenialCodes), c.DenialReason, c.DenialDisposition,
		c.Attempts, c.Cycle, c.NextAttemptAt, c.Version,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	steps, err := r.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Steps = steps
	return c, nil
}

func (r *claimRepoPG) List(ctx context.Context, f Filter) ([]*Claim, int, error) {
	where, args := buildWhere(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claims`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + claimCols + ` FROM claims` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.NextStep != "" {
		add("next_step = $%d", f.NextStep)
	}
	if f.DenialDisposition != nil {
		add("denial_disposition = $%d", *f.DenialDisposition)
	}
	if f.AutomationStatus != "" {
		if f.StaleBefore != nil {
			args = append(args, f.AutomationStatus, *f.StaleBefore)
			conds = append(conds, fmt.Sprintf("(automation_status = $%d OR (automation_status = 'processing' AND updated_at < $%d))", len(args)-1, len(args)))
		} else {
			add("automation_status = $%d", f.AutomationStatus)
		}
	}
	if f.DueBy != nil {
		add("(next_attempt_at IS NULL OR next_attempt_at <= $%d)", *f.DueBy)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *claimRepoPG) Commit(ctx context.Context, c *Claim, expectedVersion int, steps ...*AutomationStep) error {
	prevVersion, prevUpdated := c.Version, c.UpdatedAt
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			UPDATE claims SET procedure_code=$3, modifiers=$4, diagnosis_codes=$5, documentation=$6,
				status=$7, automation_status=$8, last_step=$9, next_step=$10,
				payer_claim_id=$11, authorization_number=$12, denial_codes=$13, denial_reason=$14,
				denial_disposition=$15, attempts=$16, cycle=$17, next_attempt_at=$18,
				version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at`,
			c.ID, expectedVersion, c.ProcedureCode, nonNil(c.Modifiers), nonNil(c.DiagnosisCodes), nonNil(c.Documentation),
			c.Status, c.AutomationStatus, c.LastStep, c.NextStep,
			c.PayerClaimID, c.AuthorizationNumber, nonNil(c.DenialCodes), c.DenialReason,
			c.DenialDisposition, c.Attempts, c.Cycle, c.NextAttemptAt,
		).Scan(&c.Version, &c.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM claims WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		if err != nil {
			return err
		}

		for _, s := range steps {
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO automation_steps (id, claim_id, cycle, step, status, timestamp, details, error_message)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
				s.ID, c.ID, s.Cycle, s.Step, s.Status, s.Timestamp, s.Details, s.Error); err != nil {
				return fmt.Errorf("insert automation step: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		c.Version, c.UpdatedAt = prevVersion, prevUpdated
	}
	return err
}

func (r *claimRepoPG) ListSteps(ctx context.Context, claimID uuid.UUID) ([]*AutomationStep, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, claim_id, cycle, step, status, timestamp, details, error_message
		FROM automation_steps WHERE claim_id = $1 ORDER BY seq`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []*AutomationStep
	for rows.Next() {
		var s AutomationStep
		if err := rows.Scan(&s.ID, &s.ClaimID, &s.Cycle, &s.Step, &s.Status, &s.Timestamp, &s.Details, &s.Error); err != nil {
			return nil, err
		}
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
