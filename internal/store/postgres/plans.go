package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

const planColumns = `id, name, description, monthly_amount, enrollment_fee, due_day, status, version, created_at, updated_at`

func scanPlan(row rowScanner) (billing.Plan, error) {
	var p billing.Plan
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.MonthlyAmount,
		&p.EnrollmentFee,
		&p.DueDay,
		&p.Status,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// CreatePlan inserts a plan at version 1.
func (s *Store) CreatePlan(ctx context.Context, p billing.Plan) (billing.Plan, error) {
	query := `
		INSERT INTO plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $8)
		RETURNING ` + planColumns

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = billing.PlanActive
	}
	created, err := scanPlan(s.conn(ctx).QueryRowContext(ctx, query,
		p.ID, p.Name, p.Description, p.MonthlyAmount, p.EnrollmentFee, p.DueDay, p.Status, time.Now().UTC()))
	if err != nil {
		return billing.Plan{}, fmt.Errorf("insert plan %q: %w", p.Name, classify(err))
	}
	return created, nil
}

// GetPlan loads a plan by id.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	p, err := scanPlan(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return billing.Plan{}, fmt.Errorf("plan %s: %w", id, classify(err))
	}
	return p, nil
}

// ListPlans returns plans ordered by name, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, status billing.PlanStatus) ([]billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", classify(err))
	}
	defer rows.Close()

	var plans []billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", classify(err))
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", classify(err))
	}
	return plans, nil
}

// UpdatePlan overwrites the plan's terms when the stored version still equals
// expectedVersion, bumping the version. A stale version fails with
// billing.ErrConflict.
func (s *Store) UpdatePlan(ctx context.Context, p billing.Plan, expectedVersion int) (billing.Plan, error) {
	query := `
		UPDATE plans
		SET name = $1, description = $2, monthly_amount = $3, enrollment_fee = $4, due_day = $5,
		    status = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9
		RETURNING ` + planColumns

	updated, err := scanPlan(s.conn(ctx).QueryRowContext(ctx, query,
		p.Name, p.Description, p.MonthlyAmount, p.EnrollmentFee, p.DueDay, p.Status,
		time.Now().UTC(), p.ID, expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetPlan(ctx, p.ID); getErr != nil {
			return billing.Plan{}, getErr
		}
		return billing.Plan{}, fmt.Errorf("plan %s changed since version %d: %w", p.ID, expectedVersion, billing.ErrConflict)
	}
	if err != nil {
		return billing.Plan{}, fmt.Errorf("update plan %s: %w", p.ID, classify(err))
	}
	return updated, nil
}
