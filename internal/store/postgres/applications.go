package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/membership"

	"github.com/google/uuid"
)

const applicationColumns = `id, name, email, phone, document, address, monthly_income, plan_id, status,
	notes, rejection_reason, decided_by, decided_at, member_id, created_at, updated_at`

func scanApplication(row rowScanner) (membership.Application, error) {
	var (
		a         membership.Application
		planID    uuid.NullUUID
		memberID  uuid.NullUUID
		decidedAt sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Email,
		&a.Phone,
		&a.Document,
		&a.Address,
		&a.MonthlyIncome,
		&planID,
		&a.Status,
		&a.Notes,
		&a.RejectionReason,
		&a.DecidedBy,
		&decidedAt,
		&memberID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return membership.Application{}, err
	}
	if planID.Valid {
		id := planID.UUID
		a.PlanID = &id
	}
	if memberID.Valid {
		id := memberID.UUID
		a.MemberID = &id
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return a, nil
}

// CreateApplication stores a pending application.
func (s *Store) CreateApplication(ctx context.Context, a membership.Application) (membership.Application, error) {
	query := `
		INSERT INTO applications (id, name, email, phone, document, address, monthly_income, plan_id,
			status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING ` + applicationColumns

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	created, err := scanApplication(s.conn(ctx).QueryRowContext(ctx, query,
		a.ID,
		a.Name,
		strings.ToLower(a.Email),
		a.Phone,
		a.Document,
		a.Address,
		a.MonthlyIncome,
		uuidArg(a.PlanID),
		membership.ApplicationPending,
		a.Notes,
		a.CreatedAt,
	))
	if err != nil {
		return membership.Application{}, fmt.Errorf("insert application: %w", classify(err))
	}
	return created, nil
}

// GetApplication loads an application by id.
func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (membership.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	a, err := scanApplication(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return membership.Application{}, fmt.Errorf("application %s: %w", id, classify(err))
	}
	return a, nil
}

// ListApplications returns applications in submission order, optionally
// filtered by status.
func (s *Store) ListApplications(ctx context.Context, status membership.ApplicationStatus) ([]membership.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", classify(err))
	}
	defer rows.Close()

	var apps []membership.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", classify(err))
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", classify(err))
	}
	return apps, nil
}

// DecideApplication moves a pending application to its terminal status. An
// application that is no longer pending fails with billing.ErrInvalidState.
func (s *Store) DecideApplication(ctx context.Context, id uuid.UUID, d membership.Decision) (membership.Application, error) {
	query := `
		UPDATE applications
		SET status = $1, decided_by = $2, decided_at = $3, rejection_reason = $4, member_id = $5, updated_at = $3
		WHERE id = $6 AND status = 'pending'
		RETURNING ` + applicationColumns

	a, err := scanApplication(s.conn(ctx).QueryRowContext(ctx, query,
		d.Status, d.By, d.At, d.Reason, uuidArg(d.MemberID), id))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetApplication(ctx, id)
		if getErr != nil {
			return membership.Application{}, getErr
		}
		return membership.Application{}, fmt.Errorf("application %s is %s: %w", id, current.Status, billing.ErrInvalidState)
	}
	if err != nil {
		return membership.Application{}, fmt.Errorf("decide application %s: %w", id, classify(err))
	}
	return a, nil
}
