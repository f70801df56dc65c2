package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const paymentColumns = `id, member_id, type, status, amount, due_date, period_ref, paid_at,
	method, reference, proof_url, notes, project_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (billing.Payment, error) {
	var (
		p         billing.Payment
		period    sql.NullString
		paidAt    sql.NullTime
		projectID uuid.NullUUID
	)
	err := row.Scan(
		&p.ID,
		&p.MemberID,
		&p.Type,
		&p.Status,
		&p.Amount,
		&p.DueDate,
		&period,
		&paidAt,
		&p.Method,
		&p.Reference,
		&p.ProofURL,
		&p.Notes,
		&projectID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return billing.Payment{}, err
	}
	if period.Valid {
		parsed, err := billing.ParsePeriod(strings.TrimSpace(period.String))
		if err != nil {
			return billing.Payment{}, fmt.Errorf("payment %s: %w", p.ID, err)
		}
		p.Period = &parsed
	}
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	if projectID.Valid {
		id := projectID.UUID
		p.ProjectID = &id
	}
	p.DueDate = billing.DateOf(p.DueDate)
	return p, nil
}

func periodArg(p *billing.Period) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.String(), Valid: true}
}

func uuidArg(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func timeArg(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// CreatePayment inserts a payment. A second non-cancelled monthly due for the
// same period, or a second enrollment fee, fails with billing.ErrConflict.
func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) (billing.Payment, error) {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + paymentColumns

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	row := s.conn(ctx).QueryRowContext(ctx, query,
		p.ID,
		p.MemberID,
		p.Type,
		p.Status,
		p.Amount,
		p.DueDate,
		periodArg(p.Period),
		timeArg(p.PaidAt),
		p.Method,
		p.Reference,
		p.ProofURL,
		p.Notes,
		uuidArg(p.ProjectID),
		p.CreatedAt,
		p.UpdatedAt,
	)
	created, err := scanPayment(row)
	if err != nil {
		return billing.Payment{}, fmt.Errorf("insert payment for member %s: %w", p.MemberID, classify(err))
	}
	return created, nil
}

// GetPayment loads a single payment.
func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return billing.Payment{}, fmt.Errorf("payment %s: %w", id, classify(err))
	}
	return p, nil
}

// ListPayments returns a member's payments in creation order.
func (s *Store) ListPayments(ctx context.Context, memberID uuid.UUID, filter billing.PaymentFilter) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE member_id = $1`
	args := []any{memberID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if filter.Period != nil {
		args = append(args, filter.Period.String())
		query += fmt.Sprintf(" AND period_ref = $%d", len(args))
	}
	query += " ORDER BY created_at ASC, id ASC"

	return s.queryPayments(ctx, query, args...)
}

// ListOverdue returns pending payments due strictly before today, oldest
// first, across all members.
func (s *Store) ListOverdue(ctx context.Context, today time.Time) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND due_date < $1
		ORDER BY member_id, due_date ASC`
	return s.queryPayments(ctx, query, billing.DateOf(today))
}

// ListAllPayments returns every payment, optionally restricted to those
// created at or after since.
func (s *Store) ListAllPayments(ctx context.Context, since *time.Time) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`
	var args []any
	if since != nil {
		query += ` WHERE created_at >= $1`
		args = append(args, *since)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryPayments(ctx, query, args...)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]billing.Payment, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", classify(err))
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", classify(err))
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", classify(err))
	}
	return payments, nil
}

// UpdatePayment applies patch. Period and type are never rewritten.
func (s *Store) UpdatePayment(ctx context.Context, id uuid.UUID, patch billing.PaymentPatch) (billing.Payment, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
		add("paid_at", timeArg(patch.PaidAt))
	} else if patch.PaidAt != nil {
		add("paid_at", *patch.PaidAt)
	}
	if patch.Method != nil {
		add("method", *patch.Method)
	}
	if patch.Reference != nil {
		add("reference", *patch.Reference)
	}
	if patch.ProofURL != nil {
		add("proof_url", *patch.ProofURL)
	}
	if patch.Notes != nil {
		add("notes", *patch.Notes)
	}
	if len(sets) == 0 {
		return s.GetPayment(ctx, id)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE payments SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), paymentColumns)

	p, err := scanPayment(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return billing.Payment{}, fmt.Errorf("update payment %s: %w", id, classify(err))
	}
	return p, nil
}
