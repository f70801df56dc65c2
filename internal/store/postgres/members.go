package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

const memberColumns = `id, membership_number, application_id, name, email, phone, document, address,
	monthly_income, status, plan_id, enrolled_at, enrollment_fee_paid, created_at, updated_at`

func scanMember(row rowScanner) (billing.Member, error) {
	var (
		m      billing.Member
		planID uuid.NullUUID
	)
	err := row.Scan(
		&m.ID,
		&m.MembershipNumber,
		&m.ApplicationID,
		&m.Name,
		&m.Email,
		&m.Phone,
		&m.Document,
		&m.Address,
		&m.MonthlyIncome,
		&m.Status,
		&planID,
		&m.EnrolledAt,
		&m.EnrollmentFeePaid,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return billing.Member{}, err
	}
	if planID.Valid {
		id := planID.UUID
		m.PlanID = &id
	}
	return m, nil
}

// CreateMember inserts a member. Duplicate emails (case-insensitive) and
// membership numbers fail with billing.ErrConflict.
func (s *Store) CreateMember(ctx context.Context, m billing.Member) (billing.Member, error) {
	query := `
		INSERT INTO members (` + memberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + memberColumns

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt

	created, err := scanMember(s.conn(ctx).QueryRowContext(ctx, query,
		m.ID,
		m.MembershipNumber,
		m.ApplicationID,
		m.Name,
		strings.ToLower(m.Email),
		m.Phone,
		m.Document,
		m.Address,
		m.MonthlyIncome,
		m.Status,
		uuidArg(m.PlanID),
		m.EnrolledAt,
		m.EnrollmentFeePaid,
		m.CreatedAt,
		m.UpdatedAt,
	))
	if err != nil {
		return billing.Member{}, fmt.Errorf("insert member %s: %w", m.MembershipNumber, classify(err))
	}
	return created, nil
}

// GetMember loads a member by id.
func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (billing.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE id = $1`
	m, err := scanMember(s.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return billing.Member{}, fmt.Errorf("member %s: %w", id, classify(err))
	}
	return m, nil
}

// GetMemberByEmail matches email case-insensitively.
func (s *Store) GetMemberByEmail(ctx context.Context, email string) (billing.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE LOWER(email) = LOWER($1)`
	m, err := scanMember(s.conn(ctx).QueryRowContext(ctx, query, email))
	if err != nil {
		return billing.Member{}, fmt.Errorf("member with email %s: %w", email, classify(err))
	}
	return m, nil
}

// GetMemberByApplication finds the member provisioned from an application.
func (s *Store) GetMemberByApplication(ctx context.Context, applicationID uuid.UUID) (billing.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE application_id = $1`
	m, err := scanMember(s.conn(ctx).QueryRowContext(ctx, query, applicationID))
	if err != nil {
		return billing.Member{}, fmt.Errorf("member for application %s: %w", applicationID, classify(err))
	}
	return m, nil
}

// UpdateMember applies patch. Members are never deleted.
func (s *Store) UpdateMember(ctx context.Context, id uuid.UUID, patch billing.MemberPatch) (billing.Member, error) {
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
	}
	if patch.EnrollmentFeePaid != nil {
		add("enrollment_fee_paid", *patch.EnrollmentFeePaid)
	}
	if patch.PlanID != nil {
		add("plan_id", *patch.PlanID)
	}
	if len(sets) == 0 {
		return s.GetMember(ctx, id)
	}
	add("updated_at", time.Now().UTC())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE members SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), memberColumns)

	m, err := scanMember(s.conn(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return billing.Member{}, fmt.Errorf("update member %s: %w", id, classify(err))
	}
	return m, nil
}
