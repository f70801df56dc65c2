// Package postgres implements the ledger, member, application, credential and
// plan ports on PostgreSQL.
//
// A transaction opened by WithinTx travels in the context; every query issued
// with that context joins it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coopledger/internal/billing"
	"coopledger/internal/membership"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Constraint names that carry meaning beyond a generic conflict.
const (
	constraintMembershipNumber = "members_membership_number_key"
	constraintMemberEmail      = "members_email_lower_key"
	constraintMonthlyPeriod    = "payments_monthly_period_key"
	constraintEnrollmentFee    = "payments_enrollment_fee_key"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Store is the PostgreSQL adapter.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

func (s *Store) conn(ctx context.Context) Querier {
	return Conn(ctx, s.db)
}

// WithinTx runs fn inside a serializable transaction. Nested calls join the
// outer transaction. The transaction commits only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Classify maps driver errors onto the billing error kinds.
func Classify(err error) error {
	return classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case constraintMembershipNumber:
			return membership.ErrMembershipNumberTaken
		case constraintMemberEmail:
			return fmt.Errorf("email already registered: %w", billing.ErrConflict)
		case constraintMonthlyPeriod, constraintEnrollmentFee:
			return fmt.Errorf("already billed: %w", billing.ErrConflict)
		}
		return fmt.Errorf("%s: %w", pqErr.Constraint, billing.ErrConflict)
	}
	return fmt.Errorf("%v: %w", err, billing.ErrUpstream)
}
