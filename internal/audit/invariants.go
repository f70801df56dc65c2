package audit

import (
	"context"
	"database/sql"
)

// RegisterLedgerInvariants registers the checks every consistent ledger
// passes. maxOverduePercent bounds the share of pending payments that are
// overdue; crossing it is a warning, not a corruption.
func (a *Auditor) RegisterLedgerInvariants(maxOverduePercent float64) {
	zero := Threshold{Operator: "==", Value: 0}
	for _, m := range []Metric{
		{
			Name:        "duplicate_monthly_periods",
			Description: "A member has more than one live monthly due for a period",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM (
					SELECT member_id, period_ref FROM payments
					WHERE type = 'monthly_due' AND status <> 'cancelled'
					GROUP BY member_id, period_ref
					HAVING COUNT(*) > 1
				) dup`),
			Threshold: zero,
		},
		{
			Name:        "duplicate_enrollment_fees",
			Description: "A member has more than one live enrollment fee",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM (
					SELECT member_id FROM payments
					WHERE type = 'enrollment_fee' AND status <> 'cancelled'
					GROUP BY member_id
					HAVING COUNT(*) > 1
				) dup`),
			Threshold: zero,
		},
		{
			Name:        "paid_at_mismatch",
			Description: "A payment has a payment date without being confirmed, or the reverse",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM payments
				WHERE (status = 'confirmed') <> (paid_at IS NOT NULL)`),
			Threshold: zero,
		},
		{
			Name:        "approved_without_member",
			Description: "An approved application has no member",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM applications a
				WHERE a.status = 'approved'
				AND NOT EXISTS (SELECT 1 FROM members m WHERE m.application_id = a.id)`),
			Threshold: zero,
		},
		{
			Name:        "members_without_credential",
			Description: "A member cannot log in because no credential was stored",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM members m
				WHERE NOT EXISTS (SELECT 1 FROM credentials c WHERE c.member_id = m.id)`),
			Threshold: zero,
		},
		{
			Name:        "enrollment_flag_drift",
			Description: "A member's enrollment fee flag disagrees with the confirmed fee in the ledger",
			Severity:    SeverityCritical,
			Query: a.count(`
				SELECT COUNT(*) FROM members m
				WHERE m.enrollment_fee_paid <> EXISTS (
					SELECT 1 FROM payments p
					WHERE p.member_id = m.id AND p.type = 'enrollment_fee' AND p.status = 'confirmed'
				)`),
			Threshold: zero,
		},
		{
			Name:        "overdue_percent",
			Description: "Share of pending payments past their due date",
			Severity:    SeverityWarning,
			Query: a.count(`
				SELECT COALESCE(
					COUNT(*) FILTER (WHERE due_date < CURRENT_DATE)::float / NULLIF(COUNT(*)::float, 0) * 100,
					0.0
				) FROM payments WHERE status = 'pending'`),
			Threshold: Threshold{Operator: "<=", Value: maxOverduePercent},
		},
	} {
		a.Register(m)
	}
}

func (a *Auditor) count(query string) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var value sql.NullFloat64
		if err := a.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
			return 0, err
		}
		return value.Float64, nil
	}
}
