package billing

import (
	"fmt"
	"sort"
	"time"
)

// IsOverdue derives the overdue condition of a stored payment. It depends
// only on the payment's status and due date.
func IsOverdue(p Payment, today time.Time) bool {
	return p.Status == StatusPending && DateOf(p.DueDate).Before(DateOf(today))
}

// IsActive reports whether the payment still occupies its billing slot.
func IsActive(p Payment) bool {
	return p.Status == StatusPending || p.Status == StatusConfirmed
}

// FindActive returns the non-cancelled payment of the given type occupying
// the slot, or nil. The period is ignored for enrollment fees.
func FindActive(ledger []Payment, typ PaymentType, period *Period) *Payment {
	for i := range ledger {
		p := &ledger[i]
		if p.Type != typ || !IsActive(*p) {
			continue
		}
		if typ == TypeMonthlyDue && !samePeriod(p.Period, period) {
			continue
		}
		return p
	}
	return nil
}

func samePeriod(a, b *Period) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CheckDuplicate rejects a candidate payment whose slot is already taken by a
// non-cancelled payment. Types without a slot always pass.
func CheckDuplicate(ledger []Payment, candidate Payment) error {
	if !candidate.Type.Deduplicated() {
		return nil
	}
	if candidate.Type == TypeMonthlyDue && candidate.Period == nil {
		return fmt.Errorf("monthly due without period reference: %w", ErrInvalidState)
	}
	existing := FindActive(ledger, candidate.Type, candidate.Period)
	if existing == nil || existing.ID == candidate.ID {
		return nil
	}
	if candidate.Type == TypeMonthlyDue {
		return fmt.Errorf("period %s already billed by payment %s: %w", candidate.Period, existing.ID, ErrConflict)
	}
	return fmt.Errorf("enrollment fee already billed by payment %s: %w", existing.ID, ErrConflict)
}

// BilledPeriods indexes the non-cancelled monthly dues by period.
func BilledPeriods(ledger []Payment) map[Period]Payment {
	out := make(map[Period]Payment)
	for _, p := range ledger {
		if p.Type == TypeMonthlyDue && p.Period != nil && IsActive(p) {
			out[*p.Period] = p
		}
	}
	return out
}

// Overdue returns the overdue payments of the ledger ordered by due date.
func Overdue(ledger []Payment, today time.Time) []Payment {
	var out []Payment
	for _, p := range ledger {
		if IsOverdue(p, today) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DueDate.Before(out[j].DueDate)
	})
	return out
}

func hasConfirmed(ledger []Payment, typ PaymentType) bool {
	for _, p := range ledger {
		if p.Type == typ && p.Status == StatusConfirmed {
			return true
		}
	}
	return false
}

// oldestPending picks the earliest created pending payment of a type. Ledger
// order breaks ties between equal creation times.
func oldestPending(ledger []Payment, typ PaymentType) *Payment {
	var oldest *Payment
	for i := range ledger {
		p := &ledger[i]
		if p.Type != typ || p.Status != StatusPending {
			continue
		}
		if oldest == nil || p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	return oldest
}

// lastConfirmedMonthly returns the confirmed monthly due with the latest
// payment date; the later period wins a tie.
func lastConfirmedMonthly(ledger []Payment) *Payment {
	var last *Payment
	for i := range ledger {
		p := &ledger[i]
		if p.Type != TypeMonthlyDue || p.Status != StatusConfirmed || p.PaidAt == nil {
			continue
		}
		switch {
		case last == nil, p.PaidAt.After(*last.PaidAt):
			last = p
		case p.PaidAt.Equal(*last.PaidAt) && p.Period != nil &&
			(last.Period == nil || last.Period.Before(*p.Period)):
			last = p
		}
	}
	return last
}
