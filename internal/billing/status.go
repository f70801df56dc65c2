package billing

import (
	"fmt"
	"time"
)

// IsTerminal reports whether no transition leaves the status.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to PaymentStatus) bool {
	return from == StatusPending && (to == StatusConfirmed || to == StatusCancelled)
}

// Transition returns a copy of p moved to the target status. Confirmation
// stamps the payment date; cancellation leaves it unset.
func Transition(p Payment, to PaymentStatus, at time.Time) (Payment, error) {
	if !to.Valid() {
		return p, fmt.Errorf("unknown payment status %q: %w", to, ErrInvalidState)
	}
	if !CanTransition(p.Status, to) {
		return p, fmt.Errorf("payment %s cannot move from %s to %s: %w", p.ID, p.Status, to, ErrInvalidState)
	}
	p.Status = to
	p.UpdatedAt = at
	if to == StatusConfirmed {
		paidAt := at
		p.PaidAt = &paidAt
	} else {
		p.PaidAt = nil
	}
	return p, nil
}

// Confirm moves a pending payment to confirmed.
func Confirm(p Payment, at time.Time) (Payment, error) {
	return Transition(p, StatusConfirmed, at)
}

// Cancel moves a pending payment to cancelled, appending the reason to the
// notes when one is given.
func Cancel(p Payment, reason string, at time.Time) (Payment, error) {
	out, err := Transition(p, StatusCancelled, at)
	if err != nil {
		return out, err
	}
	if reason != "" {
		if out.Notes != "" {
			out.Notes += "; "
		}
		out.Notes += "cancelled: " + reason
	}
	return out, nil
}
