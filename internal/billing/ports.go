package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PaymentFilter narrows a ledger query. Zero fields match everything.
type PaymentFilter struct {
	Type     PaymentType
	Statuses []PaymentStatus
	Period   *Period
}

// Match applies the filter to a single payment.
func (f PaymentFilter) Match(p Payment) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Period != nil && !samePeriod(p.Period, f.Period) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// PaymentPatch lists the mutable fields of a payment. Nil fields are left
// untouched.
type PaymentPatch struct {
	Status    *PaymentStatus
	PaidAt    *time.Time
	Method    *string
	Reference *string
	ProofURL  *string
	Notes     *string
}

// MemberPatch lists the mutable fields of a member.
type MemberPatch struct {
	Status            *MemberStatus
	EnrollmentFeePaid *bool
	PlanID            *uuid.UUID
}

// LedgerReader lists a member's payments.
type LedgerReader interface {
	ListPayments(ctx context.Context, memberID uuid.UUID, filter PaymentFilter) ([]Payment, error)
}

// LedgerWriter persists payments. CreatePayment fails with ErrConflict when
// the slot of a deduplicated type is already taken.
type LedgerWriter interface {
	CreatePayment(ctx context.Context, p Payment) (Payment, error)
	UpdatePayment(ctx context.Context, id uuid.UUID, patch PaymentPatch) (Payment, error)
}

// Ledger is the payment ledger accessor.
type Ledger interface {
	LedgerReader
	LedgerWriter
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
}

// PlanReader resolves subscription plans.
type PlanReader interface {
	GetPlan(ctx context.Context, id uuid.UUID) (Plan, error)
}

// MemberReader resolves members.
type MemberReader interface {
	GetMember(ctx context.Context, id uuid.UUID) (Member, error)
}

// MemberWriter persists members.
type MemberWriter interface {
	CreateMember(ctx context.Context, m Member) (Member, error)
	UpdateMember(ctx context.Context, id uuid.UUID, patch MemberPatch) (Member, error)
}

// Actor identifies who performs an operation. It is always passed
// explicitly, never read from ambient session state.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Recipient addresses a notification.
type Recipient struct {
	MemberID uuid.UUID `json:"member_id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
}

// Notifier dispatches named events. Delivery is fire-and-forget: the result
// only tells whether the event was accepted for delivery.
type Notifier interface {
	SendEvent(ctx context.Context, event string, recipient Recipient, data map[string]any) bool
}
