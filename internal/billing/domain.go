package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemberStatus is the administrative status of a cooperative member.
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberInactive  MemberStatus = "inactive"
	MemberSuspended MemberStatus = "suspended"
)

func (s MemberStatus) Valid() bool {
	switch s {
	case MemberActive, MemberInactive, MemberSuspended:
		return true
	}
	return false
}

// Member is an approved participant of the cooperative.
type Member struct {
	ID                uuid.UUID       `json:"id"`
	MembershipNumber  string          `json:"membership_number"`
	ApplicationID     uuid.UUID       `json:"application_id"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	Phone             string          `json:"phone,omitempty"`
	Document          string          `json:"document,omitempty"`
	Address           string          `json:"address,omitempty"`
	MonthlyIncome     decimal.Decimal `json:"monthly_income"`
	Status            MemberStatus    `json:"status"`
	PlanID            *uuid.UUID      `json:"plan_id,omitempty"`
	EnrolledAt        time.Time       `json:"enrolled_at"`
	EnrollmentFeePaid bool            `json:"enrollment_fee_paid"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PlanStatus tracks whether a plan can be assigned to new members.
type PlanStatus string

const (
	PlanActive  PlanStatus = "active"
	PlanRetired PlanStatus = "retired"
)

// Plan holds the recurring billing terms of a subscription.
type Plan struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	EnrollmentFee decimal.Decimal `json:"enrollment_fee"`
	DueDay        int             `json:"due_day"`
	Status        PlanStatus      `json:"status"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks the plan's billing terms.
func (p Plan) Validate() error {
	if !p.MonthlyAmount.IsPositive() {
		return fmt.Errorf("monthly amount must be positive: %w", ErrInvalidState)
	}
	if p.EnrollmentFee.IsNegative() {
		return fmt.Errorf("enrollment fee must not be negative: %w", ErrInvalidState)
	}
	if p.DueDay < 1 || p.DueDay > 31 {
		return fmt.Errorf("due day %d outside 1-31: %w", p.DueDay, ErrInvalidState)
	}
	return nil
}

// PaymentType categorizes a ledger entry.
type PaymentType string

const (
	TypeEnrollmentFee  PaymentType = "enrollment_fee"
	TypeMonthlyDue     PaymentType = "monthly_due"
	TypeProjectPayment PaymentType = "project_payment"
	TypeOther          PaymentType = "other"
)

// PaymentTypes lists every category in reporting order.
var PaymentTypes = []PaymentType{TypeMonthlyDue, TypeEnrollmentFee, TypeProjectPayment, TypeOther}

func (t PaymentType) Valid() bool {
	switch t {
	case TypeEnrollmentFee, TypeMonthlyDue, TypeProjectPayment, TypeOther:
		return true
	}
	return false
}

// Deduplicated reports whether at most one non-cancelled payment of this type
// may exist per member (and per period, for monthly dues).
func (t PaymentType) Deduplicated() bool {
	return t == TypeEnrollmentFee || t == TypeMonthlyDue
}

// PaymentStatus is the stored lifecycle state of a payment.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// Payment is one entry of a member's ledger.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	MemberID  uuid.UUID       `json:"member_id"`
	Type      PaymentType     `json:"type"`
	Status    PaymentStatus   `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date"`
	Period    *Period         `json:"period,omitempty"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
	Method    string          `json:"method,omitempty"`
	Reference string          `json:"reference,omitempty"`
	ProofURL  string          `json:"proof_url,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	ProjectID *uuid.UUID      `json:"project_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PaymentMeta is the payer-supplied metadata shared by the payments of one
// submission.
type PaymentMeta struct {
	Method    string `json:"method"`
	Reference string `json:"reference"`
	ProofURL  string `json:"proof_url"`
	Notes     string `json:"notes"`
}

func (m PaymentMeta) apply(p *Payment) {
	p.Method = m.Method
	p.Reference = m.Reference
	p.ProofURL = m.ProofURL
	if m.Notes != "" {
		if p.Notes != "" {
			p.Notes += "; "
		}
		p.Notes += m.Notes
	}
}

// Obligation is a computed amount currently owed, backed by a stored payment
// or synthesized from the plan.
type Obligation struct {
	Type      PaymentType     `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date"`
	Period    *Period         `json:"period,omitempty"`
	Overdue   bool            `json:"overdue"`
	Urgent    bool            `json:"urgent"`
	PaymentID *uuid.UUID      `json:"payment_id,omitempty"`
}

// Synthesized reports whether no stored payment backs the obligation yet.
func (o Obligation) Synthesized() bool {
	return o.PaymentID == nil
}

// ToPayment materializes a synthesized obligation as a pending payment.
func (o Obligation) ToPayment(memberID uuid.UUID, meta PaymentMeta, now time.Time) Payment {
	p := Payment{
		ID:        uuid.New(),
		MemberID:  memberID,
		Type:      o.Type,
		Status:    StatusPending,
		Amount:    o.Amount,
		DueDate:   o.DueDate,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.Period != nil {
		period := *o.Period
		p.Period = &period
	}
	meta.apply(&p)
	return p
}
