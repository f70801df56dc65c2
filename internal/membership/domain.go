// internal/membership/domain.go
package membership

import (
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ApplicationStatus is the state of a membership application.
type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Application represents a prospective member awaiting a decision.
type Application struct {
	ID              uuid.UUID         `json:"id"`
	Name            string            `json:"name"`
	Email           string            `json:"email"`
	Phone           string            `json:"phone,omitempty"`
	Document        string            `json:"document,omitempty"`
	Address         string            `json:"address,omitempty"`
	MonthlyIncome   decimal.Decimal   `json:"monthly_income"`
	PlanID          *uuid.UUID        `json:"plan_id,omitempty"`
	Status          ApplicationStatus `json:"status"`
	Notes           string            `json:"notes,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	DecidedBy       string            `json:"decided_by,omitempty"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty"`
	MemberID        *uuid.UUID        `json:"member_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Decision records the terminal outcome of an application.
type Decision struct {
	Status   ApplicationStatus
	By       string
	At       time.Time
	Reason   string
	MemberID *uuid.UUID
}

// Credential represents a member's portal login credentials.
type Credential struct {
	MemberID     uuid.UUID `json:"member_id"`
	PasswordHash string    `json:"-"`
	Salt         string    `json:"-"`
	MustChange   bool      `json:"must_change"`
}

// ProvisionResult is everything produced by approving an application.
type ProvisionResult struct {
	Member          billing.Member   `json:"member"`
	TemporarySecret string           `json:"temporary_secret,omitempty"`
	InitialPayment  *billing.Payment `json:"initial_payment,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	AlreadyApproved bool             `json:"already_approved,omitempty"`
}

// Event types journaled on the member stream.
const (
	EventMemberProvisioned    = "MemberProvisioned"
	EventApplicationRejected  = "ApplicationRejected"
	EventMemberStatusChanged  = "MemberStatusChanged"
	EventCredentialChanged    = "CredentialChanged"
	NotificationWelcome       = "member.welcome"
	NotificationRejected      = "application.rejected"
	NotificationStatusChanged = "member.status_changed"
)

// MemberProvisionedEvent is journaled when an application becomes a member.
type MemberProvisionedEvent struct {
	MemberID         uuid.UUID  `json:"member_id"`
	ApplicationID    uuid.UUID  `json:"application_id"`
	MembershipNumber string     `json:"membership_number"`
	PlanID           *uuid.UUID `json:"plan_id,omitempty"`
	InitialPaymentID *uuid.UUID `json:"initial_payment_id,omitempty"`
	ApprovedBy       string     `json:"approved_by"`
}

// ApplicationRejectedEvent is journaled when an application is rejected.
type ApplicationRejectedEvent struct {
	ApplicationID uuid.UUID `json:"application_id"`
	Reason        string    `json:"reason"`
	RejectedBy    string    `json:"rejected_by"`
}

// MemberStatusChangedEvent is journaled when an administrator changes a
// member's status.
type MemberStatusChangedEvent struct {
	MemberID  uuid.UUID            `json:"member_id"`
	OldStatus billing.MemberStatus `json:"old_status"`
	NewStatus billing.MemberStatus `json:"new_status"`
	ChangedBy string               `json:"changed_by"`
}
