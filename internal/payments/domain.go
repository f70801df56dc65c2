// internal/payments/domain.go
package payments

import (
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentView is a stored payment with its derived overdue flag.
type PaymentView struct {
	billing.Payment
	Overdue bool `json:"overdue"`
}

// ObligationView is the answer to "what does this member owe now".
type ObligationView struct {
	MemberID   uuid.UUID           `json:"member_id"`
	Obligation *billing.Obligation `json:"obligation"`
	AsOf       time.Time           `json:"as_of"`
}

// ReminderReport summarizes one overdue reminder run.
type ReminderReport struct {
	BatchID    uuid.UUID       `json:"batch_id"`
	Members    int             `json:"members"`
	Payments   int             `json:"payments"`
	Amount     decimal.Decimal `json:"amount"`
	Dispatched int             `json:"dispatched"`
	Skipped    int             `json:"skipped"`
}

const (
	EventPaymentRecorded  = "PaymentRecorded"
	EventPaymentConfirmed = "PaymentConfirmed"
	EventPaymentCancelled = "PaymentCancelled"

	NotificationConfirmed = "payment.confirmed"
	NotificationCancelled = "payment.cancelled"
	NotificationOverdue   = "payment.overdue"
)

// PaymentRecordedEvent is journaled for every payment written to the ledger.
type PaymentRecordedEvent struct {
	PaymentID  uuid.UUID           `json:"payment_id"`
	Type       billing.PaymentType `json:"type"`
	Amount     decimal.Decimal     `json:"amount"`
	Period     *billing.Period     `json:"period,omitempty"`
	Source     string              `json:"source"`
	RecordedBy string              `json:"recorded_by"`
}

// PaymentStatusEvent is journaled when an administrator confirms or cancels
// a payment.
type PaymentStatusEvent struct {
	PaymentID uuid.UUID             `json:"payment_id"`
	Status    billing.PaymentStatus `json:"status"`
	Reason    string                `json:"reason,omitempty"`
	By        string                `json:"by"`
}
