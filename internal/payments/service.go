// internal/payments/service.go
package payments

import (
	"context"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service runs the billing engine against stored ledgers.
type Service interface {
	NextObligation(ctx context.Context, memberID uuid.UUID) (ObligationView, error)
	PayObligation(ctx context.Context, actor billing.Actor, memberID uuid.UUID, meta billing.PaymentMeta) (billing.Payment, error)
	AllocateAnticipated(ctx context.Context, actor billing.Actor, memberID uuid.UUID, periods []billing.Period, meta billing.PaymentMeta) (billing.Allocation, error)
	AllocateProjectPayment(ctx context.Context, actor billing.Actor, memberID uuid.UUID, project billing.Project, amount decimal.Decimal, kind billing.ProjectPaymentKind, meta billing.PaymentMeta) (billing.Payment, error)
	ConfirmPayment(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.Payment, error)
	CancelPayment(ctx context.Context, actor billing.Actor, id uuid.UUID, reason string) (billing.Payment, error)
	ListPayments(ctx context.Context, memberID uuid.UUID, filter billing.PaymentFilter) ([]PaymentView, error)
	ListOverdue(ctx context.Context) ([]PaymentView, error)
	Stats(ctx context.Context, since *time.Time) (billing.Stats, error)
	SendOverdueReminders(ctx context.Context) (ReminderReport, error)
}

// Repository is the ledger storage. Calls made with the context handed to
// WithinTx's callback join its transaction.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	billing.Ledger
	ListOverdue(ctx context.Context, today time.Time) ([]billing.Payment, error)
	ListAllPayments(ctx context.Context, since *time.Time) ([]billing.Payment, error)
}

// MemberUpdater records the enrollment fee as paid.
type MemberUpdater interface {
	UpdateMember(ctx context.Context, id uuid.UUID, patch billing.MemberPatch) (billing.Member, error)
}

// Journal appends domain events to an aggregate's stream.
type Journal interface {
	Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, data any) error
}

// Dependencies are the collaborators of the payments service.
type Dependencies struct {
	Repository    Repository
	Members       billing.MemberReader
	MemberUpdates MemberUpdater
	Plans         billing.PlanReader
	Journal       Journal
	Notifier      billing.Notifier
	Clock         func() time.Time
}
