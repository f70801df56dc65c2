// internal/plans/service.go
package plans

import (
	"context"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

// Service defines the interface for the plan catalog.
type Service interface {
	billing.PlanReader
	AddPlan(ctx context.Context, terms Terms) (billing.Plan, error)
	ListPlans(ctx context.Context, status billing.PlanStatus) ([]billing.Plan, error)
	UpdatePlan(ctx context.Context, id uuid.UUID, terms Terms, expectedVersion int) (billing.Plan, error)
	RetirePlan(ctx context.Context, id uuid.UUID, expectedVersion int) (billing.Plan, error)
}

// Repository persists plans. UpdatePlan fails with billing.ErrConflict when
// the stored version differs from expectedVersion.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreatePlan(ctx context.Context, p billing.Plan) (billing.Plan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error)
	ListPlans(ctx context.Context, status billing.PlanStatus) ([]billing.Plan, error)
	UpdatePlan(ctx context.Context, p billing.Plan, expectedVersion int) (billing.Plan, error)
}

// Journal appends domain events to an aggregate's stream.
type Journal interface {
	Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, data any) error
}
