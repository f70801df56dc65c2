// internal/plans/domain.go
package plans

import (
	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Terms are the editable fields of a plan.
type Terms struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	EnrollmentFee decimal.Decimal `json:"enrollment_fee"`
	DueDay        int             `json:"due_day"`
}

func (t Terms) apply(p *billing.Plan) {
	p.Name = t.Name
	p.Description = t.Description
	p.MonthlyAmount = t.MonthlyAmount
	p.EnrollmentFee = t.EnrollmentFee
	p.DueDay = t.DueDay
}

const (
	EventPlanAdded   = "PlanAdded"
	EventPlanUpdated = "PlanUpdated"
	EventPlanRetired = "PlanRetired"
)

// PlanAddedEvent is journaled when a plan is created.
type PlanAddedEvent struct {
	ID    uuid.UUID `json:"id"`
	Terms Terms     `json:"terms"`
}

// PlanUpdatedEvent is journaled when a plan's terms change. Existing
// obligations keep the amounts they were created with.
type PlanUpdatedEvent struct {
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version"`
	Terms   Terms     `json:"terms"`
}

// PlanRetiredEvent is journaled when a plan stops accepting new members.
type PlanRetiredEvent struct {
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version"`
}
