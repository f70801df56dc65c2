package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RejectedPeriod explains why a selected period was not allocated.
type RejectedPeriod struct {
	Period Period `json:"period"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Allocation is the outcome of a bulk anticipated payment request.
type Allocation struct {
	Payments []Payment        `json:"payments"`
	Rejected []RejectedPeriod `json:"rejected,omitempty"`
	Total    decimal.Decimal  `json:"total"`
}

// AllocateAnticipated expands the selected periods into pending monthly dues
// sharing the same payment metadata. Periods already holding a non-cancelled
// payment, or selected twice, are rejected individually. An error is
// returned when nothing could be allocated.
func AllocateAnticipated(member Member, plan *Plan, ledger []Payment, periods []Period, meta PaymentMeta, now time.Time) (Allocation, error) {
	var out Allocation
	out.Total = decimal.Zero
	if plan == nil {
		return out, fmt.Errorf("member %s has no plan: %w", member.ID, ErrNotFound)
	}
	if member.Status != MemberActive {
		return out, fmt.Errorf("member %s is %s: %w", member.ID, member.Status, ErrInvalidState)
	}
	if len(periods) == 0 {
		return out, fmt.Errorf("no periods selected: %w", ErrInvalidState)
	}

	selected := append([]Period(nil), periods...)
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].Before(selected[j]) })

	enrolled := PeriodOf(member.EnrolledAt)
	seen := make(map[Period]bool, len(selected))
	working := append([]Payment(nil), ledger...)
	for _, period := range selected {
		if seen[period] {
			out.Rejected = append(out.Rejected, reject(period, fmt.Errorf("period %s selected twice: %w", period, ErrConflict)))
			continue
		}
		seen[period] = true

		if period.Before(enrolled) {
			out.Rejected = append(out.Rejected, reject(period, fmt.Errorf("period %s precedes enrollment: %w", period, ErrInvalidState)))
			continue
		}

		p := period
		payment := Payment{
			ID:        uuid.New(),
			MemberID:  member.ID,
			Type:      TypeMonthlyDue,
			Status:    StatusPending,
			Amount:    plan.MonthlyAmount,
			DueDate:   period.DueDate(plan.DueDay),
			Period:    &p,
			CreatedAt: now,
			UpdatedAt: now,
		}
		meta.apply(&payment)
		if err := CheckDuplicate(working, payment); err != nil {
			out.Rejected = append(out.Rejected, reject(period, err))
			continue
		}
		working = append(working, payment)
		out.Payments = append(out.Payments, payment)
		out.Total = out.Total.Add(payment.Amount)
	}

	if len(out.Payments) == 0 {
		return out, fmt.Errorf("none of the selected periods can be allocated: %w", out.Rejected[0].Err)
	}
	return out, nil
}

func reject(period Period, err error) RejectedPeriod {
	return RejectedPeriod{Period: period, Reason: err.Error(), Err: err}
}

// ProjectPaymentKind is the installment kind of a project payment.
type ProjectPaymentKind string

const (
	ProjectDownPayment ProjectPaymentKind = "entrada"
	ProjectPartial     ProjectPaymentKind = "parcial"
	ProjectFull        ProjectPaymentKind = "total"
)

func (k ProjectPaymentKind) Valid() bool {
	switch k {
	case ProjectDownPayment, ProjectPartial, ProjectFull:
		return true
	}
	return false
}

// Project is a housing project members contribute installments to.
type Project struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// AllocateProjectPayment builds a single pending project payment. Projects
// accept any number of installments, so no slot check applies.
func AllocateProjectPayment(member Member, project Project, amount decimal.Decimal, kind ProjectPaymentKind, meta PaymentMeta, now time.Time) (Payment, error) {
	if member.Status != MemberActive {
		return Payment{}, fmt.Errorf("member %s is %s: %w", member.ID, member.Status, ErrInvalidState)
	}
	if !amount.IsPositive() {
		return Payment{}, fmt.Errorf("project payment amount must be positive: %w", ErrInvalidState)
	}
	if !kind.Valid() {
		return Payment{}, fmt.Errorf("unknown project payment kind %q: %w", kind, ErrInvalidState)
	}

	projectID := project.ID
	name := strings.TrimSpace(project.Name)
	if name == "" {
		name = project.ID.String()
	}
	payment := Payment{
		ID:        uuid.New(),
		MemberID:  member.ID,
		Type:      TypeProjectPayment,
		Status:    StatusPending,
		Amount:    amount,
		DueDate:   DateOf(now),
		ProjectID: &projectID,
		Notes:     fmt.Sprintf("project %s: %s", name, kind),
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta.apply(&payment)
	return payment, nil
}
