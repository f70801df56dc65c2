package billing

import "github.com/shopspring/decimal"

// Stats summarizes a ledger for reporting. Totals cover confirmed payments
// only; pending payments are counted separately as awaiting approval.
type Stats struct {
	TotalConfirmed decimal.Decimal                 `json:"total_confirmed"`
	ByCategory     map[PaymentType]decimal.Decimal `json:"by_category"`
	ConfirmedCount int                             `json:"confirmed_count"`
	PendingCount   int                             `json:"pending_count"`
	PendingAmount  decimal.Decimal                 `json:"pending_amount"`
	CancelledCount int                             `json:"cancelled_count"`
}

// Aggregate sums the ledger by category. The result does not depend on
// ledger order.
func Aggregate(ledger []Payment) Stats {
	s := Stats{
		TotalConfirmed: decimal.Zero,
		PendingAmount:  decimal.Zero,
		ByCategory:     make(map[PaymentType]decimal.Decimal, len(PaymentTypes)),
	}
	for _, t := range PaymentTypes {
		s.ByCategory[t] = decimal.Zero
	}
	for _, p := range ledger {
		switch p.Status {
		case StatusConfirmed:
			s.ConfirmedCount++
			s.TotalConfirmed = s.TotalConfirmed.Add(p.Amount)
			typ := p.Type
			if !typ.Valid() {
				typ = TypeOther
			}
			s.ByCategory[typ] = s.ByCategory[typ].Add(p.Amount)
		case StatusPending:
			s.PendingCount++
			s.PendingAmount = s.PendingAmount.Add(p.Amount)
		case StatusCancelled:
			s.CancelledCount++
		}
	}
	return s
}
