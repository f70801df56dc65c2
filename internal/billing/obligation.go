package billing

import "time"

// NextObligation computes the single obligation currently owed by member, or
// nil when nothing is due. It never mutates the ledger.
//
// The enrollment fee takes precedence. After that the oldest pending monthly
// due is surfaced; failing that, the period following the last confirmed
// monthly due (or the enrollment period) is synthesized.
func NextObligation(member Member, plan *Plan, ledger []Payment, today time.Time) *Obligation {
	if plan == nil || member.Status != MemberActive {
		return nil
	}
	today = DateOf(today)

	if o := enrollmentObligation(member, plan, ledger, today); o != nil {
		return o
	}

	if p := oldestPending(ledger, TypeMonthlyDue); p != nil {
		return fromPayment(*p, today, false)
	}

	period := firstMonthlyPeriod(member, plan, ledger)
	due := period.DueDate(plan.DueDay)
	if FindActive(ledger, TypeMonthlyDue, &period) != nil {
		if !due.Before(today) {
			// Paid ahead through the candidate period.
			return nil
		}
		for FindActive(ledger, TypeMonthlyDue, &period) != nil {
			period = period.Next()
		}
		due = period.DueDate(plan.DueDay)
	}
	return &Obligation{
		Type:    TypeMonthlyDue,
		Amount:  plan.MonthlyAmount,
		DueDate: due,
		Period:  &period,
		Overdue: due.Before(today),
	}
}

func enrollmentObligation(member Member, plan *Plan, ledger []Payment, today time.Time) *Obligation {
	if member.EnrollmentFeePaid || !plan.EnrollmentFee.IsPositive() || hasConfirmed(ledger, TypeEnrollmentFee) {
		return nil
	}
	if p := oldestPending(ledger, TypeEnrollmentFee); p != nil {
		return fromPayment(*p, today, true)
	}
	due := DateOf(member.EnrolledAt)
	return &Obligation{
		Type:    TypeEnrollmentFee,
		Amount:  plan.EnrollmentFee,
		DueDate: due,
		Overdue: due.Before(today),
		Urgent:  true,
	}
}

// firstMonthlyPeriod picks the candidate period for the next monthly due.
func firstMonthlyPeriod(member Member, plan *Plan, ledger []Payment) Period {
	last := lastConfirmedMonthly(ledger)
	if last == nil {
		period := PeriodOf(member.EnrolledAt)
		if member.EnrolledAt.Day() > period.DueDay(plan.DueDay) {
			period = period.Next()
		}
		return period
	}
	period := PeriodOf(*last.PaidAt).Next()
	if last.Period != nil && period.Before(last.Period.Next()) {
		period = last.Period.Next()
	}
	return period
}

func fromPayment(p Payment, today time.Time, urgent bool) *Obligation {
	id := p.ID
	o := &Obligation{
		Type:      p.Type,
		Amount:    p.Amount,
		DueDate:   p.DueDate,
		Overdue:   IsOverdue(p, today),
		Urgent:    urgent,
		PaymentID: &id,
	}
	if p.Period != nil {
		period := *p.Period
		o.Period = &period
	}
	return o
}
