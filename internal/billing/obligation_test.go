package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextObligation_EnrollmentFeeFirst(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 20), false)

	o := NextObligation(member, plan, nil, date(2024, time.March, 21))
	require.NotNil(t, o)
	assert.Equal(t, TypeEnrollmentFee, o.Type)
	assert.True(t, o.Urgent)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, date(2024, time.March, 20), o.DueDate)
	assert.True(t, o.Synthesized())
}

func TestNextObligation_SurfacesPendingEnrollmentFee(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 20), false)
	pending := Payment{
		ID:        uuid.New(),
		MemberID:  member.ID,
		Type:      TypeEnrollmentFee,
		Status:    StatusPending,
		Amount:    decimal.NewFromInt(4800),
		DueDate:   date(2024, time.April, 19),
		CreatedAt: date(2024, time.March, 20),
	}

	o := NextObligation(member, plan, []Payment{pending}, date(2024, time.April, 1))
	require.NotNil(t, o)
	assert.Equal(t, TypeEnrollmentFee, o.Type)
	require.NotNil(t, o.PaymentID)
	assert.Equal(t, pending.ID, *o.PaymentID)
	assert.True(t, o.Amount.Equal(pending.Amount))
	assert.False(t, o.Overdue)

	o = NextObligation(member, plan, []Payment{pending}, date(2024, time.April, 20))
	require.NotNil(t, o)
	assert.True(t, o.Overdue)
}

// Enrolled on the 20th with due day 15: the first monthly due falls on the
// 15th of the following month.
func TestNextObligation_FirstMonthlyAfterEnrollmentDay(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 20), true)

	o := NextObligation(member, plan, nil, date(2024, time.March, 25))
	require.NotNil(t, o)
	assert.Equal(t, TypeMonthlyDue, o.Type)
	require.NotNil(t, o.Period)
	assert.Equal(t, "2024-04", o.Period.String())
	assert.Equal(t, date(2024, time.April, 15), o.DueDate)
	assert.False(t, o.Overdue)
}

func TestNextObligation_FirstMonthlyInEnrollmentMonth(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 10), true)

	o := NextObligation(member, plan, nil, date(2024, time.March, 11))
	require.NotNil(t, o)
	assert.Equal(t, "2024-03", o.Period.String())
	assert.Equal(t, date(2024, time.March, 15), o.DueDate)
}

func TestNextObligation_FollowsLastConfirmedPayment(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	june := monthly(member.ID, "2024-06", StatusConfirmed, timePtr(date(2024, time.June, 10)), date(2024, time.June, 1))

	o := NextObligation(member, plan, []Payment{june}, date(2024, time.July, 20))
	require.NotNil(t, o)
	assert.Equal(t, "2024-07", o.Period.String())
	assert.Equal(t, date(2024, time.July, 15), o.DueDate)
	assert.True(t, o.Overdue)
	assert.True(t, o.Synthesized())
	assert.True(t, o.Amount.Equal(plan.MonthlyAmount))
}

func TestNextObligation_OldestPendingMonthly(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	aug := monthly(member.ID, "2024-08", StatusPending, nil, date(2024, time.July, 2))
	jul := monthly(member.ID, "2024-07", StatusPending, nil, date(2024, time.July, 1))

	o := NextObligation(member, plan, []Payment{aug, jul}, date(2024, time.July, 20))
	require.NotNil(t, o)
	require.NotNil(t, o.PaymentID)
	assert.Equal(t, jul.ID, *o.PaymentID)
	assert.True(t, o.Overdue)
}

func TestNextObligation_PaidAheadHasNothingDue(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	paid := date(2024, time.June, 10)
	ledger := []Payment{
		monthly(member.ID, "2024-06", StatusConfirmed, timePtr(date(2024, time.June, 1)), date(2024, time.June, 1)),
		monthly(member.ID, "2024-07", StatusConfirmed, timePtr(paid), date(2024, time.June, 10)),
		monthly(member.ID, "2024-08", StatusConfirmed, timePtr(paid), date(2024, time.June, 10)),
	}
	// Bulk payments share a payment date; the later period wins.
	o := NextObligation(member, plan, ledger, date(2024, time.June, 20))
	require.NotNil(t, o)
	assert.Equal(t, "2024-09", o.Period.String())
	assert.False(t, o.Overdue)
}

func TestNextObligation_NeverRebillsConfirmedPastPeriod(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	ledger := []Payment{
		monthly(member.ID, "2024-09", StatusConfirmed, timePtr(date(2024, time.June, 1)), date(2024, time.June, 1)),
		monthly(member.ID, "2024-08", StatusConfirmed, timePtr(date(2024, time.August, 3)), date(2024, time.August, 3)),
	}
	o := NextObligation(member, plan, ledger, date(2024, time.September, 20))
	require.NotNil(t, o)
	assert.Equal(t, "2024-10", o.Period.String())
}

func TestNextObligation_CandidateAlreadyConfirmedInFuture(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	ledger := []Payment{
		monthly(member.ID, "2024-09", StatusConfirmed, timePtr(date(2024, time.June, 1)), date(2024, time.June, 1)),
		monthly(member.ID, "2024-08", StatusConfirmed, timePtr(date(2024, time.August, 3)), date(2024, time.August, 3)),
	}
	assert.Nil(t, NextObligation(member, plan, ledger, date(2024, time.August, 5)))
}

func TestNextObligation_CancelledPeriodIsBillable(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 1), true)
	cancelled := monthly(member.ID, "2024-03", StatusCancelled, nil, date(2024, time.March, 1))

	o := NextObligation(member, plan, []Payment{cancelled}, date(2024, time.March, 2))
	require.NotNil(t, o)
	assert.Equal(t, "2024-03", o.Period.String())
	assert.True(t, o.Synthesized())
}

func TestNextObligation_NoObligation(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 1), true)

	assert.Nil(t, NextObligation(member, nil, nil, date(2024, time.March, 2)), "no plan")

	suspended := member
	suspended.Status = MemberSuspended
	assert.Nil(t, NextObligation(suspended, plan, nil, date(2024, time.March, 2)), "suspended")
}

func TestNextObligation_ZeroEnrollmentFeeSkipsStepOne(t *testing.T) {
	plan := testPlan()
	plan.EnrollmentFee = decimal.Zero
	member := testMember(date(2024, time.March, 1), false)

	o := NextObligation(member, plan, nil, date(2024, time.March, 2))
	require.NotNil(t, o)
	assert.Equal(t, TypeMonthlyDue, o.Type)
}

func TestNextObligation_ConfirmedEnrollmentFeeSkipsStepOne(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.March, 1), false)
	fee := Payment{
		ID:       uuid.New(),
		MemberID: member.ID,
		Type:     TypeEnrollmentFee,
		Status:   StatusConfirmed,
		Amount:   plan.EnrollmentFee,
		DueDate:  date(2024, time.March, 31),
		PaidAt:   timePtr(date(2024, time.March, 2)),
	}

	o := NextObligation(member, plan, []Payment{fee}, date(2024, time.March, 3))
	require.NotNil(t, o)
	assert.Equal(t, TypeMonthlyDue, o.Type)
}

func TestNextObligation_DoesNotMutateLedger(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	ledger := []Payment{
		monthly(member.ID, "2024-06", StatusPending, nil, date(2024, time.June, 1)),
	}
	before := ledger[0]

	NextObligation(member, plan, ledger, date(2024, time.July, 20))
	assert.Equal(t, before, ledger[0])
}
