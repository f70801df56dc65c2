package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAllocateAnticipated_RejectsBilledPeriod(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	ledger := []Payment{monthly(member.ID, "2024-08", StatusPending, nil, date(2024, time.July, 1))}
	meta := PaymentMeta{Method: "pix", Reference: "E123", ProofURL: "https://files/proof.pdf"}

	alloc, err := AllocateAnticipated(member, plan, ledger,
		[]Period{MustParsePeriod("2024-08"), MustParsePeriod("2024-09")}, meta, date(2024, time.July, 20))
	require.NoError(t, err)

	require.Len(t, alloc.Payments, 1)
	sep := alloc.Payments[0]
	assert.Equal(t, "2024-09", sep.Period.String())
	assert.Equal(t, date(2024, time.September, 15), sep.DueDate)
	assert.Equal(t, StatusPending, sep.Status)
	assert.Equal(t, "pix", sep.Method)
	assert.Equal(t, "E123", sep.Reference)
	assert.Equal(t, "https://files/proof.pdf", sep.ProofURL)

	require.Len(t, alloc.Rejected, 1)
	assert.Equal(t, "2024-08", alloc.Rejected[0].Period.String())
	assert.ErrorIs(t, alloc.Rejected[0].Err, ErrConflict)
	assert.True(t, alloc.Total.Equal(decimal.NewFromInt(15000)))
}

func TestAllocateAnticipated_SharedMetadataAndTotal(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	periods := []Period{MustParsePeriod("2024-10"), MustParsePeriod("2024-08"), MustParsePeriod("2024-09")}

	alloc, err := AllocateAnticipated(member, plan, nil, periods, PaymentMeta{Method: "transfer"}, date(2024, time.July, 20))
	require.NoError(t, err)
	require.Len(t, alloc.Payments, 3)
	assert.Empty(t, alloc.Rejected)
	for i, want := range []string{"2024-08", "2024-09", "2024-10"} {
		assert.Equal(t, want, alloc.Payments[i].Period.String())
		assert.Equal(t, "transfer", alloc.Payments[i].Method)
		assert.Equal(t, member.ID, alloc.Payments[i].MemberID)
	}
	assert.True(t, alloc.Total.Equal(decimal.NewFromInt(45000)))
}

func TestAllocateAnticipated_Failures(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	now := date(2024, time.July, 20)

	_, err := AllocateAnticipated(member, plan, nil, nil, PaymentMeta{}, now)
	assert.ErrorIs(t, err, ErrInvalidState, "no periods selected")

	_, err = AllocateAnticipated(member, nil, nil, []Period{MustParsePeriod("2024-08")}, PaymentMeta{}, now)
	assert.ErrorIs(t, err, ErrNotFound, "no plan")

	inactive := member
	inactive.Status = MemberInactive
	_, err = AllocateAnticipated(inactive, plan, nil, []Period{MustParsePeriod("2024-08")}, PaymentMeta{}, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	ledger := []Payment{monthly(member.ID, "2024-08", StatusConfirmed, timePtr(now), now)}
	alloc, err := AllocateAnticipated(member, plan, ledger, []Period{MustParsePeriod("2024-08")}, PaymentMeta{}, now)
	assert.ErrorIs(t, err, ErrConflict, "every period already billed")
	assert.Empty(t, alloc.Payments)

	alloc, err = AllocateAnticipated(member, plan, nil, []Period{MustParsePeriod("2023-12"), MustParsePeriod("2024-08")}, PaymentMeta{}, now)
	require.NoError(t, err)
	require.Len(t, alloc.Rejected, 1)
	assert.ErrorIs(t, alloc.Rejected[0].Err, ErrInvalidState, "before enrollment")
}

func TestAllocateAnticipated_SelectedTwice(t *testing.T) {
	plan := testPlan()
	member := testMember(date(2024, time.January, 5), true)
	aug := MustParsePeriod("2024-08")

	alloc, err := AllocateAnticipated(member, plan, nil, []Period{aug, aug}, PaymentMeta{}, date(2024, time.July, 20))
	require.NoError(t, err)
	assert.Len(t, alloc.Payments, 1)
	require.Len(t, alloc.Rejected, 1)
	assert.ErrorIs(t, alloc.Rejected[0].Err, ErrConflict)
}

// Any interleaving of obligation payments and anticipated allocations leaves
// at most one non-cancelled monthly due per period.
func TestNoDoubleBilling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		plan := testPlan()
		plan.EnrollmentFee = decimal.Zero
		member := testMember(date(2024, time.January, 1).AddDate(0, 0, rapid.IntRange(0, 60).Draw(t, "enrolled")), true)
		today := date(2024, time.March, 1)
		var ledger []Payment

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			today = today.AddDate(0, 0, rapid.IntRange(0, 20).Draw(t, "advance"))
			switch rapid.IntRange(0, 3).Draw(t, "action") {
			case 0:
				o := NextObligation(member, plan, ledger, today)
				if o == nil || !o.Synthesized() {
					continue
				}
				p := o.ToPayment(member.ID, PaymentMeta{}, today)
				if CheckDuplicate(ledger, p) == nil {
					ledger = append(ledger, p)
				}
			case 1:
				n := rapid.IntRange(1, 4).Draw(t, "periods")
				var periods []Period
				for j := 0; j < n; j++ {
					periods = append(periods, PeriodOf(today).AddMonths(rapid.IntRange(-2, 6).Draw(t, "offset")))
				}
				alloc, _ := AllocateAnticipated(member, plan, ledger, periods, PaymentMeta{}, today)
				ledger = append(ledger, alloc.Payments...)
			case 2:
				if idx, ok := pickPending(t, ledger); ok {
					ledger[idx], _ = Confirm(ledger[idx], today)
				}
			case 3:
				if idx, ok := pickPending(t, ledger); ok {
					ledger[idx], _ = Cancel(ledger[idx], "", today)
				}
			}
		}

		seen := make(map[Period]uuid.UUID)
		for _, p := range ledger {
			if p.Type != TypeMonthlyDue || !IsActive(p) {
				continue
			}
			if other, ok := seen[*p.Period]; ok {
				t.Fatalf("period %s billed twice: %s and %s", p.Period, other, p.ID)
			}
			seen[*p.Period] = p.ID
		}
	})
}

func pickPending(t *rapid.T, ledger []Payment) (int, bool) {
	var pending []int
	for i, p := range ledger {
		if p.Status == StatusPending {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return 0, false
	}
	return rapid.SampledFrom(pending).Draw(t, "pending"), true
}

func TestAllocateProjectPayment(t *testing.T) {
	member := testMember(date(2024, time.January, 5), true)
	project := Project{ID: uuid.New(), Name: "Residencial Aurora"}
	now := time.Date(2024, time.July, 20, 14, 30, 0, 0, time.UTC)

	p, err := AllocateProjectPayment(member, project, decimal.NewFromInt(20000), ProjectDownPayment, PaymentMeta{Method: "pix", Notes: "first"}, now)
	require.NoError(t, err)
	assert.Equal(t, TypeProjectPayment, p.Type)
	assert.Equal(t, StatusPending, p.Status)
	assert.Nil(t, p.Period)
	require.NotNil(t, p.ProjectID)
	assert.Equal(t, project.ID, *p.ProjectID)
	assert.Equal(t, "project Residencial Aurora: entrada; first", p.Notes)
	assert.Equal(t, date(2024, time.July, 20), p.DueDate)

	// A second installment for the same project is accepted.
	ledger := []Payment{p}
	second, err := AllocateProjectPayment(member, project, decimal.NewFromInt(5000), ProjectPartial, PaymentMeta{}, now)
	require.NoError(t, err)
	assert.NoError(t, CheckDuplicate(ledger, second))

	for name, tc := range map[string]struct {
		amount decimal.Decimal
		kind   ProjectPaymentKind
	}{
		"zero amount":  {decimal.Zero, ProjectFull},
		"negative":     {decimal.NewFromInt(-1), ProjectFull},
		"unknown kind": {decimal.NewFromInt(10), "quitacao"},
	} {
		_, err := AllocateProjectPayment(member, project, tc.amount, tc.kind, PaymentMeta{}, now)
		assert.ErrorIs(t, err, ErrInvalidState, name)
	}
}
