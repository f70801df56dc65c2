package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAggregate(t *testing.T) {
	ledger := []Payment{
		{ID: uuid.New(), Type: TypeMonthlyDue, Status: StatusConfirmed, Amount: decimal.RequireFromString("150.00")},
		{ID: uuid.New(), Type: TypeMonthlyDue, Status: StatusConfirmed, Amount: decimal.RequireFromString("150.00")},
		{ID: uuid.New(), Type: TypeEnrollmentFee, Status: StatusConfirmed, Amount: decimal.RequireFromString("50.00")},
		{ID: uuid.New(), Type: TypeProjectPayment, Status: StatusPending, Amount: decimal.RequireFromString("2000.00")},
		{ID: uuid.New(), Type: TypeOther, Status: StatusCancelled, Amount: decimal.RequireFromString("10.00")},
	}

	s := Aggregate(ledger)
	assert.True(t, s.TotalConfirmed.Equal(decimal.RequireFromString("350.00")))
	assert.True(t, s.ByCategory[TypeMonthlyDue].Equal(decimal.RequireFromString("300.00")))
	assert.True(t, s.ByCategory[TypeEnrollmentFee].Equal(decimal.RequireFromString("50.00")))
	assert.True(t, s.ByCategory[TypeProjectPayment].IsZero())
	assert.True(t, s.ByCategory[TypeOther].IsZero())
	assert.Equal(t, 3, s.ConfirmedCount)
	assert.Equal(t, 1, s.PendingCount)
	assert.True(t, s.PendingAmount.Equal(decimal.RequireFromString("2000.00")))
	assert.Equal(t, 1, s.CancelledCount)
}

func TestAggregate_EmptyLedger(t *testing.T) {
	s := Aggregate(nil)
	assert.True(t, s.TotalConfirmed.IsZero())
	assert.Len(t, s.ByCategory, len(PaymentTypes))
}

func TestAggregate_OrderIndependent(t *testing.T) {
	paymentGen := rapid.Custom(func(t *rapid.T) Payment {
		return Payment{
			ID:     uuid.New(),
			Type:   rapid.SampledFrom(PaymentTypes).Draw(t, "type"),
			Status: rapid.SampledFrom([]PaymentStatus{StatusPending, StatusConfirmed, StatusCancelled}).Draw(t, "status"),
			Amount: decimal.New(rapid.Int64Range(1, 10_000_000).Draw(t, "cents"), -2),
		}
	})

	rapid.Check(t, func(t *rapid.T) {
		ledger := rapid.SliceOfN(paymentGen, 0, 50).Draw(t, "ledger")
		shuffled := rapid.Permutation(ledger).Draw(t, "shuffled")

		want := decimal.Zero
		for _, p := range ledger {
			if p.Status == StatusConfirmed {
				want = want.Add(p.Amount)
			}
		}

		got := Aggregate(ledger)
		if !got.TotalConfirmed.Equal(want) {
			t.Fatalf("total %s, want %s", got.TotalConfirmed, want)
		}
		if !Aggregate(shuffled).TotalConfirmed.Equal(want) {
			t.Fatalf("total depends on ledger order")
		}
		sum := decimal.Zero
		for _, v := range got.ByCategory {
			sum = sum.Add(v)
		}
		if !sum.Equal(want) {
			t.Fatalf("categories sum to %s, want %s", sum, want)
		}
	})
}
