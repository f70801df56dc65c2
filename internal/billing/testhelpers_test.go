package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testPlan() *Plan {
	return &Plan{
		ID:            uuid.New(),
		Name:          "Habitacional",
		MonthlyAmount: decimal.NewFromInt(15000),
		EnrollmentFee: decimal.NewFromInt(5000),
		DueDay:        15,
		Status:        PlanActive,
	}
}

func testMember(enrolled time.Time, feePaid bool) Member {
	return Member{
		ID:                uuid.New(),
		MembershipNumber:  "COOP17000000",
		Name:              "Ana Souza",
		Email:             "ana@example.com",
		Status:            MemberActive,
		EnrolledAt:        enrolled,
		EnrollmentFeePaid: feePaid,
	}
}

func monthly(memberID uuid.UUID, period string, status PaymentStatus, paidAt *time.Time, created time.Time) Payment {
	p := MustParsePeriod(period)
	return Payment{
		ID:        uuid.New(),
		MemberID:  memberID,
		Type:      TypeMonthlyDue,
		Status:    status,
		Amount:    decimal.NewFromInt(15000),
		DueDate:   p.DueDate(15),
		Period:    &p,
		PaidAt:    paidAt,
		CreatedAt: created,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
