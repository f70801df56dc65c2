package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/httpapi"
	"coopledger/internal/notify"
	"coopledger/internal/store/memory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recordingJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *recordingJournal) Record(_ context.Context, _ uuid.UUID, _, eventType string, _ any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	return nil
}

type sent struct {
	event     string
	recipient billing.Recipient
	data      map[string]any
	batch     uuid.UUID
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
	fail bool
}

func (n *recordingNotifier) SendEvent(ctx context.Context, event string, recipient billing.Recipient, data map[string]any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return false
	}
	batch, _ := notify.BatchFrom(ctx)
	n.sent = append(n.sent, sent{event: event, recipient: recipient, data: data, batch: batch})
	return true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc      Service
	store    *memory.Store
	journal  *recordingJournal
	notifier *recordingNotifier
	clock    *clock
	plan     billing.Plan
}

func newFixture(t require.TestingT, now time.Time) *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New()
	plan, err := store.CreatePlan(context.Background(), billing.Plan{
		Name:          "Habitacional",
		MonthlyAmount: decimal.NewFromInt(15000),
		EnrollmentFee: decimal.NewFromInt(5000),
		DueDay:        15,
	})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		journal:  &recordingJournal{},
		notifier: &recordingNotifier{},
		clock:    &clock{now: now},
		plan:     plan,
	}
	f.svc = NewService(Dependencies{
		Repository:    store,
		Members:       store,
		MemberUpdates: store,
		Plans:         store,
		Journal:       f.journal,
		Notifier:      f.notifier,
		Clock:         f.clock.Now,
	}, logger)
	return f
}

func (f *fixture) member(t require.TestingT, enrolled time.Time, feePaid bool) billing.Member {
	planID := f.plan.ID
	id := uuid.New()
	m, err := f.store.CreateMember(context.Background(), billing.Member{
		ID:                id,
		MembershipNumber:  "COOP-" + id.String()[:8],
		ApplicationID:     uuid.New(),
		Name:              "Ana Souza",
		Email:             id.String()[:8] + "@example.com",
		Status:            billing.MemberActive,
		PlanID:            &planID,
		EnrolledAt:        enrolled,
		EnrollmentFeePaid: feePaid,
	})
	require.NoError(t, err)
	return m
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var admin = billing.Actor{ID: "admin", Role: "treasurer"}

func TestPayObligation_EnrollmentFeeLifecycle(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 20), false)

	view, err := f.svc.NextObligation(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Obligation)
	assert.Equal(t, billing.TypeEnrollmentFee, view.Obligation.Type)
	assert.True(t, view.Obligation.Synthesized())

	fee, err := f.svc.PayObligation(ctx, admin, m.ID, billing.PaymentMeta{Method: "pix", Reference: "TX1"})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, fee.Status)
	assert.Equal(t, "pix", fee.Method)

	// Paying again attaches details to the pending fee instead of billing twice.
	again, err := f.svc.PayObligation(ctx, admin, m.ID, billing.PaymentMeta{Reference: "TX2", Notes: "resent"})
	require.NoError(t, err)
	assert.Equal(t, fee.ID, again.ID)
	assert.Equal(t, "TX2", again.Reference)

	ledger, err := f.store.ListPayments(ctx, m.ID, billing.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, ledger, 1)

	confirmed, err := f.svc.ConfirmPayment(ctx, admin, fee.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.PaidAt)

	stored, err := f.store.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.EnrollmentFeePaid)

	view, err = f.svc.NextObligation(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Obligation)
	assert.Equal(t, billing.TypeMonthlyDue, view.Obligation.Type)
	assert.Equal(t, "2024-04", view.Obligation.Period.String())

	assert.Equal(t, []string{EventPaymentRecorded, EventPaymentConfirmed}, f.journal.events)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, NotificationConfirmed, f.notifier.sent[0].event)
	assert.Equal(t, m.Email, f.notifier.sent[0].recipient.Email)
}

func TestPayObligation_NothingDue(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()

	id := uuid.New()
	m, err := f.store.CreateMember(ctx, billing.Member{
		ID:               id,
		MembershipNumber: "COOP-NOPLAN",
		ApplicationID:    uuid.New(),
		Email:            "noplan@example.com",
		Status:           billing.MemberActive,
		EnrolledAt:       date(2024, time.March, 1),
	})
	require.NoError(t, err)

	view, err := f.svc.NextObligation(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Obligation)

	_, err = f.svc.PayObligation(ctx, admin, m.ID, billing.PaymentMeta{})
	assert.True(t, errors.Is(err, billing.ErrInvalidState), "got %v", err)

	_, err = f.svc.NextObligation(ctx, uuid.New())
	assert.True(t, errors.Is(err, billing.ErrNotFound))
}

func TestNextObligation_MissingPlan(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 1), true)

	gone := uuid.New()
	_, err := f.store.UpdateMember(ctx, m.ID, billing.MemberPatch{PlanID: &gone})
	require.NoError(t, err)

	view, err := f.svc.NextObligation(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, view.Obligation)
}

func TestAllocateAnticipated(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 1), true)

	periods := []billing.Period{
		billing.MustParsePeriod("2024-05"),
		billing.MustParsePeriod("2024-04"),
		billing.MustParsePeriod("2024-05"),
	}
	alloc, err := f.svc.AllocateAnticipated(ctx, admin, m.ID, periods, billing.PaymentMeta{Method: "boleto"})
	require.NoError(t, err)
	require.Len(t, alloc.Payments, 2)
	assert.Equal(t, "2024-04", alloc.Payments[0].Period.String())
	assert.Equal(t, "2024-05", alloc.Payments[1].Period.String())
	require.Len(t, alloc.Rejected, 1)
	assert.True(t, alloc.Total.Equal(decimal.NewFromInt(30000)))

	_, err = f.svc.AllocateAnticipated(ctx, admin, m.ID, periods[1:2], billing.PaymentMeta{})
	assert.True(t, errors.Is(err, billing.ErrConflict), "got %v", err)

	ledger, err := f.store.ListPayments(ctx, m.ID, billing.PaymentFilter{})
	require.NoError(t, err)
	assert.Len(t, ledger, 2)
	assert.Equal(t, []string{EventPaymentRecorded, EventPaymentRecorded}, f.journal.events)
}

func TestCancelFreesPeriod(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 1), true)
	april := []billing.Period{billing.MustParsePeriod("2024-04")}

	alloc, err := f.svc.AllocateAnticipated(ctx, admin, m.ID, april, billing.PaymentMeta{})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelPayment(ctx, admin, alloc.Payments[0].ID, "duplicate slip")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, cancelled.Status)
	assert.Contains(t, cancelled.Notes, "duplicate slip")
	assert.Nil(t, cancelled.PaidAt)

	_, err = f.svc.ConfirmPayment(ctx, admin, cancelled.ID)
	assert.True(t, errors.Is(err, billing.ErrInvalidState))

	_, err = f.svc.AllocateAnticipated(ctx, admin, m.ID, april, billing.PaymentMeta{})
	require.NoError(t, err)
}

func TestAllocateProjectPayment(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 1), true)
	project := billing.Project{ID: uuid.New(), Name: "Residencial Aurora"}

	for i := 0; i < 2; i++ {
		p, err := f.svc.AllocateProjectPayment(ctx, admin, m.ID, project, decimal.NewFromInt(100000), billing.ProjectPartial, billing.PaymentMeta{})
		require.NoError(t, err)
		assert.Equal(t, billing.TypeProjectPayment, p.Type)
		require.NotNil(t, p.ProjectID)
		assert.Equal(t, project.ID, *p.ProjectID)
	}

	_, err := f.svc.AllocateProjectPayment(ctx, admin, m.ID, project, decimal.Zero, billing.ProjectPartial, billing.PaymentMeta{})
	assert.True(t, errors.Is(err, billing.ErrInvalidState))
}

func TestListPaymentsAndStats(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	ctx := context.Background()
	m := f.member(t, date(2024, time.January, 1), true)

	periods := []billing.Period{billing.MustParsePeriod("2024-02"), billing.MustParsePeriod("2024-03"), billing.MustParsePeriod("2024-04")}
	alloc, err := f.svc.AllocateAnticipated(ctx, admin, m.ID, periods, billing.PaymentMeta{})
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, admin, alloc.Payments[0].ID)
	require.NoError(t, err)

	views, err := f.svc.ListPayments(ctx, m.ID, billing.PaymentFilter{Statuses: []billing.PaymentStatus{billing.StatusPending}})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.True(t, views[0].Overdue, "march is past its due day")
	assert.False(t, views[1].Overdue)

	overdue, err := f.svc.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "2024-03", overdue[0].Period.String())

	stats, err := f.svc.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConfirmedCount)
	assert.Equal(t, 2, stats.PendingCount)
	assert.True(t, stats.TotalConfirmed.Equal(decimal.NewFromInt(15000)))
	assert.True(t, stats.PendingAmount.Equal(decimal.NewFromInt(30000)))

	_, err = f.svc.ListPayments(ctx, uuid.New(), billing.PaymentFilter{})
	assert.True(t, errors.Is(err, billing.ErrNotFound))
}

func TestSendOverdueReminders(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 1))
	ctx := context.Background()

	active := f.member(t, date(2024, time.January, 1), true)
	inactive := f.member(t, date(2024, time.January, 1), true)
	current := f.member(t, date(2024, time.January, 1), true)

	twoMonths := []billing.Period{billing.MustParsePeriod("2024-01"), billing.MustParsePeriod("2024-02")}
	_, err := f.svc.AllocateAnticipated(ctx, admin, active.ID, twoMonths, billing.PaymentMeta{})
	require.NoError(t, err)
	_, err = f.svc.AllocateAnticipated(ctx, admin, inactive.ID, twoMonths[:1], billing.PaymentMeta{})
	require.NoError(t, err)
	_, err = f.svc.AllocateAnticipated(ctx, admin, current.ID, []billing.Period{billing.MustParsePeriod("2024-06")}, billing.PaymentMeta{})
	require.NoError(t, err)

	status := billing.MemberInactive
	_, err = f.store.UpdateMember(ctx, inactive.ID, billing.MemberPatch{Status: &status})
	require.NoError(t, err)

	f.clock.Set(date(2024, time.April, 1))
	report, err := f.svc.SendOverdueReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Members)
	assert.Equal(t, 3, report.Payments)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, 1, report.Skipped)

	require.Len(t, f.notifier.sent, 1)
	msg := f.notifier.sent[0]
	assert.Equal(t, NotificationOverdue, msg.event)
	assert.Equal(t, active.ID, msg.recipient.MemberID)
	assert.Equal(t, report.BatchID, msg.batch)
	assert.Equal(t, "30000.00", msg.data["total"])
}

func TestNotifierFailureDoesNotFailConfirmation(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	f.notifier.fail = true
	ctx := context.Background()
	m := f.member(t, date(2024, time.March, 20), false)

	fee, err := f.svc.PayObligation(ctx, admin, m.ID, billing.PaymentMeta{})
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, admin, fee.ID)
	require.NoError(t, err)
}

func TestConcurrentPayObligationBillsOnce(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	m := f.member(t, date(2024, time.March, 20), false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.PayObligation(context.Background(), admin, m.ID, billing.PaymentMeta{})
		}()
	}
	wg.Wait()

	fees, err := f.store.ListPayments(context.Background(), m.ID, billing.PaymentFilter{Type: billing.TypeEnrollmentFee})
	require.NoError(t, err)
	assert.Len(t, fees, 1)
}

// No sequence of operations may leave two live dues for one period or two
// live enrollment fees.
func TestLedgerNeverDoubleBills(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := date(2024, time.January, 1)
		f := newFixture(t, start)
		ctx := context.Background()
		m := f.member(t, start.AddDate(0, 0, rapid.IntRange(0, 40).Draw(t, "enrolled")), rapid.Bool().Draw(t, "feePaid"))

		today := start
		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			today = today.AddDate(0, 0, rapid.IntRange(0, 25).Draw(t, "advance"))
			f.clock.Set(today)

			switch rapid.IntRange(0, 3).Draw(t, "action") {
			case 0:
				f.svc.PayObligation(ctx, admin, m.ID, billing.PaymentMeta{})
			case 1:
				var periods []billing.Period
				for n := rapid.IntRange(1, 3).Draw(t, "periods"); n > 0; n-- {
					periods = append(periods, billing.PeriodOf(today).AddMonths(rapid.IntRange(-2, 4).Draw(t, "offset")))
				}
				f.svc.AllocateAnticipated(ctx, admin, m.ID, periods, billing.PaymentMeta{})
			case 2, 3:
				pending, err := f.store.ListPayments(ctx, m.ID, billing.PaymentFilter{Statuses: []billing.PaymentStatus{billing.StatusPending}})
				require.NoError(t, err)
				if len(pending) == 0 {
					continue
				}
				p := rapid.SampledFrom(pending).Draw(t, "payment")
				if rapid.Bool().Draw(t, "confirm") {
					_, err = f.svc.ConfirmPayment(ctx, admin, p.ID)
				} else {
					_, err = f.svc.CancelPayment(ctx, admin, p.ID, "")
				}
				require.NoError(t, err)
			}
		}

		ledger, err := f.store.ListPayments(ctx, m.ID, billing.PaymentFilter{})
		require.NoError(t, err)
		fees := 0
		periods := map[billing.Period]int{}
		for _, p := range ledger {
			if !billing.IsActive(p) {
				continue
			}
			switch p.Type {
			case billing.TypeEnrollmentFee:
				fees++
			case billing.TypeMonthlyDue:
				periods[*p.Period]++
			}
		}
		if fees > 1 {
			t.Fatalf("%d live enrollment fees", fees)
		}
		for period, n := range periods {
			if n > 1 {
				t.Fatalf("%d live dues for %s", n, period)
			}
		}
	})
}

func TestHandler(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	m := f.member(t, date(2024, time.March, 20), false)
	r := chi.NewRouter()
	NewHandler(f.svc).Routes(r)
	base := "/members/" + m.ID.String()

	do := func(method, path, body string, actor bool) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		if actor {
			req.Header.Set(httpapi.HeaderActor, "admin")
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, base+"/obligation", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"type":"enrollment_fee"`)

	rec = do(http.MethodPost, base+"/obligation/pay", `{"method":"pix"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(http.MethodPost, base+"/obligation/pay", `{"method":"pix"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, base+"/anticipated", `{"periods":["2024-01"],"method":"pix"}`, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, base+"/anticipated", `{"periods":["2024-04","2024-05"],"method":"pix"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(http.MethodPost, base+"/anticipated", `{"periods":["2024-04"]}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(http.MethodPost, base+"/projects/"+uuid.NewString()+"/payments", `{"project_name":"Aurora","amount":"1000.00","kind":"entrada"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(http.MethodGet, base+"/payments?type=monthly_due&status=pending", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, strings.Count(rec.Body.String(), `"type":"monthly_due"`))

	rec = do(http.MethodGet, base+"/payments?status=late", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPost, "/payments/"+uuid.NewString()+"/confirm", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(http.MethodGet, "/payments/overdue", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/stats?since=2024-01-01", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pending_count":4`)

	rec = do(http.MethodGet, "/stats?since=yesterday", "", false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPayObligationWithoutBody(t *testing.T) {
	f := newFixture(t, date(2024, time.March, 21))
	m := f.member(t, date(2024, time.March, 20), false)
	r := chi.NewRouter()
	NewHandler(f.svc).Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/members/"+m.ID.String()+"/obligation/pay", nil)
	req.Header.Set(httpapi.HeaderActor, "admin")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"type":"enrollment_fee"`)

	req = httptest.NewRequest(http.MethodPost, "/members/"+m.ID.String()+"/obligation/pay", strings.NewReader(`{"method":`))
	req.Header.Set(httpapi.HeaderActor, "admin")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
