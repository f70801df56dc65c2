package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/config"
	"coopledger/internal/httpapi"
	"coopledger/internal/membership"
	"coopledger/internal/notify"
	"coopledger/internal/payments"
	"coopledger/internal/plans"
	"coopledger/internal/server"
	"coopledger/internal/store/memory"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopJournal struct{}

func (nopJournal) Record(context.Context, uuid.UUID, string, string, any) error { return nil }

type suite struct {
	gateway *httptest.Server
	store   *memory.Store
}

// setupSuite runs both services on one in-memory store behind the gateway.
func setupSuite(t *testing.T) *suite {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New()
	dispatcher := notify.NewDispatcher(notify.LogSender{Logger: logger}, notify.Options{Workers: 1}, logger)
	t.Cleanup(func() { dispatcher.Close(context.Background()) })

	catalog := plans.NewService(store, nopJournal{}, 16, time.Minute, logger)

	opts := membership.DefaultOptions()
	opts.ApprovalRate = 0
	opts.LoginRate = 0
	members := membership.NewService(membership.Dependencies{
		Repository: store,
		Ledger:     store,
		Plans:      catalog,
		Journal:    nopJournal{},
		Notifier:   dispatcher,
	}, opts, logger)
	membershipRouter := server.NewRouter(logger, nil)
	membership.NewHandler(members).Routes(membershipRouter)
	membershipSrv := httptest.NewServer(membershipRouter)
	t.Cleanup(membershipSrv.Close)

	ledger := payments.NewService(payments.Dependencies{
		Repository:    store,
		Members:       store,
		MemberUpdates: store,
		Plans:         catalog,
		Journal:       nopJournal{},
		Notifier:      dispatcher,
	}, logger)
	billingRouter := server.NewRouter(logger, nil)
	payments.NewHandler(ledger).Routes(billingRouter)
	plans.NewHandler(catalog).Routes(billingRouter)
	billingSrv := httptest.NewServer(billingRouter)
	t.Cleanup(billingSrv.Close)

	gateway, err := newGateway(config.ServicesConfig{
		MembershipURL: membershipSrv.URL,
		BillingURL:    billingSrv.URL,
	}, logger, nil)
	require.NoError(t, err)
	gw := httptest.NewServer(gateway)
	t.Cleanup(gw.Close)

	return &suite{gateway: gw, store: store}
}

func (s *suite) call(t *testing.T, method, path string, body any, want int, out any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.gateway.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set(httpapi.HeaderActor, "admin-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, want, resp.StatusCode, string(raw))
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

func (s *suite) submit(t *testing.T, email string, planID uuid.UUID) membership.Application {
	var app membership.Application
	s.call(t, http.MethodPost, "/api/v1/members/applications", map[string]any{
		"name":           "Member " + email,
		"email":          email,
		"monthly_income": "2800.00",
		"plan_id":        planID,
	}, http.StatusCreated, &app)
	return app
}

func TestEnrollmentAndFirstDueFlow(t *testing.T) {
	s := setupSuite(t)

	var plan billing.Plan
	s.call(t, http.MethodPost, "/api/v1/billing/plans", map[string]any{
		"name":           "Habitacional",
		"monthly_amount": "150.00",
		"enrollment_fee": "50.00",
		"due_day":        10,
	}, http.StatusCreated, &plan)

	app := s.submit(t, "ana@example.com", plan.ID)

	var result membership.ProvisionResult
	s.call(t, http.MethodPost, "/api/v1/members/applications/"+app.ID.String()+"/approve", nil, http.StatusCreated, &result)
	require.NotNil(t, result.InitialPayment)
	assert.Equal(t, "50.00", result.InitialPayment.Amount.StringFixed(2))
	assert.NotEmpty(t, result.TemporarySecret)
	memberPath := "/api/v1/billing/members/" + result.Member.ID.String()

	// The enrollment fee is the first obligation and is backed by the initial payment.
	var view payments.ObligationView
	s.call(t, http.MethodGet, memberPath+"/obligation", nil, http.StatusOK, &view)
	require.NotNil(t, view.Obligation)
	assert.Equal(t, billing.TypeEnrollmentFee, view.Obligation.Type)
	assert.Equal(t, result.InitialPayment.ID, *view.Obligation.PaymentID)

	var paid billing.Payment
	s.call(t, http.MethodPost, memberPath+"/obligation/pay", map[string]string{"method": "pix", "reference": "E123"}, http.StatusCreated, &paid)
	assert.Equal(t, "pix", paid.Method)

	var confirmed billing.Payment
	s.call(t, http.MethodPost, "/api/v1/billing/payments/"+paid.ID.String()+"/confirm", nil, http.StatusOK, &confirmed)
	assert.Equal(t, billing.StatusConfirmed, confirmed.Status)

	var member billing.Member
	s.call(t, http.MethodGet, "/api/v1/members/members/"+result.Member.ID.String(), nil, http.StatusOK, &member)
	assert.True(t, member.EnrollmentFeePaid)

	// First monthly due is the enrollment month unless enrollment came after the due day.
	want := billing.PeriodOf(result.Member.EnrolledAt)
	if result.Member.EnrolledAt.Day() > want.DueDay(10) {
		want = want.Next()
	}
	var next payments.ObligationView
	s.call(t, http.MethodGet, memberPath+"/obligation", nil, http.StatusOK, &next)
	require.NotNil(t, next.Obligation)
	assert.Equal(t, billing.TypeMonthlyDue, next.Obligation.Type)
	assert.Equal(t, "150.00", next.Obligation.Amount.StringFixed(2))
	assert.True(t, next.Obligation.Synthesized())
	require.NotNil(t, next.Obligation.Period)
	assert.Equal(t, want, *next.Obligation.Period)

	// Paying twice never bills the same period twice.
	s.call(t, http.MethodPost, memberPath+"/obligation/pay", map[string]string{"method": "pix"}, http.StatusCreated, nil)
	var ledger []billing.Payment
	s.call(t, http.MethodGet, memberPath+"/payments?type=monthly_due", nil, http.StatusOK, &ledger)
	require.Len(t, ledger, 1)

	s.call(t, http.MethodPost, "/api/v1/members/login", map[string]string{
		"email":    "ana@example.com",
		"password": result.TemporarySecret,
	}, http.StatusOK, nil)
}

func TestConcurrentApprovalsProvisionOnce(t *testing.T) {
	s := setupSuite(t)

	var plan billing.Plan
	s.call(t, http.MethodPost, "/api/v1/billing/plans", map[string]any{
		"name":           "Social",
		"monthly_amount": "90.00",
		"enrollment_fee": "30.00",
		"due_day":        5,
	}, http.StatusCreated, &plan)
	app := s.submit(t, "bia@example.com", plan.ID)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, s.gateway.URL+"/api/v1/members/applications/"+app.ID.String()+"/approve", nil)
			req.Header.Set(httpapi.HeaderActor, fmt.Sprintf("admin-%d", i))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, created, 1)
	require.Len(t, s.store.Members(), 1, "only one member may be provisioned")

	member := s.store.Members()[0]
	fees, err := s.store.ListPayments(context.Background(), member.ID, billing.PaymentFilter{Type: billing.TypeEnrollmentFee})
	require.NoError(t, err)
	assert.Len(t, fees, 1)
}

func TestGatewayReportsUnavailableUpstream(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	gateway, err := newGateway(config.ServicesConfig{
		MembershipURL: "http://127.0.0.1:1",
		BillingURL:    "http://127.0.0.1:1",
	}, logger, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/billing/stats", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
