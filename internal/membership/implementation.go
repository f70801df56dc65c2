// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	aggregateMember      = "member"
	aggregateApplication = "application"
)

// Options tunes provisioning and login.
type Options struct {
	NumberPrefix         string
	DefaultEnrollmentFee decimal.Decimal
	EnrollmentFeeDueDays int
	CredentialLength     int
	MaxNumberAttempts    int
	LockTTL              time.Duration
	ApprovalRate         rate.Limit
	ApprovalBurst        int
	LoginRate            rate.Limit
	LoginBurst           int
	Numbers              NumberGenerator
	Clock                func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		NumberPrefix:         "COOP",
		DefaultEnrollmentFee: decimal.RequireFromString("500.00"),
		EnrollmentFeeDueDays: 30,
		CredentialLength:     10,
		MaxNumberAttempts:    3,
		LockTTL:              30 * time.Second,
		ApprovalRate:         rate.Every(time.Second),
		ApprovalBurst:        10,
		LoginRate:            rate.Every(12 * time.Second), // 5 requests per minute
		LoginBurst:           5,
	}
}

// Dependencies are the collaborators of the membership service. Locker may be
// nil, in which case approvals are only collapsed within this process.
type Dependencies struct {
	Repository Repository
	Ledger     billing.Ledger
	Plans      billing.PlanReader
	Journal    Journal
	Notifier   billing.Notifier
	Locker     Locker
}

// service implements the Service interface.
type service struct {
	repo     Repository
	ledger   billing.Ledger
	plans    billing.PlanReader
	journal  Journal
	notifier billing.Notifier
	locker   Locker

	opts            Options
	logger          logrus.FieldLogger
	approvals       singleflight.Group
	approvalLimiter *rate.Limiter
	loginLimiter    *rate.Limiter
	tracer          trace.Tracer
	provisioned     metric.Int64Counter
}

// NewService creates a new membership service instance.
func NewService(deps Dependencies, opts Options, logger logrus.FieldLogger) Service {
	if opts.Numbers == nil {
		opts.Numbers = TimeNumbers(opts.NumberPrefix)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxNumberAttempts < 1 {
		opts.MaxNumberAttempts = 1
	}
	// A zero rate disables limiting.
	if opts.ApprovalRate == 0 {
		opts.ApprovalRate = rate.Inf
	}
	if opts.LoginRate == 0 {
		opts.LoginRate = rate.Inf
	}

	counter, err := otel.Meter("coopledger/membership").Int64Counter(
		"coopledger.membership.provisioning",
		metric.WithDescription("Application approvals by outcome"),
	)
	if err != nil {
		logger.WithError(err).Warn("provisioning counter unavailable")
		counter = noop.Int64Counter{}
	}

	return &service{
		repo:            deps.Repository,
		ledger:          deps.Ledger,
		plans:           deps.Plans,
		journal:         deps.Journal,
		notifier:        deps.Notifier,
		locker:          deps.Locker,
		opts:            opts,
		logger:          logger,
		approvalLimiter: rate.NewLimiter(opts.ApprovalRate, opts.ApprovalBurst),
		loginLimiter:    rate.NewLimiter(opts.LoginRate, opts.LoginBurst),
		tracer:          otel.Tracer("coopledger/membership"),
		provisioned:     counter,
	}
}

// SubmitApplication stores a new pending application.
func (s *service) SubmitApplication(ctx context.Context, app Application) (Application, error) {
	app.Name = strings.TrimSpace(app.Name)
	app.Email = strings.ToLower(strings.TrimSpace(app.Email))
	if app.Name == "" {
		return Application{}, fmt.Errorf("name is required: %w", billing.ErrInvalidState)
	}
	if _, err := mail.ParseAddress(app.Email); err != nil {
		return Application{}, fmt.Errorf("invalid email %q: %w", app.Email, billing.ErrInvalidState)
	}
	if app.MonthlyIncome.IsNegative() {
		return Application{}, fmt.Errorf("monthly income must not be negative: %w", billing.ErrInvalidState)
	}

	existing, err := s.repo.GetMemberByEmail(ctx, app.Email)
	if err == nil {
		return Application{}, fmt.Errorf("%s is already member %s: %w", app.Email, existing.MembershipNumber, billing.ErrConflict)
	}
	if !errors.Is(err, billing.ErrNotFound) {
		return Application{}, fmt.Errorf("failed to check existing member: %w", err)
	}

	now := s.opts.Clock().UTC()
	app.ID = uuid.New()
	app.Status = ApplicationPending
	app.CreatedAt = now
	app.UpdatedAt = now

	created, err := s.repo.CreateApplication(ctx, app)
	if err != nil {
		return Application{}, fmt.Errorf("failed to store application: %w", err)
	}
	s.logger.WithField("application_id", created.ID).Info("application submitted")
	return created, nil
}

func (s *service) GetApplication(ctx context.Context, id uuid.UUID) (Application, error) {
	return s.repo.GetApplication(ctx, id)
}

func (s *service) ListApplications(ctx context.Context, status ApplicationStatus) ([]Application, error) {
	return s.repo.ListApplications(ctx, status)
}

// ApproveApplication provisions the member, credential and enrollment fee for
// a pending application. Concurrent approvals of the same application collapse
// onto one provisioning run; approving an already approved application returns
// the existing member without a new credential.
func (s *service) ApproveApplication(ctx context.Context, actor billing.Actor, id uuid.UUID) (ProvisionResult, error) {
	if !s.approvalLimiter.Allow() {
		return ProvisionResult{}, ErrRateLimited
	}

	ctx, span := s.tracer.Start(ctx, "membership.approve",
		trace.WithAttributes(
			attribute.String("application.id", id.String()),
			attribute.String("actor.id", actor.ID),
		),
	)
	defer span.End()

	// The shared approval outlives any single caller; each caller stops
	// waiting when its own context ends.
	work := context.WithoutCancel(ctx)
	ch := s.approvals.DoChan(id.String(), func() (any, error) {
		return s.approveLocked(work, actor, id)
	})
	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return ProvisionResult{}, ctx.Err()
	case res := <-ch:
		span.SetAttributes(attribute.Bool("approval.shared", res.Shared))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			return ProvisionResult{}, res.Err
		}
		return res.Val.(ProvisionResult), nil
	}
}

func (s *service) approveLocked(ctx context.Context, actor billing.Actor, id uuid.UUID) (ProvisionResult, error) {
	log := s.logger.WithField("application_id", id)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "approval:"+id.String(), s.opts.LockTTL)
		switch {
		case errors.Is(err, billing.ErrConflict):
			return ProvisionResult{}, fmt.Errorf("approval of application %s already in progress: %w", id, err)
		case err != nil:
			// The unique constraints still reject a second member.
			log.WithError(err).Warn("approval lock unavailable, continuing without it")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					log.WithError(err).Warn("failed to release approval lock")
				}
			}()
		}
	}

	result, err := s.provision(ctx, actor, id)
	outcome := "approved"
	switch {
	case err != nil:
		outcome = billing.KindOf(err)
		log.WithError(err).Warn("approval failed")
	case result.AlreadyApproved:
		outcome = "already_approved"
	default:
		log.WithFields(logrus.Fields{
			"member_id":         result.Member.ID,
			"membership_number": result.Member.MembershipNumber,
		}).Info("member provisioned")
	}
	s.provisioned.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	return result, err
}

func (s *service) provision(ctx context.Context, actor billing.Actor, id uuid.UUID) (ProvisionResult, error) {
	app, err := s.repo.GetApplication(ctx, id)
	if err != nil {
		return ProvisionResult{}, err
	}
	switch app.Status {
	case ApplicationApproved:
		return s.existingProvision(ctx, app)
	case ApplicationRejected:
		return ProvisionResult{}, fmt.Errorf("application %s was rejected: %w", id, billing.ErrInvalidState)
	}

	plan, fee, warnings, err := s.enrollmentTerms(ctx, app)
	if err != nil {
		return ProvisionResult{}, err
	}

	secret, err := generateSecret(s.opts.CredentialLength)
	if err != nil {
		return ProvisionResult{}, err
	}
	hash, salt, err := hashPassword(secret)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("failed to hash password: %w", err)
	}
	cred := Credential{PasswordHash: hash, Salt: salt, MustChange: true}

	var result ProvisionResult
	for attempt := 1; ; attempt++ {
		result, err = s.provisionTx(ctx, actor, app, plan, fee, cred)
		if errors.Is(err, ErrMembershipNumberTaken) && attempt < s.opts.MaxNumberAttempts {
			s.logger.WithField("application_id", id).WithField("attempt", attempt).Debug("membership number collision, retrying")
			continue
		}
		break
	}
	if err != nil {
		return ProvisionResult{}, err
	}

	result.TemporarySecret = secret
	result.Warnings = append(result.Warnings, warnings...)
	if !s.sendWelcome(ctx, result) {
		result.Warnings = append(result.Warnings, "welcome notification could not be dispatched")
	}
	return result, nil
}

// provisionTx creates every provisioning artifact in one transaction. A member
// already created for this application is reused, so a retried approval
// resumes instead of duplicating.
func (s *service) provisionTx(ctx context.Context, actor billing.Actor, app Application, plan *billing.Plan, fee decimal.Decimal, cred Credential) (ProvisionResult, error) {
	now := s.opts.Clock().UTC()

	var result ProvisionResult
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		member, err := s.memberFor(ctx, app, plan, now)
		if err != nil {
			return err
		}

		cred.MemberID = member.ID
		if err := s.repo.UpsertCredential(ctx, cred); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}

		initial, err := s.ensureEnrollmentFee(ctx, member, fee, now)
		if err != nil {
			return err
		}

		memberID := member.ID
		decision := Decision{Status: ApplicationApproved, By: actor.ID, At: now, MemberID: &memberID}
		if _, err := s.repo.DecideApplication(ctx, app.ID, decision); err != nil {
			return fmt.Errorf("failed to mark application approved: %w", err)
		}

		event := MemberProvisionedEvent{
			MemberID:         member.ID,
			ApplicationID:    app.ID,
			MembershipNumber: member.MembershipNumber,
			PlanID:           member.PlanID,
			ApprovedBy:       actor.ID,
		}
		if initial != nil {
			paymentID := initial.ID
			event.InitialPaymentID = &paymentID
		}
		if err := s.journal.Record(ctx, member.ID, aggregateMember, EventMemberProvisioned, event); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}

		result = ProvisionResult{Member: member, InitialPayment: initial}
		return nil
	})
	return result, err
}

func (s *service) memberFor(ctx context.Context, app Application, plan *billing.Plan, now time.Time) (billing.Member, error) {
	existing, err := s.repo.GetMemberByEmail(ctx, app.Email)
	switch {
	case err == nil && existing.ApplicationID == app.ID:
		return existing, nil
	case err == nil:
		return billing.Member{}, fmt.Errorf("%s is already member %s: %w", app.Email, existing.MembershipNumber, billing.ErrConflict)
	case !errors.Is(err, billing.ErrNotFound):
		return billing.Member{}, fmt.Errorf("failed to check existing member: %w", err)
	}

	member := billing.Member{
		ID:               uuid.New(),
		MembershipNumber: s.opts.Numbers(s.opts.Clock()),
		ApplicationID:    app.ID,
		Name:             app.Name,
		Email:            app.Email,
		Phone:            app.Phone,
		Document:         app.Document,
		Address:          app.Address,
		MonthlyIncome:    app.MonthlyIncome,
		Status:           billing.MemberActive,
		EnrolledAt:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if plan != nil {
		planID := plan.ID
		member.PlanID = &planID
	}

	created, err := s.repo.CreateMember(ctx, member)
	if err != nil {
		return billing.Member{}, fmt.Errorf("failed to create member: %w", err)
	}
	return created, nil
}

// ensureEnrollmentFee creates the pending enrollment fee unless the member
// already has a non-cancelled one.
func (s *service) ensureEnrollmentFee(ctx context.Context, member billing.Member, fee decimal.Decimal, now time.Time) (*billing.Payment, error) {
	if !fee.IsPositive() {
		return nil, nil
	}
	ledger, err := s.ledger.ListPayments(ctx, member.ID, billing.PaymentFilter{Type: billing.TypeEnrollmentFee})
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment fees: %w", err)
	}
	if existing := billing.FindActive(ledger, billing.TypeEnrollmentFee, nil); existing != nil {
		p := *existing
		return &p, nil
	}

	payment := billing.Payment{
		ID:        uuid.New(),
		MemberID:  member.ID,
		Type:      billing.TypeEnrollmentFee,
		Status:    billing.StatusPending,
		Amount:    fee,
		DueDate:   billing.DateOf(now).AddDate(0, 0, s.opts.EnrollmentFeeDueDays),
		Notes:     "enrollment fee",
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.ledger.CreatePayment(ctx, payment)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrollment fee: %w", err)
	}
	return &created, nil
}

// enrollmentTerms resolves the application's plan. An unknown plan falls back
// to the default enrollment fee; any other lookup failure aborts.
func (s *service) enrollmentTerms(ctx context.Context, app Application) (*billing.Plan, decimal.Decimal, []string, error) {
	if app.PlanID == nil {
		return nil, s.opts.DefaultEnrollmentFee, nil, nil
	}
	plan, err := s.plans.GetPlan(ctx, *app.PlanID)
	if errors.Is(err, billing.ErrNotFound) {
		warning := fmt.Sprintf("plan %s not found, default enrollment fee %s applied", app.PlanID, s.opts.DefaultEnrollmentFee.StringFixed(2))
		s.logger.WithField("application_id", app.ID).Warn(warning)
		return nil, s.opts.DefaultEnrollmentFee, []string{warning}, nil
	}
	if err != nil {
		return nil, decimal.Zero, nil, fmt.Errorf("failed to resolve plan %s: %w", app.PlanID, err)
	}
	return &plan, plan.EnrollmentFee, nil, nil
}

func (s *service) existingProvision(ctx context.Context, app Application) (ProvisionResult, error) {
	member, err := s.repo.GetMemberByApplication(ctx, app.ID)
	if err != nil {
		return ProvisionResult{}, err
	}
	result := ProvisionResult{Member: member, AlreadyApproved: true}

	fees, err := s.ledger.ListPayments(ctx, member.ID, billing.PaymentFilter{Type: billing.TypeEnrollmentFee})
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("failed to load enrollment fees: %w", err)
	}
	if p := billing.FindActive(fees, billing.TypeEnrollmentFee, nil); p != nil {
		initial := *p
		result.InitialPayment = &initial
	}
	return result, nil
}

func (s *service) sendWelcome(ctx context.Context, result ProvisionResult) bool {
	data := map[string]any{
		"membership_number": result.Member.MembershipNumber,
		"login":             result.Member.Email,
		"temporary_secret":  result.TemporarySecret,
	}
	if result.InitialPayment != nil {
		data["enrollment_fee"] = result.InitialPayment.Amount.StringFixed(2)
		data["enrollment_fee_due"] = result.InitialPayment.DueDate.Format(time.DateOnly)
	}
	ok := s.notifier.SendEvent(ctx, NotificationWelcome, recipientOf(result.Member), data)
	if !ok {
		s.logger.WithField("member_id", result.Member.ID).Warn("welcome notification not dispatched")
	}
	return ok
}

// RejectApplication closes a pending application.
func (s *service) RejectApplication(ctx context.Context, actor billing.Actor, id uuid.UUID, reason string) (Application, error) {
	now := s.opts.Clock().UTC()

	var app Application
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		app, err = s.repo.DecideApplication(ctx, id, Decision{
			Status: ApplicationRejected,
			By:     actor.ID,
			At:     now,
			Reason: reason,
		})
		if err != nil {
			return err
		}
		event := ApplicationRejectedEvent{ApplicationID: id, Reason: reason, RejectedBy: actor.ID}
		return s.journal.Record(ctx, id, aggregateApplication, EventApplicationRejected, event)
	})
	if err != nil {
		return Application{}, err
	}

	recipient := billing.Recipient{Email: app.Email, Name: app.Name}
	if !s.notifier.SendEvent(ctx, NotificationRejected, recipient, map[string]any{"reason": reason}) {
		s.logger.WithField("application_id", id).Warn("rejection notification not dispatched")
	}
	return app, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (billing.Member, error) {
	return s.repo.GetMember(ctx, id)
}

// UpdateMemberStatus changes a member's administrative status. Members are
// never deleted; deactivation stops obligations from being computed.
func (s *service) UpdateMemberStatus(ctx context.Context, actor billing.Actor, id uuid.UUID, status billing.MemberStatus) (billing.Member, error) {
	if !status.Valid() {
		return billing.Member{}, fmt.Errorf("unknown member status %q: %w", status, billing.ErrInvalidState)
	}

	var (
		member  billing.Member
		changed bool
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == status {
			member = current
			return nil
		}
		member, err = s.repo.UpdateMember(ctx, id, billing.MemberPatch{Status: &status})
		if err != nil {
			return fmt.Errorf("failed to update member status: %w", err)
		}
		changed = true
		event := MemberStatusChangedEvent{MemberID: id, OldStatus: current.Status, NewStatus: status, ChangedBy: actor.ID}
		return s.journal.Record(ctx, id, aggregateMember, EventMemberStatusChanged, event)
	})
	if err != nil {
		return billing.Member{}, err
	}

	if changed {
		s.logger.WithFields(logrus.Fields{"member_id": id, "status": status}).Info("member status changed")
		if !s.notifier.SendEvent(ctx, NotificationStatusChanged, recipientOf(member), map[string]any{"status": string(status)}) {
			s.logger.WithField("member_id", id).Warn("status notification not dispatched")
		}
	}
	return member, nil
}

// Authenticate verifies a member's credentials and returns the member if successful.
func (s *service) Authenticate(ctx context.Context, email, secret string) (billing.Member, error) {
	if !s.loginLimiter.Allow() {
		return billing.Member{}, ErrRateLimited
	}

	member, err := s.repo.GetMemberByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, billing.ErrNotFound) {
		return billing.Member{}, ErrInvalidCredentials
	}
	if err != nil {
		return billing.Member{}, fmt.Errorf("authentication failed: %w", err)
	}

	if err := s.verify(ctx, member.ID, secret); err != nil {
		return billing.Member{}, err
	}
	return member, nil
}

// ChangeCredential replaces the member's secret after verifying the current one.
func (s *service) ChangeCredential(ctx context.Context, memberID uuid.UUID, current, next string) error {
	if len(next) < s.opts.CredentialLength {
		return fmt.Errorf("new secret must have at least %d characters: %w", s.opts.CredentialLength, billing.ErrInvalidState)
	}
	if err := s.verify(ctx, memberID, current); err != nil {
		return err
	}

	hash, salt, err := hashPassword(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.UpsertCredential(ctx, Credential{MemberID: memberID, PasswordHash: hash, Salt: salt}); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
		return s.journal.Record(ctx, memberID, aggregateMember, EventCredentialChanged, map[string]any{"member_id": memberID})
	})
}

func (s *service) verify(ctx context.Context, memberID uuid.UUID, secret string) error {
	cred, err := s.repo.GetCredential(ctx, memberID)
	if errors.Is(err, billing.ErrNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(secret, cred.Salt, cred.PasswordHash)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func recipientOf(m billing.Member) billing.Recipient {
	return billing.Recipient{MemberID: m.ID, Email: m.Email, Name: m.Name}
}
