// internal/payments/implementation.go
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const aggregateMember = "member"

// Sources of a recorded payment.
const (
	sourceObligation  = "obligation"
	sourceAnticipated = "anticipated"
	sourceProject     = "project"
)

// service implements the Service interface.
type service struct {
	repo     Repository
	members  billing.MemberReader
	updates  MemberUpdater
	plans    billing.PlanReader
	journal  Journal
	notifier billing.Notifier
	clock    func() time.Time
	logger   logrus.FieldLogger

	tracer    trace.Tracer
	recorded  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewService creates a new payments service instance.
func NewService(deps Dependencies, logger logrus.FieldLogger) Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	meter := otel.Meter("coopledger/payments")
	recorded, err := meter.Int64Counter("coopledger.billing.payments_recorded",
		metric.WithDescription("Payments written to the ledger by type and source"))
	if err != nil {
		logger.WithError(err).Warn("payments counter unavailable")
		recorded = noop.Int64Counter{}
	}
	conflicts, err := meter.Int64Counter("coopledger.billing.duplicate_rejections",
		metric.WithDescription("Writes rejected because the period or fee was already billed"))
	if err != nil {
		logger.WithError(err).Warn("conflict counter unavailable")
		conflicts = noop.Int64Counter{}
	}

	return &service{
		repo:      deps.Repository,
		members:   deps.Members,
		updates:   deps.MemberUpdates,
		plans:     deps.Plans,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    logger,
		tracer:    otel.Tracer("coopledger/payments"),
		recorded:  recorded,
		conflicts: conflicts,
	}
}

func (s *service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "payments."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// snapshot loads everything the engine needs for one member.
func (s *service) snapshot(ctx context.Context, memberID uuid.UUID) (billing.Member, *billing.Plan, []billing.Payment, error) {
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return billing.Member{}, nil, nil, err
	}
	plan, err := s.planOf(ctx, member)
	if err != nil {
		return billing.Member{}, nil, nil, err
	}
	ledger, err := s.repo.ListPayments(ctx, memberID, billing.PaymentFilter{})
	if err != nil {
		return billing.Member{}, nil, nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return member, plan, ledger, nil
}

// planOf returns nil for a member without a plan or whose plan is gone.
func (s *service) planOf(ctx context.Context, member billing.Member) (*billing.Plan, error) {
	if member.PlanID == nil {
		return nil, nil
	}
	plan, err := s.plans.GetPlan(ctx, *member.PlanID)
	if errors.Is(err, billing.ErrNotFound) {
		s.logger.WithFields(logrus.Fields{"member_id": member.ID, "plan_id": member.PlanID}).Warn("member plan not found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan: %w", err)
	}
	return &plan, nil
}

// NextObligation computes what the member currently owes.
func (s *service) NextObligation(ctx context.Context, memberID uuid.UUID) (view ObligationView, err error) {
	ctx, span := s.start(ctx, "next_obligation", attribute.String("member.id", memberID.String()))
	defer func() { finish(span, err) }()

	member, plan, ledger, err := s.snapshot(ctx, memberID)
	if err != nil {
		return ObligationView{}, err
	}
	now := s.clock()
	view = ObligationView{
		MemberID:   memberID,
		Obligation: billing.NextObligation(member, plan, ledger, now),
		AsOf:       billing.DateOf(now),
	}
	if o := view.Obligation; o != nil {
		span.SetAttributes(
			attribute.String("obligation.type", string(o.Type)),
			attribute.Bool("obligation.overdue", o.Overdue),
			attribute.Bool("obligation.synthesized", o.Synthesized()),
		)
	}
	return view, nil
}

// PayObligation records the payer's submission against the current
// obligation. A synthesized obligation becomes a pending payment; an existing
// pending payment receives the payment metadata.
func (s *service) PayObligation(ctx context.Context, actor billing.Actor, memberID uuid.UUID, meta billing.PaymentMeta) (payment billing.Payment, err error) {
	ctx, span := s.start(ctx, "pay_obligation", attribute.String("member.id", memberID.String()))
	defer func() { finish(span, err) }()

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		member, plan, ledger, err := s.snapshot(ctx, memberID)
		if err != nil {
			return err
		}
		now := s.clock()
		o := billing.NextObligation(member, plan, ledger, now)
		if o == nil {
			return fmt.Errorf("member %s owes nothing: %w", memberID, billing.ErrInvalidState)
		}

		if !o.Synthesized() {
			current, err := s.repo.GetPayment(ctx, *o.PaymentID)
			if err != nil {
				return err
			}
			payment, err = s.repo.UpdatePayment(ctx, current.ID, metaPatch(current, meta))
			if err != nil {
				return fmt.Errorf("failed to attach payment details: %w", err)
			}
			return nil
		}

		candidate := o.ToPayment(memberID, meta, now.UTC())
		if err := billing.CheckDuplicate(ledger, candidate); err != nil {
			s.conflicts.Add(ctx, 1)
			return err
		}
		payment, err = s.create(ctx, actor, candidate, sourceObligation)
		return err
	})
	if err != nil {
		return billing.Payment{}, err
	}
	s.logger.WithFields(logrus.Fields{"member_id": memberID, "payment_id": payment.ID, "type": payment.Type}).Info("obligation paid")
	return payment, nil
}

// AllocateAnticipated writes one pending monthly due per accepted period in a
// single transaction.
func (s *service) AllocateAnticipated(ctx context.Context, actor billing.Actor, memberID uuid.UUID, periods []billing.Period, meta billing.PaymentMeta) (alloc billing.Allocation, err error) {
	ctx, span := s.start(ctx, "allocate_anticipated",
		attribute.String("member.id", memberID.String()),
		attribute.Int("periods.selected", len(periods)),
	)
	defer func() { finish(span, err) }()

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		member, plan, ledger, err := s.snapshot(ctx, memberID)
		if err != nil {
			return err
		}
		alloc, err = billing.AllocateAnticipated(member, plan, ledger, periods, meta, s.clock().UTC())
		if len(alloc.Rejected) > 0 {
			s.conflicts.Add(ctx, int64(len(alloc.Rejected)))
		}
		if err != nil {
			return err
		}
		for i, p := range alloc.Payments {
			created, err := s.create(ctx, actor, p, sourceAnticipated)
			if err != nil {
				return err
			}
			alloc.Payments[i] = created
		}
		return nil
	})
	if err != nil {
		return alloc, err
	}
	span.SetAttributes(attribute.Int("periods.allocated", len(alloc.Payments)))
	s.logger.WithFields(logrus.Fields{
		"member_id": memberID,
		"allocated": len(alloc.Payments),
		"rejected":  len(alloc.Rejected),
		"total":     alloc.Total.StringFixed(2),
	}).Info("anticipated payments allocated")
	return alloc, nil
}

// AllocateProjectPayment records one project installment.
func (s *service) AllocateProjectPayment(ctx context.Context, actor billing.Actor, memberID uuid.UUID, project billing.Project, amount decimal.Decimal, kind billing.ProjectPaymentKind, meta billing.PaymentMeta) (payment billing.Payment, err error) {
	ctx, span := s.start(ctx, "allocate_project_payment",
		attribute.String("member.id", memberID.String()),
		attribute.String("project.id", project.ID.String()),
	)
	defer func() { finish(span, err) }()

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		member, err := s.members.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		candidate, err := billing.AllocateProjectPayment(member, project, amount, kind, meta, s.clock().UTC())
		if err != nil {
			return err
		}
		payment, err = s.create(ctx, actor, candidate, sourceProject)
		return err
	})
	return payment, err
}

func (s *service) create(ctx context.Context, actor billing.Actor, p billing.Payment, source string) (billing.Payment, error) {
	created, err := s.repo.CreatePayment(ctx, p)
	if errors.Is(err, billing.ErrConflict) {
		s.conflicts.Add(ctx, 1)
		return billing.Payment{}, fmt.Errorf("%s already billed: %w", describe(p), err)
	}
	if err != nil {
		return billing.Payment{}, fmt.Errorf("failed to record payment: %w", err)
	}

	event := PaymentRecordedEvent{
		PaymentID:  created.ID,
		Type:       created.Type,
		Amount:     created.Amount,
		Period:     created.Period,
		Source:     source,
		RecordedBy: actor.ID,
	}
	if err := s.journal.Record(ctx, created.MemberID, aggregateMember, EventPaymentRecorded, event); err != nil {
		return billing.Payment{}, fmt.Errorf("failed to append event: %w", err)
	}
	s.recorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(created.Type)),
		attribute.String("source", source),
	))
	return created, nil
}

// ConfirmPayment settles a pending payment. Confirming the enrollment fee
// also marks it paid on the member.
func (s *service) ConfirmPayment(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.Payment, error) {
	payment, err := s.transition(ctx, actor, id, billing.StatusConfirmed, "")
	if err != nil {
		return billing.Payment{}, err
	}
	s.notifyMember(ctx, payment, NotificationConfirmed, nil)
	return payment, nil
}

// CancelPayment voids a pending payment, freeing its period for billing.
func (s *service) CancelPayment(ctx context.Context, actor billing.Actor, id uuid.UUID, reason string) (billing.Payment, error) {
	payment, err := s.transition(ctx, actor, id, billing.StatusCancelled, reason)
	if err != nil {
		return billing.Payment{}, err
	}
	s.notifyMember(ctx, payment, NotificationCancelled, map[string]any{"reason": reason})
	return payment, nil
}

func (s *service) transition(ctx context.Context, actor billing.Actor, id uuid.UUID, to billing.PaymentStatus, reason string) (payment billing.Payment, err error) {
	ctx, span := s.start(ctx, "transition",
		attribute.String("payment.id", id.String()),
		attribute.String("payment.status", string(to)),
	)
	defer func() { finish(span, err) }()

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetPayment(ctx, id)
		if err != nil {
			return err
		}

		now := s.clock().UTC()
		var next billing.Payment
		if to == billing.StatusConfirmed {
			next, err = billing.Confirm(current, now)
		} else {
			next, err = billing.Cancel(current, reason, now)
		}
		if err != nil {
			return err
		}

		patch := billing.PaymentPatch{Status: &next.Status, PaidAt: next.PaidAt}
		if next.Notes != current.Notes {
			patch.Notes = &next.Notes
		}
		payment, err = s.repo.UpdatePayment(ctx, id, patch)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		if payment.Type == billing.TypeEnrollmentFee && to == billing.StatusConfirmed {
			paid := true
			if _, err := s.updates.UpdateMember(ctx, payment.MemberID, billing.MemberPatch{EnrollmentFeePaid: &paid}); err != nil {
				return fmt.Errorf("failed to mark enrollment fee paid: %w", err)
			}
		}

		eventType := EventPaymentConfirmed
		if to == billing.StatusCancelled {
			eventType = EventPaymentCancelled
		}
		event := PaymentStatusEvent{PaymentID: id, Status: to, Reason: reason, By: actor.ID}
		return s.journal.Record(ctx, payment.MemberID, aggregateMember, eventType, event)
	})
	if err != nil {
		return billing.Payment{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"payment_id": id,
		"member_id":  payment.MemberID,
		"status":     to,
		"actor":      actor.ID,
	}).Info("payment status changed")
	return payment, nil
}

func (s *service) notifyMember(ctx context.Context, p billing.Payment, event string, extra map[string]any) {
	member, err := s.members.GetMember(ctx, p.MemberID)
	if err != nil {
		s.logger.WithError(err).WithField("payment_id", p.ID).Warn("notification recipient unavailable")
		return
	}
	data := paymentData(p)
	for k, v := range extra {
		data[k] = v
	}
	if !s.notifier.SendEvent(ctx, event, recipientOf(member), data) {
		s.logger.WithFields(logrus.Fields{"payment_id": p.ID, "event": event}).Warn("notification not dispatched")
	}
}

// ListPayments returns the member's ledger with derived overdue flags.
func (s *service) ListPayments(ctx context.Context, memberID uuid.UUID, filter billing.PaymentFilter) ([]PaymentView, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	ledger, err := s.repo.ListPayments(ctx, memberID, filter)
	if err != nil {
		return nil, err
	}
	return s.views(ledger), nil
}

// ListOverdue returns every pending payment past its due date.
func (s *service) ListOverdue(ctx context.Context) ([]PaymentView, error) {
	overdue, err := s.repo.ListOverdue(ctx, s.clock())
	if err != nil {
		return nil, err
	}
	return s.views(overdue), nil
}

// Stats aggregates the whole ledger, or the payments created since a date.
func (s *service) Stats(ctx context.Context, since *time.Time) (billing.Stats, error) {
	all, err := s.repo.ListAllPayments(ctx, since)
	if err != nil {
		return billing.Stats{}, err
	}
	return billing.Aggregate(all), nil
}

// SendOverdueReminders sends one reminder per member with overdue payments.
// All reminders of a run share one batch id.
func (s *service) SendOverdueReminders(ctx context.Context) (ReminderReport, error) {
	report := ReminderReport{BatchID: uuid.New(), Amount: decimal.Zero}
	ctx, span := s.start(ctx, "overdue_reminders", attribute.String("batch.id", report.BatchID.String()))
	defer span.End()

	overdue, err := s.repo.ListOverdue(ctx, s.clock())
	if err != nil {
		span.RecordError(err)
		return report, err
	}

	var order []uuid.UUID
	byMember := map[uuid.UUID][]billing.Payment{}
	for _, p := range overdue {
		if _, ok := byMember[p.MemberID]; !ok {
			order = append(order, p.MemberID)
		}
		byMember[p.MemberID] = append(byMember[p.MemberID], p)
	}

	ctx = notify.WithBatch(ctx, report.BatchID)
	for _, memberID := range order {
		due := byMember[memberID]
		report.Members++
		report.Payments += len(due)

		member, err := s.members.GetMember(ctx, memberID)
		if err != nil || member.Status != billing.MemberActive {
			report.Skipped++
			continue
		}

		total := decimal.Zero
		items := make([]map[string]any, 0, len(due))
		for _, p := range due {
			total = total.Add(p.Amount)
			items = append(items, paymentData(p))
		}
		report.Amount = report.Amount.Add(total)

		data := map[string]any{"payments": items, "total": total.StringFixed(2)}
		if s.notifier.SendEvent(ctx, NotificationOverdue, recipientOf(member), data) {
			report.Dispatched++
		} else {
			report.Skipped++
		}
	}

	span.SetAttributes(attribute.Int("reminders.dispatched", report.Dispatched))
	s.logger.WithFields(logrus.Fields{
		"batch_id":   report.BatchID,
		"members":    report.Members,
		"payments":   report.Payments,
		"dispatched": report.Dispatched,
		"skipped":    report.Skipped,
	}).Info("overdue reminders sent")
	return report, nil
}

func (s *service) views(ledger []billing.Payment) []PaymentView {
	today := s.clock()
	out := make([]PaymentView, len(ledger))
	for i, p := range ledger {
		out[i] = PaymentView{Payment: p, Overdue: billing.IsOverdue(p, today)}
	}
	return out
}

// metaPatch attaches submission metadata to a stored payment, appending to
// its notes.
func metaPatch(current billing.Payment, meta billing.PaymentMeta) billing.PaymentPatch {
	var patch billing.PaymentPatch
	if meta.Method != "" {
		patch.Method = &meta.Method
	}
	if meta.Reference != "" {
		patch.Reference = &meta.Reference
	}
	if meta.ProofURL != "" {
		patch.ProofURL = &meta.ProofURL
	}
	if meta.Notes != "" {
		notes := meta.Notes
		if current.Notes != "" {
			notes = current.Notes + "; " + meta.Notes
		}
		patch.Notes = &notes
	}
	return patch
}

func paymentData(p billing.Payment) map[string]any {
	data := map[string]any{
		"payment_id": p.ID.String(),
		"type":       string(p.Type),
		"amount":     p.Amount.StringFixed(2),
		"due_date":   p.DueDate.Format(time.DateOnly),
	}
	if p.Period != nil {
		data["period"] = p.Period.String()
	}
	return data
}

func describe(p billing.Payment) string {
	if p.Period != nil {
		return fmt.Sprintf("%s for %s", p.Type, p.Period)
	}
	return string(p.Type)
}

func recipientOf(m billing.Member) billing.Recipient {
	return billing.Recipient{MemberID: m.ID, Email: m.Email, Name: m.Name}
}
