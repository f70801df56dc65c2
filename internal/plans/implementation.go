// internal/plans/implementation.go
package plans

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const aggregatePlan = "plan"

// service implements the Service interface.
type service struct {
	repo    Repository
	journal Journal
	cache   *CachedReader
	logger  logrus.FieldLogger
}

// NewService creates a plan catalog that caches reads for ttl.
func NewService(repo Repository, journal Journal, cacheSize int, ttl time.Duration, logger logrus.FieldLogger) Service {
	return &service{
		repo:    repo,
		journal: journal,
		cache:   NewCachedReader(repo, cacheSize, ttl),
		logger:  logger,
	}
}

// AddPlan creates an active plan.
func (s *service) AddPlan(ctx context.Context, terms Terms) (billing.Plan, error) {
	plan := billing.Plan{ID: uuid.New(), Status: billing.PlanActive}
	terms.Name = strings.TrimSpace(terms.Name)
	terms.apply(&plan)
	if err := validate(plan); err != nil {
		return billing.Plan{}, err
	}

	var created billing.Plan
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.repo.CreatePlan(ctx, plan)
		if err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		return s.journal.Record(ctx, created.ID, aggregatePlan, EventPlanAdded, PlanAddedEvent{ID: created.ID, Terms: terms})
	})
	if err != nil {
		return billing.Plan{}, err
	}
	s.logger.WithField("plan_id", created.ID).Info("plan added")
	return created, nil
}

// GetPlan reads through the cache.
func (s *service) GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error) {
	return s.cache.GetPlan(ctx, id)
}

func (s *service) ListPlans(ctx context.Context, status billing.PlanStatus) ([]billing.Plan, error) {
	return s.repo.ListPlans(ctx, status)
}

// UpdatePlan replaces the plan's terms. Only future obligations see the new
// amounts; stored payments keep theirs.
func (s *service) UpdatePlan(ctx context.Context, id uuid.UUID, terms Terms, expectedVersion int) (billing.Plan, error) {
	return s.mutate(ctx, id, expectedVersion, func(p *billing.Plan) (string, any) {
		terms.Name = strings.TrimSpace(terms.Name)
		terms.apply(p)
		return EventPlanUpdated, PlanUpdatedEvent{ID: id, Version: expectedVersion + 1, Terms: terms}
	})
}

// RetirePlan stops the plan from being offered. Members already on it keep
// being billed.
func (s *service) RetirePlan(ctx context.Context, id uuid.UUID, expectedVersion int) (billing.Plan, error) {
	return s.mutate(ctx, id, expectedVersion, func(p *billing.Plan) (string, any) {
		p.Status = billing.PlanRetired
		return EventPlanRetired, PlanRetiredEvent{ID: id, Version: expectedVersion + 1}
	})
}

func (s *service) mutate(ctx context.Context, id uuid.UUID, expectedVersion int, change func(*billing.Plan) (string, any)) (billing.Plan, error) {
	var updated billing.Plan
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		plan, err := s.repo.GetPlan(ctx, id)
		if err != nil {
			return err
		}
		if plan.Version != expectedVersion {
			return fmt.Errorf("plan %s is at version %d, not %d: %w", id, plan.Version, expectedVersion, billing.ErrConflict)
		}
		if plan.Status == billing.PlanRetired {
			return fmt.Errorf("plan %s is retired: %w", id, billing.ErrInvalidState)
		}

		eventType, event := change(&plan)
		if err := validate(plan); err != nil {
			return err
		}
		updated, err = s.repo.UpdatePlan(ctx, plan, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}
		return s.journal.Record(ctx, id, aggregatePlan, eventType, event)
	})
	if err != nil {
		return billing.Plan{}, err
	}

	s.cache.Invalidate(id)
	s.logger.WithFields(logrus.Fields{"plan_id": id, "version": updated.Version}).Info("plan changed")
	return updated, nil
}

func validate(p billing.Plan) error {
	if p.Name == "" {
		return fmt.Errorf("plan name is required: %w", billing.ErrInvalidState)
	}
	return p.Validate()
}
