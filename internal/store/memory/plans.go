package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

func (s *Store) CreatePlan(ctx context.Context, p billing.Plan) (billing.Plan, error) {
	defer s.lock(ctx)()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = billing.PlanActive
	}
	p.Version = 1
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	s.data.plans[p.ID] = p
	return p, nil
}

func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error) {
	defer s.lock(ctx)()
	p, ok := s.data.plans[id]
	if !ok {
		return billing.Plan{}, fmt.Errorf("plan %s: %w", id, billing.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context, status billing.PlanStatus) ([]billing.Plan, error) {
	defer s.lock(ctx)()
	var out []billing.Plan
	for _, p := range s.data.plans {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdatePlan(ctx context.Context, p billing.Plan, expectedVersion int) (billing.Plan, error) {
	defer s.lock(ctx)()
	current, ok := s.data.plans[p.ID]
	if !ok {
		return billing.Plan{}, fmt.Errorf("plan %s: %w", p.ID, billing.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return billing.Plan{}, fmt.Errorf("plan %s changed since version %d: %w", p.ID, expectedVersion, billing.ErrConflict)
	}
	p.Version = current.Version + 1
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.data.plans[p.ID] = p
	return p, nil
}
