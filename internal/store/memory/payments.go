package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

// CreatePayment enforces the same uniqueness as the partial indexes of the
// SQL schema.
func (s *Store) CreatePayment(ctx context.Context, p billing.Payment) (billing.Payment, error) {
	defer s.lock(ctx)()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := s.data.members[p.MemberID]; !ok {
		return billing.Payment{}, fmt.Errorf("member %s: %w", p.MemberID, billing.ErrNotFound)
	}
	if err := billing.CheckDuplicate(s.ledgerOf(p.MemberID), p); err != nil {
		return billing.Payment{}, err
	}
	s.data.payments[p.ID] = p
	s.track(p.ID)
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (billing.Payment, error) {
	defer s.lock(ctx)()
	p, ok := s.data.payments[id]
	if !ok {
		return billing.Payment{}, fmt.Errorf("payment %s: %w", id, billing.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, memberID uuid.UUID, filter billing.PaymentFilter) ([]billing.Payment, error) {
	defer s.lock(ctx)()
	var out []billing.Payment
	for _, p := range s.ledgerOf(memberID) {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) UpdatePayment(ctx context.Context, id uuid.UUID, patch billing.PaymentPatch) (billing.Payment, error) {
	defer s.lock(ctx)()
	p, ok := s.data.payments[id]
	if !ok {
		return billing.Payment{}, fmt.Errorf("payment %s: %w", id, billing.ErrNotFound)
	}
	if patch.Status != nil {
		p.Status = *patch.Status
		p.PaidAt = nil
		if patch.PaidAt != nil {
			at := *patch.PaidAt
			p.PaidAt = &at
		}
	}
	if patch.Method != nil {
		p.Method = *patch.Method
	}
	if patch.Reference != nil {
		p.Reference = *patch.Reference
	}
	if patch.ProofURL != nil {
		p.ProofURL = *patch.ProofURL
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	p.UpdatedAt = time.Now().UTC()
	s.data.payments[id] = p
	return p, nil
}

// ListOverdue returns pending payments due before today across all members.
func (s *Store) ListOverdue(ctx context.Context, today time.Time) ([]billing.Payment, error) {
	defer s.lock(ctx)()
	var out []billing.Payment
	for _, p := range s.sorted() {
		if billing.IsOverdue(p, today) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListAllPayments returns every payment in creation order.
func (s *Store) ListAllPayments(ctx context.Context, since *time.Time) ([]billing.Payment, error) {
	defer s.lock(ctx)()
	var out []billing.Payment
	for _, p := range s.sorted() {
		if since == nil || !p.CreatedAt.Before(*since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) ledgerOf(memberID uuid.UUID) []billing.Payment {
	var out []billing.Payment
	for _, p := range s.sorted() {
		if p.MemberID == memberID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) sorted() []billing.Payment {
	out := make([]billing.Payment, 0, len(s.data.payments))
	for _, p := range s.data.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return s.data.order[out[i].ID] < s.data.order[out[j].ID] })
	return out
}
