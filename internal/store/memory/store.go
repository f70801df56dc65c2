// Package memory is an in-process implementation of the persistence ports
// with the same conflict semantics as the PostgreSQL adapter. Transactions
// are serialized and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/membership"

	"github.com/google/uuid"
)

type txKey struct{}

type state struct {
	applications map[uuid.UUID]membership.Application
	members      map[uuid.UUID]billing.Member
	credentials  map[uuid.UUID]membership.Credential
	payments     map[uuid.UUID]billing.Payment
	plans        map[uuid.UUID]billing.Plan
	seq          int64
	order        map[uuid.UUID]int64
}

func newState() state {
	return state{
		applications: map[uuid.UUID]membership.Application{},
		members:      map[uuid.UUID]billing.Member{},
		credentials:  map[uuid.UUID]membership.Credential{},
		payments:     map[uuid.UUID]billing.Payment{},
		plans:        map[uuid.UUID]billing.Plan{},
		order:        map[uuid.UUID]int64{},
	}
}

func (s state) clone() state {
	c := newState()
	c.seq = s.seq
	for k, v := range s.applications {
		c.applications[k] = v
	}
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.credentials {
		c.credentials[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.order {
		c.order[k] = v
	}
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	data state
}

func New() *Store {
	return &Store{data: newState()}
}

// WithinTx runs fn with exclusive access to the store. Changes made by fn are
// discarded when it returns an error.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// lock takes the store lock unless ctx already runs inside WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) CreateApplication(ctx context.Context, a membership.Application) (membership.Application, error) {
	defer s.lock(ctx)()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Email = strings.ToLower(a.Email)
	a.Status = membership.ApplicationPending
	s.data.applications[a.ID] = a
	s.track(a.ID)
	return a, nil
}

func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (membership.Application, error) {
	defer s.lock(ctx)()
	a, ok := s.data.applications[id]
	if !ok {
		return membership.Application{}, fmt.Errorf("application %s: %w", id, billing.ErrNotFound)
	}
	return a, nil
}

func (s *Store) ListApplications(ctx context.Context, status membership.ApplicationStatus) ([]membership.Application, error) {
	defer s.lock(ctx)()
	var out []membership.Application
	for _, a := range s.data.applications {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.data.order[out[i].ID] < s.data.order[out[j].ID] })
	return out, nil
}

func (s *Store) DecideApplication(ctx context.Context, id uuid.UUID, d membership.Decision) (membership.Application, error) {
	defer s.lock(ctx)()
	a, ok := s.data.applications[id]
	if !ok {
		return membership.Application{}, fmt.Errorf("application %s: %w", id, billing.ErrNotFound)
	}
	if a.Status != membership.ApplicationPending {
		return membership.Application{}, fmt.Errorf("application %s is %s: %w", id, a.Status, billing.ErrInvalidState)
	}
	at := d.At
	a.Status = d.Status
	a.DecidedBy = d.By
	a.DecidedAt = &at
	a.RejectionReason = d.Reason
	a.MemberID = d.MemberID
	a.UpdatedAt = at
	s.data.applications[id] = a
	return a, nil
}

func (s *Store) CreateMember(ctx context.Context, m billing.Member) (billing.Member, error) {
	defer s.lock(ctx)()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Email = strings.ToLower(m.Email)
	for _, existing := range s.data.members {
		switch {
		case existing.MembershipNumber == m.MembershipNumber:
			return billing.Member{}, membership.ErrMembershipNumberTaken
		case existing.Email == m.Email:
			return billing.Member{}, fmt.Errorf("email already registered: %w", billing.ErrConflict)
		case existing.ApplicationID == m.ApplicationID:
			return billing.Member{}, fmt.Errorf("application already provisioned: %w", billing.ErrConflict)
		}
	}
	s.data.members[m.ID] = m
	s.track(m.ID)
	return m, nil
}

func (s *Store) GetMember(ctx context.Context, id uuid.UUID) (billing.Member, error) {
	defer s.lock(ctx)()
	m, ok := s.data.members[id]
	if !ok {
		return billing.Member{}, fmt.Errorf("member %s: %w", id, billing.ErrNotFound)
	}
	return m, nil
}

func (s *Store) GetMemberByEmail(ctx context.Context, email string) (billing.Member, error) {
	defer s.lock(ctx)()
	email = strings.ToLower(email)
	for _, m := range s.data.members {
		if m.Email == email {
			return m, nil
		}
	}
	return billing.Member{}, fmt.Errorf("member with email %s: %w", email, billing.ErrNotFound)
}

func (s *Store) GetMemberByApplication(ctx context.Context, applicationID uuid.UUID) (billing.Member, error) {
	defer s.lock(ctx)()
	for _, m := range s.data.members {
		if m.ApplicationID == applicationID {
			return m, nil
		}
	}
	return billing.Member{}, fmt.Errorf("member for application %s: %w", applicationID, billing.ErrNotFound)
}

func (s *Store) UpdateMember(ctx context.Context, id uuid.UUID, patch billing.MemberPatch) (billing.Member, error) {
	defer s.lock(ctx)()
	m, ok := s.data.members[id]
	if !ok {
		return billing.Member{}, fmt.Errorf("member %s: %w", id, billing.ErrNotFound)
	}
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.EnrollmentFeePaid != nil {
		m.EnrollmentFeePaid = *patch.EnrollmentFeePaid
	}
	if patch.PlanID != nil {
		planID := *patch.PlanID
		m.PlanID = &planID
	}
	m.UpdatedAt = time.Now().UTC()
	s.data.members[id] = m
	return m, nil
}

// Members returns every member, for assertions.
func (s *Store) Members() []billing.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.Member, 0, len(s.data.members))
	for _, m := range s.data.members {
		out = append(out, m)
	}
	return out
}

func (s *Store) UpsertCredential(ctx context.Context, c membership.Credential) error {
	defer s.lock(ctx)()
	if _, ok := s.data.members[c.MemberID]; !ok {
		return fmt.Errorf("member %s: %w", c.MemberID, billing.ErrNotFound)
	}
	s.data.credentials[c.MemberID] = c
	return nil
}

func (s *Store) GetCredential(ctx context.Context, memberID uuid.UUID) (membership.Credential, error) {
	defer s.lock(ctx)()
	c, ok := s.data.credentials[memberID]
	if !ok {
		return membership.Credential{}, fmt.Errorf("credential for member %s: %w", memberID, billing.ErrNotFound)
	}
	return c, nil
}

// track records insertion order, which stands in for creation time when
// timestamps tie.
func (s *Store) track(id uuid.UUID) {
	s.data.seq++
	s.data.order[id] = s.data.seq
}
