// internal/membership/service.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coopledger/internal/billing"

	"github.com/google/uuid"
)

var (
	// ErrMembershipNumberTaken reports a collision on a generated membership
	// number. Provisioning retries with a fresh number.
	ErrMembershipNumberTaken = fmt.Errorf("membership number taken: %w", billing.ErrConflict)
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrInvalidCredentials    = errors.New("invalid credentials")
)

// Service defines the interface for the membership service.
type Service interface {
	SubmitApplication(ctx context.Context, app Application) (Application, error)
	GetApplication(ctx context.Context, id uuid.UUID) (Application, error)
	ListApplications(ctx context.Context, status ApplicationStatus) ([]Application, error)
	ApproveApplication(ctx context.Context, actor billing.Actor, id uuid.UUID) (ProvisionResult, error)
	RejectApplication(ctx context.Context, actor billing.Actor, id uuid.UUID, reason string) (Application, error)
	GetMember(ctx context.Context, id uuid.UUID) (billing.Member, error)
	UpdateMemberStatus(ctx context.Context, actor billing.Actor, id uuid.UUID, status billing.MemberStatus) (billing.Member, error)
	Authenticate(ctx context.Context, email, secret string) (billing.Member, error)
	ChangeCredential(ctx context.Context, memberID uuid.UUID, current, next string) error
}

// Repository is the persistence the membership service needs. Calls made
// with the context handed to WithinTx's callback join its transaction.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateApplication(ctx context.Context, a Application) (Application, error)
	GetApplication(ctx context.Context, id uuid.UUID) (Application, error)
	ListApplications(ctx context.Context, status ApplicationStatus) ([]Application, error)
	DecideApplication(ctx context.Context, id uuid.UUID, d Decision) (Application, error)

	billing.MemberReader
	billing.MemberWriter
	GetMemberByEmail(ctx context.Context, email string) (billing.Member, error)
	GetMemberByApplication(ctx context.Context, applicationID uuid.UUID) (billing.Member, error)

	UpsertCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, memberID uuid.UUID) (Credential, error)
}

// Journal appends domain events to an aggregate's stream.
type Journal interface {
	Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, data any) error
}

// Locker serializes work on a key across processes. Acquire fails with
// billing.ErrConflict when another holder owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
