package postgres

import (
	"context"
	"fmt"
	"time"

	"coopledger/internal/membership"

	"github.com/google/uuid"
)

// UpsertCredential stores the member's credential, replacing any existing one
// for the same member instead of failing on the primary key.
func (s *Store) UpsertCredential(ctx context.Context, c membership.Credential) error {
	query := `
		INSERT INTO credentials (member_id, password_hash, salt, must_change, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (member_id) DO UPDATE
		SET password_hash = EXCLUDED.password_hash,
		    salt = EXCLUDED.salt,
		    must_change = EXCLUDED.must_change,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.conn(ctx).ExecContext(ctx, query, c.MemberID, c.PasswordHash, c.Salt, c.MustChange, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential for member %s: %w", c.MemberID, classify(err))
	}
	return nil
}

// GetCredential loads the member's credential.
func (s *Store) GetCredential(ctx context.Context, memberID uuid.UUID) (membership.Credential, error) {
	query := `
		SELECT member_id, password_hash, salt, must_change
		FROM credentials
		WHERE member_id = $1
	`
	var c membership.Credential
	err := s.conn(ctx).QueryRowContext(ctx, query, memberID).Scan(
		&c.MemberID,
		&c.PasswordHash,
		&c.Salt,
		&c.MustChange,
	)
	if err != nil {
		return membership.Credential{}, fmt.Errorf("credential for member %s: %w", memberID, classify(err))
	}
	return c, nil
}
