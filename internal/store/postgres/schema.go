package postgres

import (
	"context"
	"fmt"
)

// schema is applied by Migrate. The partial unique indexes on payments are the
// authoritative guard against billing a period or an enrollment fee twice.
const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	monthly_amount NUMERIC(14,2) NOT NULL CHECK (monthly_amount > 0),
	enrollment_fee NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (enrollment_fee >= 0),
	due_day        SMALLINT NOT NULL CHECK (due_day BETWEEN 1 AND 31),
	status         TEXT NOT NULL DEFAULT 'active',
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS applications (
	id               UUID PRIMARY KEY,
	name             TEXT NOT NULL,
	email            TEXT NOT NULL,
	phone            TEXT NOT NULL DEFAULT '',
	document         TEXT NOT NULL DEFAULT '',
	address          TEXT NOT NULL DEFAULT '',
	monthly_income   NUMERIC(14,2) NOT NULL DEFAULT 0,
	plan_id          UUID REFERENCES plans(id),
	status           TEXT NOT NULL DEFAULT 'pending',
	notes            TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT '',
	decided_by       TEXT NOT NULL DEFAULT '',
	decided_at       TIMESTAMPTZ,
	member_id        UUID,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS members (
	id                  UUID PRIMARY KEY,
	membership_number   TEXT NOT NULL,
	application_id      UUID NOT NULL REFERENCES applications(id),
	name                TEXT NOT NULL,
	email               TEXT NOT NULL,
	phone               TEXT NOT NULL DEFAULT '',
	document            TEXT NOT NULL DEFAULT '',
	address             TEXT NOT NULL DEFAULT '',
	monthly_income      NUMERIC(14,2) NOT NULL DEFAULT 0,
	status              TEXT NOT NULL DEFAULT 'active',
	plan_id             UUID REFERENCES plans(id),
	enrolled_at         TIMESTAMPTZ NOT NULL,
	enrollment_fee_paid BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT members_membership_number_key UNIQUE (membership_number),
	CONSTRAINT members_application_key UNIQUE (application_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS members_email_lower_key ON members (LOWER(email));

CREATE TABLE IF NOT EXISTS credentials (
	member_id     UUID PRIMARY KEY REFERENCES members(id),
	password_hash TEXT NOT NULL,
	salt          TEXT NOT NULL,
	must_change   BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payments (
	id         UUID PRIMARY KEY,
	member_id  UUID NOT NULL REFERENCES members(id),
	type       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	amount     NUMERIC(14,2) NOT NULL,
	due_date   DATE NOT NULL,
	period_ref CHAR(7),
	paid_at    TIMESTAMPTZ,
	method     TEXT NOT NULL DEFAULT '',
	reference  TEXT NOT NULL DEFAULT '',
	proof_url  TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	project_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((status = 'confirmed') = (paid_at IS NOT NULL)),
	CHECK (type <> 'monthly_due' OR period_ref IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS payments_member_idx ON payments (member_id, created_at);
CREATE INDEX IF NOT EXISTS payments_pending_due_idx ON payments (due_date) WHERE status = 'pending';

CREATE UNIQUE INDEX IF NOT EXISTS payments_monthly_period_key
	ON payments (member_id, period_ref)
	WHERE type = 'monthly_due' AND status IN ('pending', 'confirmed');

CREATE UNIQUE INDEX IF NOT EXISTS payments_enrollment_fee_key
	ON payments (member_id)
	WHERE type = 'enrollment_fee' AND status IN ('pending', 'confirmed');

CREATE TABLE IF NOT EXISTS events (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_data     JSONB NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}',
	version        INTEGER NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT events_aggregate_version_key UNIQUE (aggregate_id, version)
);
`

// Migrate creates the tables and indexes when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", classify(err))
	}
	return nil
}
