// Package eventstore is the append-only journal of member and payment events.
// Each aggregate has its own stream with gapless versions starting at 1.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coopledger/internal/billing"
	"coopledger/internal/store/postgres"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrConcurrencyConflict = fmt.Errorf("concurrency conflict: version mismatch: %w", billing.ErrConflict)

// Event represents a domain event with full metadata
type Event struct {
	ID            int64           `json:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventStore journals events through the PostgreSQL store, joining any
// transaction carried by the context.
type EventStore struct {
	store  *postgres.Store
	tracer trace.Tracer
}

func New(store *postgres.Store) *EventStore {
	return &EventStore{
		store:  store,
		tracer: otel.Tracer("coopledger/eventstore"),
	}
}

// Record appends one event at the next version of the aggregate's stream.
func (es *EventStore) Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	return es.store.WithinTx(ctx, func(ctx context.Context) error {
		version, err := es.CurrentVersion(ctx, aggregateID)
		if err != nil {
			return err
		}
		return es.Append(ctx, aggregateID, aggregateType, version, []Event{{
			EventType: eventType,
			EventData: payload,
			Metadata:  traceMetadata(ctx),
		}})
	})
}

// Append atomically appends events with optimistic concurrency control
func (es *EventStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	return es.store.WithinTx(ctx, func(ctx context.Context) error {
		conn := postgres.Conn(ctx, es.store.DB())

		current, err := es.CurrentVersion(ctx, aggregateID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			span.SetAttributes(
				attribute.Int("actual.version", current),
				attribute.Bool("conflict.detected", true),
			)
			return ErrConcurrencyConflict
		}

		for i, event := range events {
			version := expectedVersion + i + 1
			metadataJSON, err := json.Marshal(event.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}

			var eventID int64
			err = conn.QueryRowContext(ctx, `
				INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id
			`, aggregateID, aggregateType, event.EventType, []byte(event.EventData), metadataJSON, version, time.Now().UTC()).Scan(&eventID)
			if err != nil {
				if postgres.IsUniqueViolation(err) {
					return ErrConcurrencyConflict
				}
				return fmt.Errorf("insert event %d: %w", i, postgres.Classify(err))
			}

			span.AddEvent("event.appended", trace.WithAttributes(
				attribute.Int64("event.id", eventID),
				attribute.Int("event.version", version),
				attribute.String("event.type", event.EventType),
			))
		}
		return nil
	})
}

// CurrentVersion returns the latest version for an aggregate, 0 when the
// stream is empty.
func (es *EventStore) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	var version int
	err := postgres.Conn(ctx, es.store.DB()).QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", postgres.Classify(err))
	}
	return version, nil
}

// Load retrieves an aggregate's events from fromVersion on, up to toVersion
// when it is positive.
func (es *EventStore) Load(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM events
		WHERE aggregate_id = $1
		AND version >= $2
	`
	args := []any{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	events, err := es.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Stream provides a cursor over all streams for projections and exports.
func (es *EventStore) Stream(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	events, err := es.query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (es *EventStore) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := postgres.Conn(ctx, es.store.DB()).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", postgres.Classify(err))
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event        Event
			data         []byte
			metadataJSON []byte
		)
		err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&data,
			&metadataJSON,
			&event.Version,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", postgres.Classify(err))
		}
		event.EventData = data
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", postgres.Classify(err))
	}
	return events, nil
}

func traceMetadata(ctx context.Context) map[string]any {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return map[string]any{}
	}
	return map[string]any{"trace_id": sc.TraceID().String()}
}
