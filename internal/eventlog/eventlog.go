// Package eventlog is the append-only audit trail of lending state changes.
// Each aggregate (item, membership, transaction) gets a gapless version
// sequence, and events are written in the same SQL transaction as the state
// change they describe.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
)

const (
	AggregateItem        = "item"
	AggregateMembership  = "membership"
	AggregateTransaction = "transaction"
	AggregateHolder      = "holder"
)

const table = "events"

// Record is what a caller hands to Append.
type Record struct {
	AggregateType string
	AggregateID   uuid.UUID
	Type          string
	Payload       any
	Metadata      map[string]string
}

// Event is a stored record.
type Event struct {
	ID            int64             `json:"id"`
	AggregateID   uuid.UUID         `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	EventType     string            `json:"event_type"`
	EventData     json.RawMessage   `json:"event_data"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int               `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return jsoniter.ConfigFastest.Unmarshal(e.EventData, v)
}

type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Metadata      []byte    `db:"metadata"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r eventRow) toEvent() (Event, error) {
	e := Event{
		ID:            r.ID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := jsoniter.ConfigFastest.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata of event %d: %w", r.ID, err)
		}
	}
	return e, nil
}

// Recorder is the part of the log the stores and the lending engine write
// through.
type Recorder interface {
	Append(ctx context.Context, rec Record) (Event, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}

// Log stores events in PostgreSQL.
type Log struct {
	db     *sqlx.DB
	clock  clock.Clock
	tracer trace.Tracer
}

// New returns a Log stamping events with clk, the same clock the stores
// use for their rows.
func New(db *sqlx.DB, clk clock.Clock) *Log {
	return &Log{
		db:     db,
		clock:  clk,
		tracer: otel.Tracer("lendingdesk/eventlog"),
	}
}

// Append stores rec at the aggregate's next version. The caller is expected
// to hold a lock on the aggregate's row; a concurrent append that slips past
// it surfaces as apperr.ErrConflict through the (aggregate_id, version) key.
func (l *Log) Append(ctx context.Context, rec Record) (Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", rec.AggregateID.String()),
			attribute.String("aggregate.type", rec.AggregateType),
			attribute.String("event.type", rec.Type),
		),
	)
	defer span.End()

	payload, err := jsoniter.ConfigFastest.Marshal(rec.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		if metadata, err = jsoniter.ConfigFastest.Marshal(rec.Metadata); err != nil {
			return Event{}, fmt.Errorf("marshal %s metadata: %w", rec.Type, err)
		}
	}

	conn := database.Conn(ctx, l.db)

	current, err := currentVersion(ctx, conn, rec.AggregateID)
	if err != nil {
		return Event{}, err
	}

	row := eventRow{
		AggregateID:   rec.AggregateID,
		AggregateType: rec.AggregateType,
		EventType:     rec.Type,
		EventData:     payload,
		Metadata:      metadata,
		Version:       current + 1,
		CreatedAt:     l.clock.Now().UTC().Truncate(time.Microsecond),
	}

	insert := database.Dialect.Insert(table).Prepared(true).
		Rows(goqu.Record{
			"aggregate_id":   row.AggregateID,
			"aggregate_type": row.AggregateType,
			"event_type":     row.EventType,
			"event_data":     string(row.EventData),
			"metadata":       string(row.Metadata),
			"version":        row.Version,
			"created_at":     row.CreatedAt,
		}).
		Returning("id")

	if err := database.Get(ctx, conn, &row.ID, insert); err != nil {
		if database.IsUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return Event{}, apperr.Conflict("eventlog.Append", "aggregate %s moved past version %d", rec.AggregateID, current)
		}
		return Event{}, fmt.Errorf("insert %s event: %w", rec.Type, err)
	}

	span.AddEvent("event.appended", trace.WithAttributes(
		attribute.Int64("event.id", row.ID),
		attribute.Int("event.version", row.Version),
	))
	return row.toEvent()
}

// Load returns the aggregate's events ordered by version. A toVersion of zero
// means no upper bound.
func (l *Log) Load(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	where := []goqu.Expression{
		goqu.C("aggregate_id").Eq(aggregateID),
		goqu.C("version").Gte(fromVersion),
	}
	if toVersion > 0 {
		where = append(where, goqu.C("version").Lte(toVersion))
	}

	query := database.Dialect.From(table).Prepared(true).
		Select("id", "aggregate_id", "aggregate_type", "event_type", "event_data", "metadata", "version", "created_at").
		Where(where...).
		Order(goqu.C("version").Asc())

	var rows []eventRow
	if err := database.Select(ctx, database.Conn(ctx, l.db), &rows, query); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// History is Load over the whole version range.
func (l *Log) History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	return l.Load(ctx, aggregateID, 1, 0)
}

// CurrentVersion returns the latest version for an aggregate, zero if it has
// no events.
func (l *Log) CurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := l.tracer.Start(ctx, "eventlog.current_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	v, err := currentVersion(ctx, database.Conn(ctx, l.db), aggregateID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", v))
	return v, nil
}

// CountByType tallies events of one aggregate type since the given instant.
func (l *Log) CountByType(ctx context.Context, aggregateType string, since time.Time) (map[string]int, error) {
	query := database.Dialect.From(table).Prepared(true).
		Select(goqu.C("event_type"), goqu.COUNT(goqu.Star()).As("n")).
		Where(
			goqu.C("aggregate_type").Eq(aggregateType),
			goqu.C("created_at").Gte(since),
		).
		GroupBy("event_type")

	var rows []struct {
		EventType string `db:"event_type"`
		N         int    `db:"n"`
	}
	if err := database.Select(ctx, database.Conn(ctx, l.db), &rows, query); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.EventType] = r.N
	}
	return counts, nil
}

func currentVersion(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	query := database.Dialect.From(table).Prepared(true).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_id").Eq(aggregateID))

	var version int
	if err := database.Get(ctx, q, &version, query); err != nil {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}
