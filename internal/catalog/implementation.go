package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
)

const itemsTable = "items"

var itemColumns = []interface{}{
	"id", "serial_no", "title", "creator", "category_code", "publication_year",
	"kind", "availability", "version", "created_at", "updated_at",
}

// service implements Service on PostgreSQL.
type service struct {
	db     *sqlx.DB
	events eventlog.Recorder
	clock  clock.Clock
	tracer trace.Tracer
	logger logrus.FieldLogger
}

// NewService creates a new catalog service instance.
func NewService(db *sqlx.DB, events eventlog.Recorder, clk clock.Clock, logger logrus.FieldLogger) Service {
	return &service{
		db:     db,
		events: events,
		clock:  clk,
		tracer: otel.Tracer("lendingdesk/catalog"),
		logger: logger.WithField("component", "catalog"),
	}
}

// AddItem catalogues a new item as AVAILABLE.
func (s *service) AddItem(ctx context.Context, in NewItem) (*Item, error) {
	const op = "catalog.AddItem"
	ctx, span := s.tracer.Start(ctx, "catalog.add_item")
	defer span.End()

	in.normalize()
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	item := &Item{
		ID:              uuid.New(),
		SerialNo:        in.SerialNo,
		Title:           in.Title,
		Creator:         in.Creator,
		CategoryCode:    in.CategoryCode,
		PublicationYear: in.PublicationYear,
		Kind:            in.Kind,
		Availability:    Available,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		insert := database.Dialect.Insert(itemsTable).Prepared(true).Rows(goqu.Record{
			"id":               item.ID,
			"serial_no":        item.SerialNo,
			"title":            item.Title,
			"creator":          item.Creator,
			"category_code":    item.CategoryCode,
			"publication_year": nullableInt(item.PublicationYear),
			"kind":             item.Kind,
			"availability":     item.Availability,
			"version":          item.Version,
			"created_at":       item.CreatedAt,
			"updated_at":       item.UpdatedAt,
		})
		if _, err := database.Exec(ctx, database.Conn(ctx, s.db), insert); err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.DuplicateKey(op, "serial number %q is already catalogued", item.SerialNo)
			}
			return fmt.Errorf("failed to insert item: %w", err)
		}
		return s.record(ctx, item.ID, "ItemAdded", ItemAddedEvent{
			ID:       item.ID,
			SerialNo: item.SerialNo,
			Title:    item.Title,
			Creator:  item.Creator,
			Kind:     item.Kind,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"item_id": item.ID, "serial_no": item.SerialNo}).Info("item added")
	return item, nil
}

// GetItem retrieves an item by its ID.
func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_item", trace.WithAttributes(attribute.String("item.id", id.String())))
	defer span.End()

	return s.get(ctx, id, false)
}

func (s *service) GetItemForUpdate(ctx context.Context, id uuid.UUID) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.get_item_for_update", trace.WithAttributes(attribute.String("item.id", id.String())))
	defer span.End()

	return s.get(ctx, id, true)
}

func (s *service) get(ctx context.Context, id uuid.UUID, lock bool) (*Item, error) {
	query := database.Dialect.From(itemsTable).Prepared(true).
		Select(itemColumns...).
		Where(goqu.C("id").Eq(id))
	if lock {
		query = query.ForUpdate(exp.Wait)
	}

	item := &Item{}
	if err := database.Get(ctx, database.Conn(ctx, s.db), item, query); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("catalog.GetItem", "item with ID %s not found", id)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// UpdateItem merges patch into the stored item.
func (s *service) UpdateItem(ctx context.Context, id uuid.UUID, patch ItemPatch) (*Item, error) {
	const op = "catalog.UpdateItem"
	ctx, span := s.tracer.Start(ctx, "catalog.update_item", trace.WithAttributes(attribute.String("item.id", id.String())))
	defer span.End()

	var updated Item
	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		current, err := s.get(ctx, id, true)
		if err != nil {
			return err
		}
		updated, err = patch.apply(*current)
		if err != nil {
			return err
		}

		set := goqu.Record{
			"serial_no":        updated.SerialNo,
			"title":            updated.Title,
			"creator":          updated.Creator,
			"category_code":    updated.CategoryCode,
			"publication_year": nullableInt(updated.PublicationYear),
			"kind":             updated.Kind,
			"availability":     updated.Availability,
		}
		if err := s.update(ctx, &updated, set); err != nil {
			if database.IsUniqueViolation(err) {
				return apperr.DuplicateKey(op, "serial number %q is already catalogued", updated.SerialNo)
			}
			return err
		}
		return s.record(ctx, id, "ItemUpdated", ItemUpdatedEvent{ID: id, Patch: patch})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &updated, nil
}

// SetAvailability moves the item to a new availability state. It is the
// lending engine's write path and does not apply the UpdateItem restrictions.
func (s *service) SetAvailability(ctx context.Context, id uuid.UUID, to Availability) error {
	ctx, span := s.tracer.Start(ctx, "catalog.set_availability",
		trace.WithAttributes(
			attribute.String("item.id", id.String()),
			attribute.String("availability", string(to)),
		),
	)
	defer span.End()

	if !to.Valid() {
		return apperr.Validation("catalog.SetAvailability", "unknown availability %q", to)
	}

	return database.WithTx(ctx, s.db, func(ctx context.Context) error {
		item, err := s.get(ctx, id, true)
		if err != nil {
			return err
		}
		if item.Availability == to {
			return nil
		}
		from := item.Availability
		if err := s.update(ctx, item, goqu.Record{"availability": to}); err != nil {
			return err
		}
		return s.record(ctx, id, "AvailabilityChanged", AvailabilityChangedEvent{ID: id, From: from, To: to})
	})
}

// ListItems returns items ordered by serial number.
func (s *service) ListItems(ctx context.Context, filter ListFilter) ([]*Item, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.list_items")
	defer span.End()

	query := database.Dialect.From(itemsTable).Prepared(true).
		Select(itemColumns...).
		Order(goqu.C("serial_no").Asc())
	if filter.Availability != "" {
		query = query.Where(goqu.C("availability").Eq(filter.Availability))
	}
	if filter.Kind != "" {
		query = query.Where(goqu.C("kind").Eq(filter.Kind))
	}

	items := []*Item{}
	if err := database.Select(ctx, database.Conn(ctx, s.db), &items, query); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	span.SetAttributes(attribute.Int("items.count", len(items)))
	return items, nil
}

// RemoveItem deletes the item row. The event history is kept.
func (s *service) RemoveItem(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "catalog.remove_item", trace.WithAttributes(attribute.String("item.id", id.String())))
	defer span.End()

	err := database.WithTx(ctx, s.db, func(ctx context.Context) error {
		item, err := s.get(ctx, id, true)
		if err != nil {
			return err
		}

		del := database.Dialect.Delete(itemsTable).Prepared(true).Where(goqu.C("id").Eq(id))
		if _, err := database.Exec(ctx, database.Conn(ctx, s.db), del); err != nil {
			if database.IsForeignKeyViolation(err) {
				return apperr.InvalidState("catalog.RemoveItem", "item %s is referenced by transactions", id)
			}
			return fmt.Errorf("failed to delete item: %w", err)
		}
		return s.record(ctx, id, "ItemRemoved", ItemRemovedEvent{ID: id, SerialNo: item.SerialNo})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.logger.WithField("item_id", id).Info("item removed")
	return nil
}

func (s *service) History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error) {
	return s.events.History(ctx, id)
}

// update writes set plus the version bump, guarded by the version item was
// read at.
func (s *service) update(ctx context.Context, item *Item, set goqu.Record) error {
	now := s.now()
	set["version"] = goqu.L("version + 1")
	set["updated_at"] = now

	stmt := database.Dialect.Update(itemsTable).Prepared(true).
		Set(set).
		Where(goqu.C("id").Eq(item.ID), goqu.C("version").Eq(item.Version))

	n, err := database.Exec(ctx, database.Conn(ctx, s.db), stmt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("catalog.update", "item %s changed since version %d", item.ID, item.Version)
	}

	item.Version++
	item.UpdatedAt = now
	return nil
}

func (s *service) record(ctx context.Context, id uuid.UUID, eventType string, payload any) error {
	if _, err := s.events.Append(ctx, eventlog.Record{
		AggregateType: eventlog.AggregateItem,
		AggregateID:   id,
		Type:          eventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (s *service) now() time.Time {
	return s.clock.Now().Truncate(time.Microsecond)
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
