package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/calendar"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/membership"
)

// Deps groups what the engine is built from.
type Deps struct {
	Ledger      Ledger
	Catalog     Catalog
	Memberships Memberships
	Tx          Transactor
	Events      eventlog.Recorder
	Clock       clock.Clock
	Logger      logrus.FieldLogger
}

type engineMetrics struct {
	issues        metric.Int64Counter
	returns       metric.Int64Counter
	finesAssessed metric.Int64Counter
	finesPaid     metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) engineMetrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
		}
		return c
	}
	return engineMetrics{
		issues:        counter("lending.issues", "Items issued"),
		returns:       counter("lending.returns", "Items returned"),
		finesAssessed: counter("lending.fines.assessed", "Fine amount assessed on late returns"),
		finesPaid:     counter("lending.fines.paid", "Fine amount marked paid"),
	}
}

// engine implements Service.
type engine struct {
	ledger      Ledger
	catalog     Catalog
	memberships Memberships
	tx          Transactor
	events      eventlog.Recorder
	clock       clock.Clock
	tracer      trace.Tracer
	metrics     engineMetrics
	logger      logrus.FieldLogger
}

// NewService creates the lending engine.
func NewService(d Deps) Service {
	return &engine{
		ledger:      d.Ledger,
		catalog:     d.Catalog,
		memberships: d.Memberships,
		tx:          d.Tx,
		events:      d.Events,
		clock:       d.Clock,
		tracer:      otel.Tracer("lendingdesk/circulation"),
		metrics:     newEngineMetrics(otel.Meter("lendingdesk/circulation")),
		logger:      d.Logger.WithField("component", "circulation"),
	}
}

// Issue lends an AVAILABLE item to a holder with a valid membership.
func (e *engine) Issue(ctx context.Context, req IssueRequest) (*Transaction, error) {
	const op = "circulation.Issue"
	ctx, span := e.tracer.Start(ctx, "circulation.issue",
		trace.WithAttributes(
			attribute.String("item.id", req.ItemID.String()),
			attribute.String("holder.id", req.HolderID.String()),
		),
	)
	defer span.End()

	today := e.today()
	if err := ValidateLoanWindow(today, req.IssueDate, req.DueDate); err != nil {
		return nil, err
	}

	now := e.now()
	t := &Transaction{
		ID:        uuid.New(),
		ItemID:    req.ItemID,
		HolderID:  req.HolderID,
		IssueDate: calendar.Day(req.IssueDate),
		DueDate:   calendar.Day(req.DueDate),
		Remarks:   req.Remarks,
		Status:    StatusIssued,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		item, err := e.catalog.GetItemForUpdate(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if item.Availability != catalog.Available {
			return apperr.InvalidState(op, "item %s is %s", item.ID, item.Availability)
		}

		m, err := e.memberships.LookupByHolder(ctx, req.HolderID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.InvalidState(op, "holder %s has no membership", req.HolderID)
		}
		if err != nil {
			return err
		}
		if !m.ValidOn(today) {
			return apperr.InvalidState(op, "membership %s is %s", m.MembershipNo, m.EffectiveStatus(today))
		}

		if err := e.ledger.Insert(ctx, t); err != nil {
			return err
		}
		if err := e.catalog.SetAvailability(ctx, item.ID, catalog.Issued); err != nil {
			return err
		}
		return e.record(ctx, t.ID, "ItemIssued", ItemIssuedEvent{
			TransactionID: t.ID,
			ItemID:        t.ItemID,
			HolderID:      t.HolderID,
			IssueDate:     calendar.Format(t.IssueDate),
			DueDate:       calendar.Format(t.DueDate),
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.issues.Add(ctx, 1)
	e.logger.WithFields(logrus.Fields{
		"transaction_id": t.ID,
		"item_id":        t.ItemID,
		"holder_id":      t.HolderID,
		"due_date":       calendar.Format(t.DueDate),
	}).Info("item issued")
	return t, nil
}

func (e *engine) StageReturn(ctx context.Context, id uuid.UUID, actual time.Time) (*ReturnPreview, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.stage_return", trace.WithAttributes(attribute.String("transaction.id", id.String())))
	defer span.End()

	t, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusIssued {
		return nil, apperr.InvalidState("circulation.StageReturn", "transaction %s is already returned", id)
	}
	if actual.IsZero() {
		actual = e.today()
	}
	actual = calendar.Day(actual)

	days, fine := LateFine(t.DueDate, actual)
	return &ReturnPreview{
		TransactionID:    t.ID,
		DueDate:          t.DueDate,
		ActualReturnDate: actual,
		DaysFromDue:      days,
		Late:             actual.After(t.DueDate),
		Fine:             fine,
	}, nil
}

// ReturnItem closes an open transaction, assesses the late fine and puts
// the item back on the shelf.
func (e *engine) ReturnItem(ctx context.Context, req ReturnRequest) (*Transaction, error) {
	const op = "circulation.ReturnItem"
	ctx, span := e.tracer.Start(ctx, "circulation.return_item", trace.WithAttributes(attribute.String("transaction.id", req.TransactionID.String())))
	defer span.End()

	actual := req.ActualReturnDate
	if actual.IsZero() {
		actual = e.today()
	}
	actual = calendar.Day(actual)

	var t *Transaction
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = e.ledger.GetForUpdate(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if t.Status != StatusIssued {
			return apperr.InvalidState(op, "transaction %s is already returned", t.ID)
		}

		_, fine := LateFine(t.DueDate, actual)
		t.ActualReturnDate = &actual
		t.Fine = fine
		t.FinePaid = false
		if fine > 0 && req.FinePaid != nil {
			t.FinePaid = *req.FinePaid
		}
		if req.Remarks != nil && *req.Remarks != "" {
			t.Remarks = *req.Remarks
		}
		t.Status = StatusReturned
		t.UpdatedAt = e.now()

		if err := e.ledger.Update(ctx, t); err != nil {
			return err
		}
		if err := e.catalog.SetAvailability(ctx, t.ItemID, catalog.Available); err != nil {
			return err
		}
		return e.record(ctx, t.ID, "ItemReturned", ItemReturnedEvent{
			TransactionID:    t.ID,
			ItemID:           t.ItemID,
			ActualReturnDate: calendar.Format(actual),
			Fine:             t.Fine,
			FinePaid:         t.FinePaid,
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.metrics.returns.Add(ctx, 1)
	if t.Fine > 0 {
		e.metrics.finesAssessed.Add(ctx, int64(t.Fine))
		if t.FinePaid {
			e.metrics.finesPaid.Add(ctx, int64(t.Fine))
		}
	}
	e.logger.WithFields(logrus.Fields{
		"transaction_id": t.ID,
		"item_id":        t.ItemID,
		"fine":           t.Fine,
		"fine_paid":      t.FinePaid,
	}).Info("item returned")
	return t, nil
}

// PayFine settles the fine on a transaction. Paying a zero or already paid
// fine changes nothing.
func (e *engine) PayFine(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.pay_fine", trace.WithAttributes(attribute.String("transaction.id", id.String())))
	defer span.End()

	var (
		t    *Transaction
		paid bool
	)
	err := e.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = e.ledger.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Fine == 0 || t.FinePaid {
			return nil
		}

		t.FinePaid = true
		t.UpdatedAt = e.now()
		if err := e.ledger.Update(ctx, t); err != nil {
			return err
		}
		paid = true
		return e.record(ctx, t.ID, "FinePaid", FinePaidEvent{TransactionID: t.ID, Fine: t.Fine})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if paid {
		e.metrics.finesPaid.Add(ctx, int64(t.Fine))
		e.logger.WithFields(logrus.Fields{"transaction_id": t.ID, "fine": t.Fine}).Info("fine paid")
	}
	return t, nil
}

func (e *engine) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.get_transaction", trace.WithAttributes(attribute.String("transaction.id", id.String())))
	defer span.End()

	return e.ledger.Get(ctx, id)
}

func (e *engine) ListTransactions(ctx context.Context, filter ListFilter) ([]TransactionView, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.list_transactions")
	defer span.End()

	if filter.Status != "" && filter.Status != StatusIssued && filter.Status != StatusReturned {
		return nil, apperr.Validation("circulation.ListTransactions", "unknown status %q", filter.Status)
	}
	return e.ledger.List(ctx, filter)
}

func (e *engine) ListActiveIssues(ctx context.Context) ([]TransactionView, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.list_active_issues")
	defer span.End()

	return e.ledger.List(ctx, ListFilter{Status: StatusIssued})
}

// ListOverdue reports open transactions due before asOf with the fine each
// would carry if returned on asOf.
func (e *engine) ListOverdue(ctx context.Context, asOf time.Time) ([]OverdueEntry, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.list_overdue")
	defer span.End()

	if asOf.IsZero() {
		asOf = e.today()
	}
	asOf = calendar.Day(asOf)

	views, err := e.ledger.List(ctx, ListFilter{Status: StatusIssued, DueBefore: asOf})
	if err != nil {
		return nil, err
	}

	entries := make([]OverdueEntry, 0, len(views))
	for _, v := range views {
		days, fine := EstimateOverdue(v.DueDate, asOf)
		entries = append(entries, OverdueEntry{TransactionView: v, DaysOverdue: days, EstimatedFine: fine})
	}
	span.SetAttributes(attribute.Int("overdue.count", len(entries)))
	return entries, nil
}

func (e *engine) ListUnpaidFines(ctx context.Context) ([]TransactionView, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.list_unpaid_fines")
	defer span.End()

	return e.ledger.List(ctx, ListFilter{UnpaidFines: true})
}

func (e *engine) Summary(ctx context.Context) (Summary, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.summary")
	defer span.End()

	return e.ledger.Summary(ctx, e.today())
}

func (e *engine) History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.history", trace.WithAttributes(attribute.String("transaction.id", id.String())))
	defer span.End()

	if _, err := e.ledger.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.events.History(ctx, id)
}

// RemoveItem refuses to delete items with any transaction on record so the
// ledger never points at a missing item.
func (e *engine) RemoveItem(ctx context.Context, itemID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "circulation.remove_item", trace.WithAttributes(attribute.String("item.id", itemID.String())))
	defer span.End()

	return e.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.catalog.GetItemForUpdate(ctx, itemID); err != nil {
			return err
		}
		n, err := e.ledger.CountForItem(ctx, itemID)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperr.InvalidState("circulation.RemoveItem", "item %s has %d transactions on record", itemID, n)
		}
		return e.catalog.RemoveItem(ctx, itemID)
	})
}

func (e *engine) RenewOrCancelMembership(ctx context.Context, id uuid.UUID, action membership.Action, d membership.Duration) (*membership.Membership, error) {
	const op = "circulation.RenewOrCancelMembership"
	ctx, span := e.tracer.Start(ctx, "circulation.renew_or_cancel_membership",
		trace.WithAttributes(
			attribute.String("membership.id", id.String()),
			attribute.String("action", string(action)),
		),
	)
	defer span.End()

	switch action {
	case membership.Extend:
		if d == "" {
			return nil, apperr.Validation(op, "duration is required to extend a membership")
		}
		return e.memberships.Renew(ctx, id, d)
	case membership.Cancel:
		return e.memberships.Cancel(ctx, id)
	default:
		return nil, apperr.Validation(op, "unknown action %q", action)
	}
}

func (e *engine) record(ctx context.Context, id uuid.UUID, eventType string, payload any) error {
	if _, err := e.events.Append(ctx, eventlog.Record{
		AggregateType: eventlog.AggregateTransaction,
		AggregateID:   id,
		Type:          eventType,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (e *engine) now() time.Time {
	return e.clock.Now().Truncate(time.Microsecond)
}

func (e *engine) today() time.Time {
	return calendar.Day(e.clock.Now())
}
