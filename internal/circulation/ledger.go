package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/calendar"
	"lendingdesk/internal/database"
)

const (
	transactionsTable = "transactions"
	oneOpenPerItemIdx = "transactions_one_open_per_item"
)

var transactionColumns = []interface{}{
	"id", "item_id", "holder_id", "issue_date", "due_date", "actual_return_date",
	"fine", "fine_paid", "remarks", "status", "version", "created_at", "updated_at",
}

// PostgresLedger stores transactions in PostgreSQL. It joins the
// transaction carried by the context, if any.
type PostgresLedger struct {
	db *sqlx.DB
}

func NewLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Insert(ctx context.Context, t *Transaction) error {
	const op = "circulation.Insert"
	insert := database.Dialect.Insert(transactionsTable).Prepared(true).Rows(goqu.Record{
		"id":         t.ID,
		"item_id":    t.ItemID,
		"holder_id":  t.HolderID,
		"issue_date": t.IssueDate,
		"due_date":   t.DueDate,
		"fine":       t.Fine,
		"fine_paid":  t.FinePaid,
		"remarks":    t.Remarks,
		"status":     t.Status,
		"version":    t.Version,
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	})
	if _, err := database.Exec(ctx, database.Conn(ctx, l.db), insert); err != nil {
		switch {
		case database.IsUniqueViolation(err) && database.Constraint(err) == oneOpenPerItemIdx:
			return apperr.InvalidState(op, "item %s already has an open transaction", t.ItemID)
		case database.IsUniqueViolation(err):
			return apperr.DuplicateKey(op, "transaction %s already exists", t.ID)
		case database.IsForeignKeyViolation(err):
			return apperr.Validation(op, "item %s or holder %s does not exist", t.ItemID, t.HolderID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return l.get(ctx, id, false)
}

func (l *PostgresLedger) GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return l.get(ctx, id, true)
}

func (l *PostgresLedger) get(ctx context.Context, id uuid.UUID, lock bool) (*Transaction, error) {
	query := database.Dialect.From(transactionsTable).Prepared(true).
		Select(transactionColumns...).
		Where(goqu.C("id").Eq(id))
	if lock {
		query = query.ForUpdate(exp.Wait)
	}

	t := &Transaction{}
	if err := database.Get(ctx, database.Conn(ctx, l.db), t, query); err != nil {
		if database.IsNoRows(err) {
			return nil, apperr.NotFound("circulation.Get", "transaction with ID %s not found", id)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	t.normalizeDates()
	return t, nil
}

func (l *PostgresLedger) Update(ctx context.Context, t *Transaction) error {
	var actual interface{}
	if t.ActualReturnDate != nil {
		actual = *t.ActualReturnDate
	}

	stmt := database.Dialect.Update(transactionsTable).Prepared(true).
		Set(goqu.Record{
			"actual_return_date": actual,
			"fine":               t.Fine,
			"fine_paid":          t.FinePaid,
			"remarks":            t.Remarks,
			"status":             t.Status,
			"version":            goqu.L("version + 1"),
			"updated_at":         t.UpdatedAt,
		}).
		Where(goqu.C("id").Eq(t.ID), goqu.C("version").Eq(t.Version))

	n, err := database.Exec(ctx, database.Conn(ctx, l.db), stmt)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("circulation.Update", "transaction %s changed since version %d", t.ID, t.Version)
	}
	t.Version++
	return nil
}

func (l *PostgresLedger) CountForItem(ctx context.Context, itemID uuid.UUID) (int, error) {
	query := database.Dialect.From(transactionsTable).Prepared(true).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("item_id").Eq(itemID))

	var n int
	if err := database.Get(ctx, database.Conn(ctx, l.db), &n, query); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// List returns joined views. Overdue listings come back oldest due date
// first, everything else newest issue first.
func (l *PostgresLedger) List(ctx context.Context, filter ListFilter) ([]TransactionView, error) {
	cols := make([]interface{}, 0, len(transactionColumns)+5)
	for _, c := range transactionColumns {
		cols = append(cols, goqu.I("t."+c.(string)))
	}
	cols = append(cols,
		goqu.COALESCE(goqu.I("i.serial_no"), "").As("item_serial_no"),
		goqu.COALESCE(goqu.I("i.title"), "").As("item_title"),
		goqu.COALESCE(goqu.I("i.creator"), "").As("item_creator"),
		goqu.COALESCE(goqu.I("h.name"), "").As("holder_name"),
		goqu.COALESCE(goqu.I("h.email"), "").As("holder_email"),
	)

	query := database.Dialect.From(goqu.T(transactionsTable).As("t")).Prepared(true).
		LeftJoin(goqu.T("items").As("i"), goqu.On(goqu.I("i.id").Eq(goqu.I("t.item_id")))).
		LeftJoin(goqu.T("holders").As("h"), goqu.On(goqu.I("h.id").Eq(goqu.I("t.holder_id")))).
		Select(cols...)

	if filter.HolderID != uuid.Nil {
		query = query.Where(goqu.I("t.holder_id").Eq(filter.HolderID))
	}
	if filter.ItemID != uuid.Nil {
		query = query.Where(goqu.I("t.item_id").Eq(filter.ItemID))
	}
	if filter.Status != "" {
		query = query.Where(goqu.I("t.status").Eq(filter.Status))
	}
	if filter.UnpaidFines {
		query = query.Where(goqu.I("t.fine").Gt(0), goqu.I("t.fine_paid").IsFalse())
	}
	if !filter.DueBefore.IsZero() {
		query = query.Where(goqu.I("t.due_date").Lt(calendar.Day(filter.DueBefore))).
			Order(goqu.I("t.due_date").Asc(), goqu.I("t.created_at").Asc())
	} else {
		query = query.Order(goqu.I("t.issue_date").Desc(), goqu.I("t.created_at").Desc())
	}

	views := []TransactionView{}
	if err := database.Select(ctx, database.Conn(ctx, l.db), &views, query); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	for i := range views {
		views[i].normalizeDates()
	}
	return views, nil
}

// Summary counts items, memberships and transactions in one statement.
// A membership counts as active while its end date is not before today.
func (l *PostgresLedger) Summary(ctx context.Context, today time.Time) (Summary, error) {
	count := func(table string, where ...exp.Expression) *goqu.SelectDataset {
		return database.Dialect.From(table).Select(goqu.COUNT(goqu.Star())).Where(where...)
	}
	sumFine := func(where ...exp.Expression) *goqu.SelectDataset {
		return database.Dialect.From(transactionsTable).
			Select(goqu.COALESCE(goqu.SUM("fine"), 0)).
			Where(where...)
	}

	query := database.Dialect.Select(
		count("items").As("total_items"),
		count("items", goqu.C("availability").Eq("ISSUED")).As("issued_items"),
		count("items", goqu.C("availability").Eq("AVAILABLE")).As("available_items"),
		count("memberships",
			goqu.C("status").Eq("active"),
			goqu.C("end_date").Gte(calendar.Day(today)),
		).As("active_memberships"),
		count(transactionsTable).As("total_transactions"),
		count(transactionsTable, goqu.C("status").Eq(StatusIssued)).As("pending_returns"),
		sumFine().As("total_fine"),
		sumFine(goqu.C("fine_paid").IsTrue()).As("fine_collected"),
		sumFine(goqu.C("fine_paid").IsFalse()).As("fine_pending"),
	).Prepared(true)

	var s Summary
	if err := database.Get(ctx, database.Conn(ctx, l.db), &s, query); err != nil {
		return Summary{}, fmt.Errorf("failed to build summary: %w", err)
	}
	return s, nil
}
