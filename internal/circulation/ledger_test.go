package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/membership"
	"lendingdesk/internal/testutil"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type env struct {
	db       *sqlx.DB
	clk      *clock.Manual
	catalog  catalog.Service
	members  membership.Service
	events   *eventlog.Log
	engine   circulation.Service
	holderID uuid.UUID
	itemID   uuid.UUID
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(date(2024, 5, 1).Add(9 * time.Hour))
	logger, _ := test.NewNullLogger()
	events := eventlog.New(db, clk)

	e := &env{
		db:      db,
		clk:     clk,
		catalog: catalog.NewService(db, events, clk, logger),
		members: membership.NewService(db, events, clk, logger),
		events:  events,
	}
	e.engine = circulation.NewService(circulation.Deps{
		Ledger:      circulation.NewLedger(db),
		Catalog:     e.catalog,
		Memberships: e.members,
		Tx:          database.NewTransactor(db),
		Events:      events,
		Clock:       clk,
		Logger:      logger,
	})

	e.holderID = testutil.SeedHolder(t, db, "Ada", "user")
	_, err := e.members.CreateMembership(ctx, membership.NewMembership{
		MembershipNo: "M-001",
		HolderID:     e.holderID,
		MemberName:   "Ada",
		Duration:     membership.SixMonths,
	})
	require.NoError(t, err)

	item, err := e.catalog.AddItem(ctx, catalog.NewItem{SerialNo: "B-1", Title: "Dune", Creator: "Frank Herbert", CategoryCode: "SF"})
	require.NoError(t, err)
	e.itemID = item.ID
	return e
}

func TestLendingLifecycle(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	tx, err := e.engine.Issue(ctx, circulation.IssueRequest{
		ItemID: e.itemID, HolderID: e.holderID,
		IssueDate: date(2024, 5, 1), DueDate: date(2024, 5, 10),
	})
	require.NoError(t, err)

	item, err := e.catalog.GetItem(ctx, e.itemID)
	require.NoError(t, err)
	assert.Equal(t, catalog.Issued, item.Availability)

	active, err := e.engine.ListActiveIssues(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Dune", active[0].ItemTitle)
	assert.Equal(t, "Ada", active[0].HolderName)
	assert.Equal(t, date(2024, 5, 10), active[0].DueDate)

	overdue, err := e.engine.ListOverdue(ctx, date(2024, 5, 12))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, 20, overdue[0].EstimatedFine)

	e.clk.Set(date(2024, 5, 13).Add(15 * time.Hour))
	returned, err := e.engine.ReturnItem(ctx, circulation.ReturnRequest{TransactionID: tx.ID})
	require.NoError(t, err)
	assert.Equal(t, 30, returned.Fine)
	assert.False(t, returned.FinePaid)

	stored, err := e.engine.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReturned, stored.Status)
	require.NotNil(t, stored.ActualReturnDate)
	assert.Equal(t, date(2024, 5, 13), *stored.ActualReturnDate)
	assert.Equal(t, 2, stored.Version)

	item, err = e.catalog.GetItem(ctx, e.itemID)
	require.NoError(t, err)
	assert.Equal(t, catalog.Available, item.Availability)

	summary, err := e.engine.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.Summary{
		TotalItems: 1, AvailableItems: 1, ActiveMemberships: 1,
		TotalTransactions: 1, TotalFine: 30, FinePending: 30,
	}, summary)

	_, err = e.engine.PayFine(ctx, tx.ID)
	require.NoError(t, err)
	unpaid, err := e.engine.ListUnpaidFines(ctx)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	history, err := e.engine.History(ctx, tx.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(history))
	for _, ev := range history {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"ItemIssued", "ItemReturned", "FinePaid"}, types)
}

func TestConcurrentIssueOfOneItem(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.engine.Issue(ctx, circulation.IssueRequest{
				ItemID: e.itemID, HolderID: e.holderID,
				IssueDate: date(2024, 5, 1), DueDate: date(2024, 5, 8),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	}

	open, err := e.engine.ListTransactions(ctx, circulation.ListFilter{ItemID: e.itemID, Status: circulation.StatusIssued})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestRemoveItemWithHistoryIsRefused(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	tx, err := e.engine.Issue(ctx, circulation.IssueRequest{
		ItemID: e.itemID, HolderID: e.holderID,
		IssueDate: date(2024, 5, 1), DueDate: date(2024, 5, 1),
	})
	require.NoError(t, err)
	_, err = e.engine.ReturnItem(ctx, circulation.ReturnRequest{TransactionID: tx.ID, ActualReturnDate: date(2024, 5, 1)})
	require.NoError(t, err)

	err = e.engine.RemoveItem(ctx, e.itemID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	spare, err := e.catalog.AddItem(ctx, catalog.NewItem{SerialNo: "B-2", Title: "Emma", Creator: "Jane Austen", CategoryCode: "FIC"})
	require.NoError(t, err)
	require.NoError(t, e.engine.RemoveItem(ctx, spare.ID))
	_, err = e.catalog.GetItem(ctx, spare.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLedgerListScopesByHolder(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	ledger := circulation.NewLedger(e.db)

	other := testutil.SeedHolder(t, e.db, "Bob", "user")
	_, err := e.members.CreateMembership(ctx, membership.NewMembership{
		MembershipNo: "M-002", HolderID: other, MemberName: "Bob", Duration: membership.OneYear,
	})
	require.NoError(t, err)

	second, err := e.catalog.AddItem(ctx, catalog.NewItem{SerialNo: "M-9", Title: "Alien", Creator: "Ridley Scott", CategoryCode: "FILM", Kind: catalog.KindMovie})
	require.NoError(t, err)

	_, err = e.engine.Issue(ctx, circulation.IssueRequest{ItemID: e.itemID, HolderID: e.holderID, IssueDate: date(2024, 5, 1), DueDate: date(2024, 5, 5)})
	require.NoError(t, err)
	_, err = e.engine.Issue(ctx, circulation.IssueRequest{ItemID: second.ID, HolderID: other, IssueDate: date(2024, 5, 1), DueDate: date(2024, 5, 5)})
	require.NoError(t, err)

	mine, err := ledger.List(ctx, circulation.ListFilter{HolderID: e.holderID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, e.itemID, mine[0].ItemID)

	n, err := ledger.CountForItem(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
