package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/catalog"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/membership"
)

// Service is the lending engine. Every mutating operation runs in a single
// database transaction spanning the ledger, the catalog and the event log.
type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*Transaction, error)
	// StageReturn computes what a return on actual would record without
	// writing anything.
	StageReturn(ctx context.Context, id uuid.UUID, actual time.Time) (*ReturnPreview, error)
	ReturnItem(ctx context.Context, req ReturnRequest) (*Transaction, error)
	PayFine(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)

	ListTransactions(ctx context.Context, filter ListFilter) ([]TransactionView, error)
	ListActiveIssues(ctx context.Context) ([]TransactionView, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]OverdueEntry, error)
	ListUnpaidFines(ctx context.Context) ([]TransactionView, error)
	Summary(ctx context.Context) (Summary, error)
	History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error)

	// RemoveItem deletes a catalog item nothing has ever borrowed.
	RemoveItem(ctx context.Context, itemID uuid.UUID) error
	RenewOrCancelMembership(ctx context.Context, id uuid.UUID, action membership.Action, d membership.Duration) (*membership.Membership, error)
}

// Ledger persists transactions.
type Ledger interface {
	Insert(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// Update writes the mutable fields guarded by t.Version and bumps it.
	Update(ctx context.Context, t *Transaction) error
	CountForItem(ctx context.Context, itemID uuid.UUID) (int, error)
	List(ctx context.Context, filter ListFilter) ([]TransactionView, error)
	Summary(ctx context.Context, today time.Time) (Summary, error)
}

// Catalog is the part of the catalog store the engine drives.
type Catalog interface {
	GetItemForUpdate(ctx context.Context, id uuid.UUID) (*catalog.Item, error)
	SetAvailability(ctx context.Context, id uuid.UUID, to catalog.Availability) error
	RemoveItem(ctx context.Context, id uuid.UUID) error
}

// Memberships is the part of the membership store the engine drives.
type Memberships interface {
	LookupByHolder(ctx context.Context, holderID uuid.UUID) (*membership.Membership, error)
	Renew(ctx context.Context, id uuid.UUID, d membership.Duration) (*membership.Membership, error)
	Cancel(ctx context.Context, id uuid.UUID) (*membership.Membership, error)
}

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
