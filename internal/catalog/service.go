package catalog

import (
	"context"

	"github.com/google/uuid"

	"lendingdesk/internal/eventlog"
)

// Service defines the catalog store.
type Service interface {
	AddItem(ctx context.Context, in NewItem) (*Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	// GetItemForUpdate reads the item and locks its row until the
	// surrounding transaction ends.
	GetItemForUpdate(ctx context.Context, id uuid.UUID) (*Item, error)
	UpdateItem(ctx context.Context, id uuid.UUID, patch ItemPatch) (*Item, error)
	SetAvailability(ctx context.Context, id uuid.UUID, to Availability) error
	ListItems(ctx context.Context, filter ListFilter) ([]*Item, error)
	RemoveItem(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error)
}
