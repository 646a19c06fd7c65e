package membership

import (
	"context"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/eventlog"
)

// Service defines the membership store.
type Service interface {
	CreateMembership(ctx context.Context, in NewMembership) (*Membership, error)
	GetMembership(ctx context.Context, id uuid.UUID) (*Membership, error)
	GetMembershipForUpdate(ctx context.Context, id uuid.UUID) (*Membership, error)
	// LookupByHolder returns the holder's most recently created membership.
	LookupByHolder(ctx context.Context, holderID uuid.UUID) (*Membership, error)
	ListMemberships(ctx context.Context, filter ListFilter) ([]*Membership, error)
	Renew(ctx context.Context, id uuid.UUID, d Duration) (*Membership, error)
	Cancel(ctx context.Context, id uuid.UUID) (*Membership, error)
	// ExpireLapsed marks active memberships that ended before asOf as expired.
	ExpireLapsed(ctx context.Context, asOf time.Time) ([]uuid.UUID, error)
	History(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error)
}
