package account

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the holder registry.
type Service interface {
	// Register creates a holder. The first holder ever registered becomes
	// an admin; everyone after that is a user.
	Register(ctx context.Context, in Registration) (*Holder, error)
	Authenticate(ctx context.Context, email, password string) (*Holder, error)
	GetHolder(ctx context.Context, id uuid.UUID) (*Holder, error)
	ListHolders(ctx context.Context) ([]*Holder, error)
}
