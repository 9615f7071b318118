package application

import (
	"context"

	"github.com/pageturn/bookstore/internal/cart/domain"
)

// Repository owns the transactional cart mutations. Each call is one DB
// transaction that locks the affected variant rows before adjusting
// reservations.
type Repository interface {
	AddItem(ctx context.Context, id domain.Identity, variantID string, qty int) (domain.Snapshot, error)
	UpdateQuantity(ctx context.Context, id domain.Identity, itemID string, qty int) (domain.Snapshot, error)
	RemoveItem(ctx context.Context, id domain.Identity, itemID string) (domain.Snapshot, error)
	Clear(ctx context.Context, id domain.Identity) (domain.Snapshot, error)
	Get(ctx context.Context, id domain.Identity) (domain.Snapshot, error)
	Merge(ctx context.Context, sessionID, userID string) (domain.Snapshot, error)
}

// SnapshotCache is the read-through cache for cart snapshots. The DB stays
// the source of truth; cache errors are logged, never surfaced.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*domain.Snapshot, error)
	Set(ctx context.Context, key string, snap domain.Snapshot) error
	Delete(ctx context.Context, key string) error
}
