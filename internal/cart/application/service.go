package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pageturn/bookstore/internal/cart/domain"
)

var (
	ErrCartNotFound = errors.New("no active cart for identity")
	ErrCartEmpty    = errors.New("cart has no items")
	ErrItemNotFound = errors.New("cart item not found")
	ErrInvalidQty   = errors.New("quantity must be positive")
)

type Service struct {
	log   *slog.Logger
	repo  Repository
	cache SnapshotCache
}

func NewService(log *slog.Logger, repo Repository, cache SnapshotCache) *Service {
	return &Service{log: log, repo: repo, cache: cache}
}

func (s *Service) AddItem(ctx context.Context, id domain.Identity, variantID string, qty int) (domain.Snapshot, error) {
	if err := id.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if qty <= 0 {
		return domain.Snapshot{}, ErrInvalidQty
	}
	snap, err := s.repo.AddItem(ctx, id, variantID, qty)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.refreshCache(ctx, id, snap)
	s.log.Info("cart item added", "cart_id", snap.CartID, "variant_id", variantID, "qty", qty)
	return snap, nil
}

func (s *Service) UpdateQuantity(ctx context.Context, id domain.Identity, itemID string, qty int) (domain.Snapshot, error) {
	if err := id.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if qty <= 0 {
		return domain.Snapshot{}, ErrInvalidQty
	}
	snap, err := s.repo.UpdateQuantity(ctx, id, itemID, qty)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.refreshCache(ctx, id, snap)
	return snap, nil
}

func (s *Service) RemoveItem(ctx context.Context, id domain.Identity, itemID string) (domain.Snapshot, error) {
	if err := id.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := s.repo.RemoveItem(ctx, id, itemID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.refreshCache(ctx, id, snap)
	return snap, nil
}

func (s *Service) Clear(ctx context.Context, id domain.Identity) (domain.Snapshot, error) {
	if err := id.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := s.repo.Clear(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.refreshCache(ctx, id, snap)
	return snap, nil
}

// Get returns the current snapshot, serving from cache when possible. A
// missing cart is rendered as an empty snapshot rather than an error.
func (s *Service) Get(ctx context.Context, id domain.Identity) (domain.Snapshot, error) {
	if err := id.Validate(); err != nil {
		return domain.Snapshot{}, err
	}
	if cached, err := s.cache.Get(ctx, id.Key()); err == nil && cached != nil {
		return *cached, nil
	}
	snap, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrCartNotFound) {
		return domain.Snapshot{Status: domain.CartActive, Items: []domain.SnapshotItem{}}, nil
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.refreshCache(ctx, id, snap)
	return snap, nil
}

// Merge folds a guest cart into the authenticated user's cart. The guest
// snapshot cache is dropped; the returned snapshot is the user's.
func (s *Service) Merge(ctx context.Context, sessionID, userID string) (domain.Snapshot, error) {
	if sessionID == "" || userID == "" {
		return domain.Snapshot{}, domain.ErrInvalidIdentity
	}
	snap, err := s.repo.Merge(ctx, sessionID, userID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := s.cache.Delete(ctx, domain.GuestIdentity(sessionID).Key()); err != nil {
		s.log.Warn("guest cart cache invalidation failed", "err", err)
	}
	s.refreshCache(ctx, domain.UserIdentity(userID), snap)
	s.log.Info("guest cart merged", "session_id", sessionID, "user_id", userID, "cart_id", snap.CartID)
	return snap, nil
}

func (s *Service) refreshCache(ctx context.Context, id domain.Identity, snap domain.Snapshot) {
	if err := s.cache.Set(ctx, id.Key(), snap); err != nil {
		s.log.Warn("cart cache refresh failed", "cart_id", snap.CartID, "err", err)
	}
}
