package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageturn/bookstore/internal/catalog/domain"
)

// Store serves catalog reads outside of any reservation transaction.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) FindVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	var v domain.Variant
	err := s.pool.QueryRow(ctx, `
		SELECT id, sku, title, format, price_cents, stock_quantity, reserved_quantity, created_at, updated_at
		FROM variants WHERE id = $1`, variantID).
		Scan(&v.ID, &v.SKU, &v.Title, &v.Format, &v.PriceCents, &v.StockQuantity, &v.ReservedQuantity, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Variant{}, ErrVariantNotFound
	}
	return v, err
}

func (s *Store) ListVariants(ctx context.Context, limit, offset int) ([]domain.Variant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sku, title, format, price_cents, stock_quantity, reserved_quantity, created_at, updated_at
		FROM variants
		ORDER BY title, id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.SKU, &v.Title, &v.Format, &v.PriceCents, &v.StockQuantity, &v.ReservedQuantity, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}
