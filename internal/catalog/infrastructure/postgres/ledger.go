package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/pageturn/bookstore/internal/catalog/domain"
)

var ErrVariantNotFound = errors.New("variant not found")

// Ledger holds the stock-adjustment queries shared by cart mutations, the
// checkout saga and the reconciler. Every method runs inside the caller's
// transaction; LockForUpdate must be taken on the variant row before any
// availability decision so concurrent reservations serialize.
type Ledger struct {
	log *slog.Logger
}

func NewLedger(log *slog.Logger) *Ledger {
	return &Ledger{log: log}
}

func (l *Ledger) LockForUpdate(ctx context.Context, tx pgx.Tx, variantID string) (domain.Variant, error) {
	var v domain.Variant
	err := tx.QueryRow(ctx, `
		SELECT id, sku, title, format, price_cents, stock_quantity, reserved_quantity, created_at, updated_at
		FROM variants WHERE id = $1
		FOR UPDATE`, variantID).
		Scan(&v.ID, &v.SKU, &v.Title, &v.Format, &v.PriceCents, &v.StockQuantity, &v.ReservedQuantity, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Variant{}, ErrVariantNotFound
	}
	if err != nil {
		return domain.Variant{}, err
	}
	return v, nil
}

// Reserve places a provisional hold of qty units. The caller must already
// hold the row lock; the availability check re-reads the locked row state.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, v domain.Variant, qty int) error {
	if !v.Format.IsPhysical() {
		return nil
	}
	if err := v.CanReserve(qty); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE variants SET reserved_quantity = reserved_quantity + $2, updated_at = now()
		WHERE id = $1`, v.ID, qty)
	return err
}

// Release gives back qty reserved units, clamped at zero so a double release
// can never drive the counter negative.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, variantID string, qty int) error {
	_, err := tx.Exec(ctx, `
		UPDATE variants SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = now()
		WHERE id = $1`, variantID, qty)
	return err
}

// CommitStock converts a reservation into a permanent stock decrement. This
// is the only place physical stock is consumed.
func (l *Ledger) CommitStock(ctx context.Context, tx pgx.Tx, variantID string, qty int) error {
	ct, err := tx.Exec(ctx, `
		UPDATE variants
		SET stock_quantity = stock_quantity - $2,
		    reserved_quantity = GREATEST(reserved_quantity - $2, 0),
		    updated_at = now()
		WHERE id = $1`, variantID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrVariantNotFound
	}
	return nil
}
