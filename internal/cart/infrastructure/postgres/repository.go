package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pageturn/bookstore/internal/cart/application"
	"github.com/pageturn/bookstore/internal/cart/domain"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	platformpg "github.com/pageturn/bookstore/internal/platform/postgres"
)

// Repository implements the cart mutations. Every mutation is a single DB
// transaction: cart row lock first, then the variant row lock, then the
// reservation adjustment, so two concurrent holds on one variant serialize.
type Repository struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	ledger *catalogpg.Ledger
	cache  SnapshotInvalidator
}

// SnapshotInvalidator drops a cached cart snapshot after a state change the
// application service never sees, such as an expiry sweep. May be nil.
type SnapshotInvalidator interface {
	Delete(ctx context.Context, identityKey string) error
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool, ledger *catalogpg.Ledger, cache SnapshotInvalidator) *Repository {
	return &Repository{log: log, pool: pool, ledger: ledger, cache: cache}
}

func (r *Repository) invalidateSnapshot(ctx context.Context, identityKey string) {
	if r.cache == nil || identityKey == "" {
		return
	}
	if err := r.cache.Delete(ctx, identityKey); err != nil {
		r.log.Warn("cart snapshot invalidation failed", "identity", identityKey, "err", err)
	}
}

func (r *Repository) AddItem(ctx context.Context, id domain.Identity, variantID string, qty int) (domain.Snapshot, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (string, error) {
		cart, err := r.findOrCreateActive(ctx, tx, id)
		if err != nil {
			return "", err
		}

		variant, err := r.ledger.LockForUpdate(ctx, tx, variantID)
		if err != nil {
			return "", err
		}

		item, err := r.lockItemByVariant(ctx, tx, cart.ID, variantID)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := r.ledger.Reserve(ctx, tx, variant, qty); err != nil {
				return "", err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO cart_items (id, cart_id, variant_id, quantity, unit_price_cents, is_stock_reserved)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				uuid.NewString(), cart.ID, variantID, qty, variant.PriceCents, variant.Format.IsPhysical())
			if err != nil {
				return "", err
			}
		case err != nil:
			return "", err
		default:
			// Existing line: reserve the delta, or the whole new quantity if
			// an expiry sweep already let the old hold lapse.
			reserveQty := qty
			if !item.IsStockReserved {
				reserveQty = item.Quantity + qty
			}
			if err := r.ledger.Reserve(ctx, tx, variant, reserveQty); err != nil {
				return "", err
			}
			_, err = tx.Exec(ctx, `
				UPDATE cart_items SET quantity = quantity + $2, is_stock_reserved = $3, updated_at = now()
				WHERE id = $1`, item.ID, qty, variant.Format.IsPhysical())
			if err != nil {
				return "", err
			}
		}

		return cart.ID, r.touchCart(ctx, tx, cart.ID)
	})
}

func (r *Repository) UpdateQuantity(ctx context.Context, id domain.Identity, itemID string, qty int) (domain.Snapshot, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (string, error) {
		cart, err := r.lockActiveCart(ctx, tx, id)
		if err != nil {
			return "", err
		}
		item, err := r.lockItem(ctx, tx, cart.ID, itemID)
		if err != nil {
			return "", err
		}
		variant, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID)
		if err != nil {
			return "", err
		}

		reserved := item.IsStockReserved
		if variant.Format.IsPhysical() {
			switch {
			case !item.IsStockReserved:
				// Lapsed hold: re-acquire for the full new quantity.
				if err := r.ledger.Reserve(ctx, tx, variant, qty); err != nil {
					return "", err
				}
				reserved = true
			case qty > item.Quantity:
				if err := r.ledger.Reserve(ctx, tx, variant, qty-item.Quantity); err != nil {
					return "", err
				}
			case qty < item.Quantity:
				if err := r.ledger.Release(ctx, tx, variant.ID, item.Quantity-qty); err != nil {
					return "", err
				}
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE cart_items SET quantity = $2, is_stock_reserved = $3, updated_at = now()
			WHERE id = $1`, item.ID, qty, reserved)
		if err != nil {
			return "", err
		}
		return cart.ID, r.touchCart(ctx, tx, cart.ID)
	})
}

func (r *Repository) RemoveItem(ctx context.Context, id domain.Identity, itemID string) (domain.Snapshot, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (string, error) {
		cart, err := r.lockActiveCart(ctx, tx, id)
		if err != nil {
			return "", err
		}
		item, err := r.lockItem(ctx, tx, cart.ID, itemID)
		if err != nil {
			return "", err
		}
		if item.IsStockReserved {
			if _, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID); err != nil {
				return "", err
			}
			if err := r.ledger.Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
				return "", err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE id = $1`, item.ID); err != nil {
			return "", err
		}
		return cart.ID, r.touchCart(ctx, tx, cart.ID)
	})
}

func (r *Repository) Clear(ctx context.Context, id domain.Identity) (domain.Snapshot, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (string, error) {
		cart, err := r.lockActiveCart(ctx, tx, id)
		if err != nil {
			return "", err
		}
		items, err := r.lockItems(ctx, tx, cart.ID)
		if err != nil {
			return "", err
		}
		for _, item := range items {
			if !item.IsStockReserved {
				continue
			}
			if _, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID); err != nil {
				return "", err
			}
			if err := r.ledger.Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
				return "", err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cart.ID); err != nil {
			return "", err
		}
		return cart.ID, r.touchCart(ctx, tx, cart.ID)
	})
}

func (r *Repository) Get(ctx context.Context, id domain.Identity) (domain.Snapshot, error) {
	cart, err := r.findActive(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return r.snapshot(ctx, r.pool, cart)
}

// Merge folds the guest cart into the user's cart. Holds transfer with their
// items, so no release/re-reserve round trip is needed unless a hold already
// lapsed; a lapsed hold is re-acquired best-effort and left unreserved on
// insufficient stock for checkout-time JIT re-reservation to retry.
func (r *Repository) Merge(ctx context.Context, sessionID, userID string) (domain.Snapshot, error) {
	return r.inTx(ctx, func(tx pgx.Tx) (string, error) {
		userCart, err := r.findOrCreateActive(ctx, tx, domain.UserIdentity(userID))
		if err != nil {
			return "", err
		}
		guestCart, err := r.lockActiveCart(ctx, tx, domain.GuestIdentity(sessionID))
		if errors.Is(err, application.ErrCartNotFound) {
			return userCart.ID, nil
		}
		if err != nil {
			return "", err
		}

		guestItems, err := r.lockItems(ctx, tx, guestCart.ID)
		if err != nil {
			return "", err
		}

		for _, guest := range guestItems {
			variant, err := r.ledger.LockForUpdate(ctx, tx, guest.VariantID)
			if err != nil {
				return "", err
			}
			target, err := r.lockItemByVariant(ctx, tx, userCart.ID, guest.VariantID)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				// No counterpart: move the line wholesale, hold included.
				_, err = tx.Exec(ctx, `UPDATE cart_items SET cart_id = $2, updated_at = now() WHERE id = $1`,
					guest.ID, userCart.ID)
				if err != nil {
					return "", err
				}
			case err != nil:
				return "", err
			default:
				combined, err := r.combineHolds(ctx, tx, variant, target, guest)
				if err != nil {
					return "", err
				}
				_, err = tx.Exec(ctx, `
					UPDATE cart_items SET quantity = $2, is_stock_reserved = $3, updated_at = now()
					WHERE id = $1`, target.ID, target.Quantity+guest.Quantity, combined)
				if err != nil {
					return "", err
				}
				if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE id = $1`, guest.ID); err != nil {
					return "", err
				}
			}
		}

		_, err = tx.Exec(ctx, `UPDATE carts SET status = $2, updated_at = now() WHERE id = $1`,
			guestCart.ID, domain.CartAbandoned)
		if err != nil {
			return "", err
		}
		return userCart.ID, r.touchCart(ctx, tx, userCart.ID)
	})
}

// combineHolds reconciles the reservation state of two lines for the same
// variant. Both live: the combined hold already exists. One lapsed: try to
// re-reserve its share; if stock ran out, release the surviving share too so
// the reserved counter always matches items flagged as reserved.
func (r *Repository) combineHolds(ctx context.Context, tx pgx.Tx, variant catalogdom.Variant, target, guest domain.CartItem) (bool, error) {
	if !variant.Format.IsPhysical() {
		return false, nil
	}
	if target.IsStockReserved && guest.IsStockReserved {
		return true, nil
	}

	lapsed, held := 0, 0
	for _, it := range []domain.CartItem{target, guest} {
		if it.IsStockReserved {
			held += it.Quantity
		} else {
			lapsed += it.Quantity
		}
	}

	err := r.ledger.Reserve(ctx, tx, variant, lapsed)
	var stockErr *catalogdom.StockError
	if errors.As(err, &stockErr) {
		if held > 0 {
			if relErr := r.ledger.Release(ctx, tx, variant.ID, held); relErr != nil {
				return false, relErr
			}
		}
		r.log.Info("merge left line unreserved", "variant_id", variant.ID, "requested", stockErr.Requested, "available", stockErr.Available)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SweepIdleReservations releases holds of carts idle past the reservation
// TTL. The carts stay ACTIVE; their items merely lose the hold and flip
// is_stock_reserved so a second sweep skips them.
func (r *Repository) SweepIdleReservations(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	locked, err := platformpg.TryAdvisoryXactLock(ctx, tx, platformpg.LockReservationSweep)
	if err != nil {
		return 0, err
	}
	if !locked {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, user_id, session_id FROM carts
		WHERE status = 'ACTIVE' AND updated_at < $1
		  AND EXISTS (SELECT 1 FROM cart_items WHERE cart_id = carts.id AND is_stock_reserved)
		ORDER BY updated_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var carts []domain.Cart
	for rows.Next() {
		var c domain.Cart
		if err := rows.Scan(&c.ID, &c.UserID, &c.SessionID); err != nil {
			rows.Close()
			return 0, err
		}
		carts = append(carts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, cart := range carts {
		items, err := r.lockItems(ctx, tx, cart.ID)
		if err != nil {
			return 0, err
		}
		for _, item := range items {
			if !item.IsStockReserved {
				continue
			}
			if _, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID); err != nil {
				return 0, err
			}
			if err := r.ledger.Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
				return 0, err
			}
			_, err = tx.Exec(ctx, `UPDATE cart_items SET is_stock_reserved = false, updated_at = now() WHERE id = $1`, item.ID)
			if err != nil {
				return 0, err
			}
			released++
		}
		r.log.Info("idle cart reservations released", "cart_id", cart.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	for _, cart := range carts {
		r.invalidateSnapshot(ctx, cart.IdentityKey())
	}
	return released, nil
}

// ---- helpers ----

func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) (string, error)) (domain.Snapshot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cartID, err := fn(tx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	cart, err := r.getCart(ctx, tx, cartID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := r.snapshot(ctx, tx, cart)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func identityClause(id domain.Identity) (string, string) {
	if id.IsUser() {
		return "user_id", id.UserID
	}
	return "session_id", id.SessionID
}

func (r *Repository) findOrCreateActive(ctx context.Context, tx pgx.Tx, id domain.Identity) (domain.Cart, error) {
	cart, err := r.lockActiveCart(ctx, tx, id)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, application.ErrCartNotFound) {
		return domain.Cart{}, err
	}

	cart = domain.Cart{ID: uuid.NewString(), Status: domain.CartActive}
	col, val := identityClause(id)
	_, err = tx.Exec(ctx, `INSERT INTO carts (id, `+col+`, status) VALUES ($1, $2, 'ACTIVE')`, cart.ID, val)
	if err != nil {
		return domain.Cart{}, err
	}
	if id.IsUser() {
		cart.UserID = &id.UserID
	} else {
		cart.SessionID = &id.SessionID
	}
	return cart, nil
}

func (r *Repository) lockActiveCart(ctx context.Context, tx pgx.Tx, id domain.Identity) (domain.Cart, error) {
	col, val := identityClause(id)
	cart, err := scanCart(tx.QueryRow(ctx, `
		SELECT id, user_id, session_id, status, checkout_started_at, created_at, updated_at
		FROM carts WHERE `+col+` = $1 AND status = 'ACTIVE'
		FOR UPDATE`, val))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cart{}, application.ErrCartNotFound
	}
	return cart, err
}

func (r *Repository) findActive(ctx context.Context, id domain.Identity) (domain.Cart, error) {
	col, val := identityClause(id)
	cart, err := scanCart(r.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, status, checkout_started_at, created_at, updated_at
		FROM carts WHERE `+col+` = $1 AND status = 'ACTIVE'`, val))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cart{}, application.ErrCartNotFound
	}
	return cart, err
}

func (r *Repository) getCart(ctx context.Context, tx pgx.Tx, cartID string) (domain.Cart, error) {
	return scanCart(tx.QueryRow(ctx, `
		SELECT id, user_id, session_id, status, checkout_started_at, created_at, updated_at
		FROM carts WHERE id = $1`, cartID))
}

func scanCart(row pgx.Row) (domain.Cart, error) {
	var c domain.Cart
	err := row.Scan(&c.ID, &c.UserID, &c.SessionID, &c.Status, &c.CheckoutStartedAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (r *Repository) lockItem(ctx context.Context, tx pgx.Tx, cartID, itemID string) (domain.CartItem, error) {
	item, err := scanItem(tx.QueryRow(ctx, `
		SELECT id, cart_id, variant_id, quantity, unit_price_cents, is_stock_reserved, created_at, updated_at
		FROM cart_items WHERE id = $1 AND cart_id = $2
		FOR UPDATE`, itemID, cartID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CartItem{}, application.ErrItemNotFound
	}
	return item, err
}

func (r *Repository) lockItemByVariant(ctx context.Context, tx pgx.Tx, cartID, variantID string) (domain.CartItem, error) {
	return scanItem(tx.QueryRow(ctx, `
		SELECT id, cart_id, variant_id, quantity, unit_price_cents, is_stock_reserved, created_at, updated_at
		FROM cart_items WHERE cart_id = $1 AND variant_id = $2
		FOR UPDATE`, cartID, variantID))
}

func (r *Repository) lockItems(ctx context.Context, tx pgx.Tx, cartID string) ([]domain.CartItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, cart_id, variant_id, quantity, unit_price_cents, is_stock_reserved, created_at, updated_at
		FROM cart_items WHERE cart_id = $1
		ORDER BY created_at
		FOR UPDATE`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.CartItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (domain.CartItem, error) {
	var it domain.CartItem
	err := row.Scan(&it.ID, &it.CartID, &it.VariantID, &it.Quantity, &it.UnitPriceCents, &it.IsStockReserved, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (r *Repository) touchCart(ctx context.Context, tx pgx.Tx, cartID string) error {
	_, err := tx.Exec(ctx, `UPDATE carts SET updated_at = now() WHERE id = $1`, cartID)
	return err
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) snapshot(ctx context.Context, q queryer, cart domain.Cart) (domain.Snapshot, error) {
	rows, err := q.Query(ctx, `
		SELECT ci.id, ci.variant_id, v.title, v.format, ci.quantity, ci.unit_price_cents, ci.is_stock_reserved
		FROM cart_items ci
		JOIN variants v ON v.id = ci.variant_id
		WHERE ci.cart_id = $1
		ORDER BY ci.created_at`, cart.ID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer rows.Close()

	items := []domain.SnapshotItem{}
	for rows.Next() {
		var it domain.SnapshotItem
		if err := rows.Scan(&it.ItemID, &it.VariantID, &it.Title, &it.Format, &it.Quantity, &it.UnitPriceCents, &it.IsStockReserved); err != nil {
			return domain.Snapshot{}, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	return domain.NewSnapshot(cart, items), nil
}
