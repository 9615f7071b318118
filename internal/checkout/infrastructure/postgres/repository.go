package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cartapp "github.com/pageturn/bookstore/internal/cart/application"
	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	"github.com/pageturn/bookstore/internal/checkout/application"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	platformpg "github.com/pageturn/bookstore/internal/platform/postgres"
	"github.com/pageturn/bookstore/pkg/tracing"
)

// Repository implements the checkout persistence against postgres. Order
// placement and outcome settlement each run as one transaction so the cart,
// order, transaction and variant rows move together or not at all.
type Repository struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	ledger *catalogpg.Ledger
	cache  SnapshotInvalidator
}

// SnapshotInvalidator drops the owner's cached cart snapshot whenever the
// checkout flow moves their cart. May be nil.
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

// cartIdentityKey resolves the owner of a cart for cache invalidation.
func (r *Repository) cartIdentityKey(ctx context.Context, tx pgx.Tx, cartID string) (string, error) {
	var cart cartdomain.Cart
	err := tx.QueryRow(ctx, `SELECT id, user_id, session_id FROM carts WHERE id = $1`, cartID).
		Scan(&cart.ID, &cart.UserID, &cart.SessionID)
	if err != nil {
		return "", err
	}
	return cart.IdentityKey(), nil
}

// PlaceOrder locks the ACTIVE cart and its lines, re-reserves any lapsed
// holds at current stock levels, freezes the lines into an order and moves
// the cart to CHECKOUT. Any stock shortfall rolls the whole step back.
func (r *Repository) PlaceOrder(ctx context.Context, id cartdomain.Identity, shipping domain.ShippingAddress) (domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cart, err := r.lockActiveCart(ctx, tx, id)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := r.lockCartItems(ctx, tx, cart.ID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(items) == 0 {
		return domain.Order{}, cartapp.ErrCartEmpty
	}

	orderItems := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		variant, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID)
		if err != nil {
			return domain.Order{}, err
		}
		if variant.Format.IsPhysical() {
			switch {
			case !item.IsStockReserved:
				// The idle sweep released this hold; take it back now or
				// fail the whole checkout.
				if err := r.ledger.Reserve(ctx, tx, variant, item.Quantity); err != nil {
					return domain.Order{}, err
				}
				_, err = tx.Exec(ctx, `UPDATE cart_items SET is_stock_reserved = true, updated_at = now() WHERE id = $1`, item.ID)
				if err != nil {
					return domain.Order{}, err
				}
			case variant.StockQuantity < item.Quantity:
				// A held line should always be backed by owned stock; treat
				// anything else as a shortfall rather than oversell.
				return domain.Order{}, &catalogdom.StockError{
					VariantID: variant.ID, Requested: item.Quantity, Available: variant.StockQuantity,
				}
			}
		}
		orderItems = append(orderItems, domain.OrderItem{
			VariantID:      item.VariantID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}

	order := domain.Order{
		ID:            uuid.NewString(),
		UserID:        id.Key(),
		CartID:        &cart.ID,
		TotalCents:    domain.TotalCents(orderItems),
		PaymentStatus: domain.PaymentPending,
		Shipping:      shipping,
	}
	shippingJSON, err := json.Marshal(shipping)
	if err != nil {
		return domain.Order{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, cart_id, total_cents, payment_status, shipping)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		order.ID, order.UserID, cart.ID, order.TotalCents, order.PaymentStatus, shippingJSON)
	if err != nil {
		return domain.Order{}, err
	}
	for _, oi := range orderItems {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, variant_id, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4)`, order.ID, oi.VariantID, oi.Quantity, oi.UnitPriceCents)
		if err != nil {
			return domain.Order{}, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE carts SET status = $2, checkout_started_at = now(), updated_at = now()
		WHERE id = $1`, cart.ID, cartdomain.CartCheckout)
	if err != nil {
		return domain.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	r.invalidateSnapshot(ctx, id.Key())
	return order, nil
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, `
		SELECT id, user_id, cart_id, total_cents, payment_status, shipping, created_at, updated_at
		FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, application.ErrOrderNotFound
	}
	return order, err
}

func (r *Repository) CreateTransaction(ctx context.Context, txn domain.Transaction) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transactions (id, order_id, provider, status, idempotency_key)
		VALUES ($1,$2,$3,$4,$5)`,
		txn.ID, txn.OrderID, txn.Provider, txn.Status, txn.IdempotencyKey)
	return err
}

func (r *Repository) SetTransactionInitiated(ctx context.Context, txnID, gatewayRef string, raw []byte) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE transactions SET gateway_ref_id = $2, raw_response = $3, updated_at = now()
		WHERE id = $1`, txnID, gatewayRef, raw)
	return err
}

func (r *Repository) MarkTransactionFailed(ctx context.Context, txnID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`, txnID, domain.TxnFailed, domain.TxnPending)
	return err
}

func (r *Repository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	txn, err := scanTransaction(r.pool.QueryRow(ctx, txnSelect+` WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *Repository) FindTransactionByGatewayRef(ctx context.Context, provider, gatewayRef string) (*domain.Transaction, error) {
	txn, err := scanTransaction(r.pool.QueryRow(ctx,
		txnSelect+` WHERE provider = $1 AND gateway_ref_id = $2`, provider, gatewayRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ApplySuccess settles a paid outcome. The FOR UPDATE read of the
// transaction row is the idempotency barrier: webhook and poller can race,
// only the first one finds the row PENDING.
func (r *Repository) ApplySuccess(ctx context.Context, txnID string) (bool, domain.TransactionStatus, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, "", err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txn, err := r.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return false, "", err
	}
	if txn.Status != domain.TxnPending {
		return false, txn.Status, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`,
		txnID, domain.TxnSuccess)
	if err != nil {
		return false, "", err
	}

	order, err := r.lockOrder(ctx, tx, txn.OrderID)
	if err != nil {
		return false, "", err
	}
	_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`,
		order.ID, domain.PaymentPaid)
	if err != nil {
		return false, "", err
	}

	if err := r.commitOrderStock(ctx, tx, order.ID); err != nil {
		return false, "", err
	}

	var ownerKey string
	if order.CartID != nil {
		if err := r.moveCart(ctx, tx, *order.CartID, cartdomain.CartCheckout, cartdomain.CartCompleted); err != nil {
			return false, "", err
		}
		if ownerKey, err = r.cartIdentityKey(ctx, tx, *order.CartID); err != nil {
			return false, "", err
		}
	}

	payload, err := json.Marshal(domain.OrderPaidEvent{
		OrderID:       order.ID,
		TransactionID: txnID,
		UserID:        order.UserID,
		TotalCents:    order.TotalCents,
		PaidAt:        time.Now().UTC(),
	})
	if err != nil {
		return false, "", err
	}
	if err := platformpg.InsertEvent(ctx, tx, "order", order.ID, domain.EventOrderPaid, payload, nil, tracing.Traceparent(ctx)); err != nil {
		return false, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, "", err
	}
	r.invalidateSnapshot(ctx, ownerKey)
	r.log.InfoContext(ctx, "order settled as paid", slog.String("order_id", order.ID), slog.String("transaction_id", txnID))
	return true, domain.TxnPending, nil
}

// ApplyFailure marks the attempt and order FAILED and hands the cart back to
// the shopper. The reservation normally stays held so they can retry; the
// idle sweep reclaims it later.
func (r *Repository) ApplyFailure(ctx context.Context, txnID string, releaseStock bool) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txn, err := r.lockTransaction(ctx, tx, txnID)
	if err != nil {
		return false, err
	}
	if txn.Status != domain.TxnPending {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`,
		txnID, domain.TxnFailed)
	if err != nil {
		return false, err
	}

	order, err := r.lockOrder(ctx, tx, txn.OrderID)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`,
		order.ID, domain.PaymentFailed)
	if err != nil {
		return false, err
	}

	var ownerKey string
	if order.CartID != nil {
		if err := r.moveCart(ctx, tx, *order.CartID, cartdomain.CartCheckout, cartdomain.CartActive); err != nil {
			return false, err
		}
		if releaseStock {
			if err := r.releaseCartHolds(ctx, tx, *order.CartID); err != nil {
				return false, err
			}
		}
		if ownerKey, err = r.cartIdentityKey(ctx, tx, *order.CartID); err != nil {
			return false, err
		}
	}

	payload, err := json.Marshal(domain.OrderPaymentFailedEvent{
		OrderID:       order.ID,
		TransactionID: txnID,
		Provider:      txn.Provider,
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := platformpg.InsertEvent(ctx, tx, "order", order.ID, domain.EventOrderPaymentFailed, payload, nil, tracing.Traceparent(ctx)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	r.invalidateSnapshot(ctx, ownerKey)
	r.log.InfoContext(ctx, "order payment failed", slog.String("order_id", order.ID), slog.String("transaction_id", txnID))
	return true, nil
}

func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		txnSelect+` WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// TimeoutPendingOrders fails orders that never saw a payment outcome,
// releases their reservations and abandons carts still parked in CHECKOUT.
func (r *Repository) TimeoutPendingOrders(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	locked, err := platformpg.TryAdvisoryXactLock(ctx, tx, platformpg.LockOrderTimeout)
	if err != nil {
		return 0, err
	}
	if !locked {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id FROM orders
		WHERE payment_status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return 0, err
	}
	var orderIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		orderIDs = append(orderIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var ownerKeys []string
	for _, orderID := range orderIDs {
		order, err := r.lockOrder(ctx, tx, orderID)
		if err != nil {
			return 0, err
		}

		_, err = tx.Exec(ctx, `UPDATE transactions SET status = $2, updated_at = now() WHERE order_id = $1 AND status = $3`,
			orderID, domain.TxnFailed, domain.TxnPending)
		if err != nil {
			return 0, err
		}
		_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`,
			orderID, domain.PaymentFailed)
		if err != nil {
			return 0, err
		}

		if order.CartID != nil {
			if err := r.releaseCartHolds(ctx, tx, *order.CartID); err != nil {
				return 0, err
			}
			if err := r.moveCart(ctx, tx, *order.CartID, cartdomain.CartCheckout, cartdomain.CartAbandoned); err != nil {
				return 0, err
			}
			abandoned, err := json.Marshal(cartdomain.CartAbandonedEvent{
				CartID:      *order.CartID,
				Reason:      "order timed out",
				AbandonedAt: time.Now().UTC(),
			})
			if err != nil {
				return 0, err
			}
			if err := platformpg.InsertEvent(ctx, tx, "cart", *order.CartID, cartdomain.EventCartAbandoned, abandoned, nil, tracing.Traceparent(ctx)); err != nil {
				return 0, err
			}
			key, err := r.cartIdentityKey(ctx, tx, *order.CartID)
			if err != nil {
				return 0, err
			}
			ownerKeys = append(ownerKeys, key)
		}

		payload, err := json.Marshal(domain.OrderTimedOutEvent{OrderID: orderID, TimedOutAt: time.Now().UTC()})
		if err != nil {
			return 0, err
		}
		if err := platformpg.InsertEvent(ctx, tx, "order", orderID, domain.EventOrderTimedOut, payload, nil, tracing.Traceparent(ctx)); err != nil {
			return 0, err
		}
		r.log.InfoContext(ctx, "pending order timed out", slog.String("order_id", orderID))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	for _, key := range ownerKeys {
		r.invalidateSnapshot(ctx, key)
	}
	return len(orderIDs), nil
}

// ---- helpers ----

func (r *Repository) lockActiveCart(ctx context.Context, tx pgx.Tx, id cartdomain.Identity) (cartdomain.Cart, error) {
	col, val := "user_id", id.UserID
	if id.UserID == "" {
		col, val = "session_id", id.SessionID
	}
	var cart cartdomain.Cart
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, session_id, status, checkout_started_at, created_at, updated_at
		FROM carts WHERE `+col+` = $1 AND status = 'ACTIVE'
		FOR UPDATE`, val).
		Scan(&cart.ID, &cart.UserID, &cart.SessionID, &cart.Status, &cart.CheckoutStartedAt, &cart.CreatedAt, &cart.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cartdomain.Cart{}, cartapp.ErrCartNotFound
	}
	return cart, err
}

func (r *Repository) lockCartItems(ctx context.Context, tx pgx.Tx, cartID string) ([]cartdomain.CartItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, cart_id, variant_id, quantity, unit_price_cents, is_stock_reserved, created_at, updated_at
		FROM cart_items WHERE cart_id = $1
		ORDER BY created_at
		FOR UPDATE`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []cartdomain.CartItem
	for rows.Next() {
		var it cartdomain.CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.VariantID, &it.Quantity, &it.UnitPriceCents, &it.IsStockReserved, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *Repository) lockOrder(ctx context.Context, tx pgx.Tx, orderID string) (domain.Order, error) {
	order, err := scanOrder(tx.QueryRow(ctx, `
		SELECT id, user_id, cart_id, total_cents, payment_status, shipping, created_at, updated_at
		FROM orders WHERE id = $1
		FOR UPDATE`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, application.ErrOrderNotFound
	}
	return order, err
}

func (r *Repository) lockTransaction(ctx context.Context, tx pgx.Tx, txnID string) (domain.Transaction, error) {
	txn, err := scanTransaction(tx.QueryRow(ctx, txnSelect+` WHERE id = $1 FOR UPDATE`, txnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, application.ErrTransactionNotFound
	}
	return txn, err
}

// commitOrderStock converts each physical order line's reservation into a
// permanent decrement. Variant rows are locked one at a time in line order.
func (r *Repository) commitOrderStock(ctx context.Context, tx pgx.Tx, orderID string) error {
	rows, err := tx.Query(ctx, `
		SELECT oi.variant_id, oi.quantity, v.format
		FROM order_items oi
		JOIN variants v ON v.id = oi.variant_id
		WHERE oi.order_id = $1
		ORDER BY oi.variant_id`, orderID)
	if err != nil {
		return err
	}
	type line struct {
		variantID string
		qty       int
		format    string
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.variantID, &l.qty, &l.format); err != nil {
			rows.Close()
			return err
		}
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, l := range lines {
		v, err := r.ledger.LockForUpdate(ctx, tx, l.variantID)
		if err != nil {
			return err
		}
		if !v.Format.IsPhysical() {
			continue
		}
		if err := r.ledger.CommitStock(ctx, tx, l.variantID, l.qty); err != nil {
			return err
		}
	}
	return nil
}

// releaseCartHolds returns the cart's reserved units to the pool and flips
// the line flags so later sweeps and checkouts see them as lapsed.
func (r *Repository) releaseCartHolds(ctx context.Context, tx pgx.Tx, cartID string) error {
	items, err := r.lockCartItems(ctx, tx, cartID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if !item.IsStockReserved {
			continue
		}
		if _, err := r.ledger.LockForUpdate(ctx, tx, item.VariantID); err != nil {
			return err
		}
		if err := r.ledger.Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE cart_items SET is_stock_reserved = false, updated_at = now() WHERE id = $1`, item.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// moveCart applies a status transition but tolerates a cart that already
// moved on, so a late outcome never tramples a newer state.
func (r *Repository) moveCart(ctx context.Context, tx pgx.Tx, cartID string, from, to cartdomain.CartStatus) error {
	if !cartdomain.CanTransition(from, to) {
		return fmt.Errorf("cart %s: invalid transition %s -> %s", cartID, from, to)
	}
	_, err := tx.Exec(ctx, `UPDATE carts SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		cartID, from, to)
	return err
}

const txnSelect = `
	SELECT id, order_id, provider, status, idempotency_key, COALESCE(gateway_ref_id, ''), raw_response, created_at, updated_at
	FROM transactions`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.OrderID, &t.Provider, &t.Status, &t.IdempotencyKey, &t.GatewayRefID, &t.RawResponse, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var shipping []byte
	err := row.Scan(&o.ID, &o.UserID, &o.CartID, &o.TotalCents, &o.PaymentStatus, &shipping, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	if len(shipping) > 0 {
		if err := json.Unmarshal(shipping, &o.Shipping); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}
