package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	cartpg "github.com/pageturn/bookstore/internal/cart/infrastructure/postgres"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	checkoutdom "github.com/pageturn/bookstore/internal/checkout/domain"
	checkoutpg "github.com/pageturn/bookstore/internal/checkout/infrastructure/postgres"
)

func testShipping(name string) checkoutdom.ShippingAddress {
	return checkoutdom.ShippingAddress{Name: name, Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}

// A checkout where one line cannot re-reserve must leave no trace: no order
// rows, no partial holds from sibling lines, cart back in the shopper's hands.
func TestCheckoutRollsBackOnShortfall(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	ledger := catalogpg.NewLedger(log)
	cartRepo := cartpg.NewRepository(log, pool, ledger, nil)
	checkoutRepo := checkoutpg.NewRepository(log, pool, ledger, nil)

	// Line order matters: the plentiful title is added first so its
	// re-reservation succeeds before the scarce one fails.
	plentiful := insertVariant(t, pool, catalogdom.FormatHardcover, 5)
	scarce := insertVariant(t, pool, catalogdom.FormatPaperback, 3)

	eve := cartdomain.UserIdentity("eve")
	_, err := cartRepo.AddItem(ctx, eve, plentiful, 2)
	require.NoError(t, err)
	_, err = cartRepo.AddItem(ctx, eve, scarce, 2)
	require.NoError(t, err)

	// The idle sweep lapses both holds.
	released, err := cartRepo.SweepIdleReservations(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 2, released)
	require.Equal(t, 0, reservedQty(t, pool, plentiful))
	require.Equal(t, 0, reservedQty(t, pool, scarce))

	// Another shopper drains the scarce title while the cart sat idle.
	_, err = cartRepo.AddItem(ctx, cartdomain.UserIdentity("mallory"), scarce, 3)
	require.NoError(t, err)

	_, err = checkoutRepo.PlaceOrder(ctx, eve, testShipping("Eve"))
	var stockErr *catalogdom.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, scarce, stockErr.VariantID)

	// Nothing from the attempt survived the rollback.
	var orders, orderItems int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&orders))
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM order_items`).Scan(&orderItems))
	assert.Equal(t, 0, orders)
	assert.Equal(t, 0, orderItems)

	// The sibling line's re-reservation rolled back with it; only the other
	// shopper's hold remains.
	assert.Equal(t, 0, reservedQty(t, pool, plentiful))
	assert.Equal(t, 3, reservedQty(t, pool, scarce))

	var status string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM carts WHERE user_id = 'eve'`).Scan(&status))
	assert.Equal(t, string(cartdomain.CartActive), status)
}

func TestConcurrentAddsNeverOversell(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	repo := cartpg.NewRepository(log, pool, catalogpg.NewLedger(log), nil)
	variantID := insertVariant(t, pool, catalogdom.FormatHardcover, 5)

	var held, short int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.AddItem(ctx, cartdomain.UserIdentity(fmt.Sprintf("shopper-%d", n)), variantID, 1)
			if err == nil {
				atomic.AddInt32(&held, 1)
				return
			}
			var stockErr *catalogdom.StockError
			if errors.As(err, &stockErr) {
				atomic.AddInt32(&short, 1)
				return
			}
			t.Errorf("add item: unexpected error: %v", err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 5, held)
	assert.EqualValues(t, 5, short)

	var stock, reserved int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT stock_quantity, reserved_quantity FROM variants WHERE id = $1`, variantID).
		Scan(&stock, &reserved))
	assert.Equal(t, 5, reserved)
	assert.LessOrEqual(t, reserved, stock)
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *recordingInvalidator) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *recordingInvalidator) dropped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *recordingInvalidator) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = nil
}

// Every move that takes a cart out of ACTIVE (or hands it back) must drop the
// owner's cached snapshot so reads never serve a stale cart.
func TestCartMovesDropCachedSnapshot(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	ledger := catalogpg.NewLedger(log)
	cache := &recordingInvalidator{}
	cartRepo := cartpg.NewRepository(log, pool, ledger, cache)
	checkoutRepo := checkoutpg.NewRepository(log, pool, ledger, cache)

	variantID := insertVariant(t, pool, catalogdom.FormatHardcover, 5)
	frank := cartdomain.UserIdentity("frank")
	_, err := cartRepo.AddItem(ctx, frank, variantID, 2)
	require.NoError(t, err)

	cache.reset()
	order, err := checkoutRepo.PlaceOrder(ctx, frank, testShipping("Frank"))
	require.NoError(t, err)
	assert.Contains(t, cache.dropped(), "user:frank")

	txn := checkoutdom.Transaction{ID: uuid.NewString(), OrderID: order.ID, Provider: "hmacpay", Status: checkoutdom.TxnPending}
	require.NoError(t, checkoutRepo.CreateTransaction(ctx, txn))
	require.NoError(t, checkoutRepo.SetTransactionInitiated(ctx, txn.ID, "gw-snap-1", []byte(`{}`)))

	cache.reset()
	applied, _, err := checkoutRepo.ApplySuccess(ctx, txn.ID)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Contains(t, cache.dropped(), "user:frank")

	// The idle sweep invalidates too: a lapsed hold changes what the
	// snapshot should show.
	grace := cartdomain.UserIdentity("grace")
	_, err = cartRepo.AddItem(ctx, grace, variantID, 1)
	require.NoError(t, err)

	cache.reset()
	released, err := cartRepo.SweepIdleReservations(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	assert.Contains(t, cache.dropped(), "user:grace")
}
