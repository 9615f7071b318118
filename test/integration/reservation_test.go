package integration

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	cartpg "github.com/pageturn/bookstore/internal/cart/infrastructure/postgres"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	checkoutdom "github.com/pageturn/bookstore/internal/checkout/domain"
	checkoutpg "github.com/pageturn/bookstore/internal/checkout/infrastructure/postgres"
	platformpg "github.com/pageturn/bookstore/internal/platform/postgres"
)

func setupEnv(t *testing.T) (*Env, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	env, err := Setup(ctx)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { env.Teardown(context.Background()) })

	require.NoError(t, platformpg.Migrate(env.PGURL, "../../migrations"))

	pool, err := platformpg.Connect(ctx, env.PGURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return env, pool
}

func insertVariant(t *testing.T, pool *pgxpool.Pool, format catalogdom.Format, stock int) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO variants (id, sku, title, format, price_cents, stock_quantity)
		VALUES ($1, $2, 'The Go Programming Language', $3, 2999, $4)`,
		id, "sku-"+id[:8], format, stock)
	require.NoError(t, err)
	return id
}

func reservedQty(t *testing.T, pool *pgxpool.Pool, variantID string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT reserved_quantity FROM variants WHERE id = $1`, variantID).Scan(&n))
	return n
}

func TestReservationLifecycle(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	ledger := catalogpg.NewLedger(log)
	repo := cartpg.NewRepository(log, pool, ledger, nil)

	variantID := insertVariant(t, pool, catalogdom.FormatHardcover, 5)

	// First shopper holds 3 of 5.
	snap, err := repo.AddItem(ctx, cartdomain.UserIdentity("alice"), variantID, 3)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.True(t, snap.Items[0].IsStockReserved)
	assert.Equal(t, 3, reservedQty(t, pool, variantID))

	// Second shopper wants 3 but only 2 remain unreserved.
	_, err = repo.AddItem(ctx, cartdomain.UserIdentity("bob"), variantID, 3)
	var stockErr *catalogdom.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, 2, stockErr.Available)

	// Shrinking the hold frees units for the second shopper.
	snap, err = repo.UpdateQuantity(ctx, cartdomain.UserIdentity("alice"), snap.Items[0].ItemID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, reservedQty(t, pool, variantID))

	_, err = repo.AddItem(ctx, cartdomain.UserIdentity("bob"), variantID, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, reservedQty(t, pool, variantID))
}

func TestDigitalItemsNeverReserve(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	repo := cartpg.NewRepository(log, pool, catalogpg.NewLedger(log), nil)
	variantID := insertVariant(t, pool, catalogdom.FormatEbook, 0)

	snap, err := repo.AddItem(ctx, cartdomain.GuestIdentity("s1"), variantID, 2)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.False(t, snap.Items[0].IsStockReserved)
	assert.Equal(t, 0, reservedQty(t, pool, variantID))
}

func TestIdleSweepReleasesHolds(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	repo := cartpg.NewRepository(log, pool, catalogpg.NewLedger(log), nil)
	variantID := insertVariant(t, pool, catalogdom.FormatPaperback, 5)

	_, err := repo.AddItem(ctx, cartdomain.UserIdentity("carol"), variantID, 4)
	require.NoError(t, err)
	require.Equal(t, 4, reservedQty(t, pool, variantID))

	// Everything is older than a cutoff in the future.
	released, err := repo.SweepIdleReservations(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, reservedQty(t, pool, variantID))

	// The cart stays usable; adding again re-reserves the full line.
	snap, err := repo.AddItem(ctx, cartdomain.UserIdentity("carol"), variantID, 1)
	require.NoError(t, err)
	assert.True(t, snap.Items[0].IsStockReserved)
	assert.Equal(t, 5, reservedQty(t, pool, variantID))
}

func TestCheckoutSettlement(t *testing.T) {
	_, pool := setupEnv(t)
	ctx := context.Background()

	log := slog.Default()
	ledger := catalogpg.NewLedger(log)
	cartRepo := cartpg.NewRepository(log, pool, ledger, nil)
	checkoutRepo := checkoutpg.NewRepository(log, pool, ledger, nil)

	variantID := insertVariant(t, pool, catalogdom.FormatHardcover, 5)
	identity := cartdomain.UserIdentity("dave")

	_, err := cartRepo.AddItem(ctx, identity, variantID, 2)
	require.NoError(t, err)

	order, err := checkoutRepo.PlaceOrder(ctx, identity, checkoutdom.ShippingAddress{Name: "Dave", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"})
	require.NoError(t, err)
	assert.Equal(t, int64(2*2999), order.TotalCents)

	txn := checkoutdom.Transaction{ID: uuid.NewString(), OrderID: order.ID, Provider: "hmacpay", Status: checkoutdom.TxnPending}
	require.NoError(t, checkoutRepo.CreateTransaction(ctx, txn))
	require.NoError(t, checkoutRepo.SetTransactionInitiated(ctx, txn.ID, "gw-1", []byte(`{}`)))

	applied, prior, err := checkoutRepo.ApplySuccess(ctx, txn.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, checkoutdom.TxnPending, prior)

	// Stock committed: 5 - 2 owned, nothing reserved for this order.
	var stock int
	require.NoError(t, pool.QueryRow(ctx, `SELECT stock_quantity FROM variants WHERE id = $1`, variantID).Scan(&stock))
	assert.Equal(t, 3, stock)

	got, err := checkoutRepo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, checkoutdom.PaymentPaid, got.PaymentStatus)

	// A second delivery of the same outcome is a no-op.
	applied, prior, err = checkoutRepo.ApplySuccess(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, checkoutdom.TxnSuccess, prior)
}
