package application

import (
	"context"
	"errors"
	"time"

	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrOrderNotPending     = errors.New("order is not awaiting payment")
	ErrPaymentInitiation   = errors.New("payment initiation failed")
)

// Repository owns the transactional work of the checkout flow. Every method
// runs in its own database transaction; PlaceOrder and the Apply* methods
// compose the stock ledger inside that transaction.
type Repository interface {
	// PlaceOrder locks the identity's ACTIVE cart, re-reserves any lapsed
	// holds, materializes the order with a copy of the cart lines, and moves
	// the cart to CHECKOUT. A *catalog.StockError aborts the whole step.
	PlaceOrder(ctx context.Context, id cartdomain.Identity, shipping domain.ShippingAddress) (domain.Order, error)

	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	CreateTransaction(ctx context.Context, txn domain.Transaction) error
	// SetTransactionInitiated records the gateway reference and raw payload
	// once the provider has accepted the payment.
	SetTransactionInitiated(ctx context.Context, txnID, gatewayRef string, raw []byte) error
	MarkTransactionFailed(ctx context.Context, txnID string) error

	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	FindTransactionByGatewayRef(ctx context.Context, provider, gatewayRef string) (*domain.Transaction, error)

	// ApplySuccess settles a paid transaction: transaction SUCCESS, order
	// PAID, stock committed for physical items, cart COMPLETED, order.paid
	// outbox event. It only acts on a PENDING transaction; otherwise it
	// returns applied=false and the status that blocked it.
	ApplySuccess(ctx context.Context, txnID string) (applied bool, prior domain.TransactionStatus, err error)
	// ApplyFailure marks the transaction and order FAILED and reverts the
	// cart to ACTIVE. When releaseStock is true the reservation is also
	// released immediately; otherwise the idle-cart sweep reclaims it.
	ApplyFailure(ctx context.Context, txnID string, releaseStock bool) (applied bool, err error)

	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)

	// TimeoutPendingOrders fails orders that never saw a payment outcome,
	// releasing their reservations and abandoning carts still in CHECKOUT.
	TimeoutPendingOrders(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// ProviderSource resolves a named payment gateway. *payment.Registry
// satisfies it.
type ProviderSource interface {
	Get(name string) (payment.Provider, error)
}
