package application

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

type mockRepo struct {
	order        domain.Order
	placeErr     error
	txnByKey     *domain.Transaction
	txnByRef     *domain.Transaction
	created      []domain.Transaction
	initiated    []string
	markedFailed []string

	successApplied bool
	successPrior   domain.TransactionStatus
	successCalls   int
	failureCalls   int
	failureRelease bool

	stale []domain.Transaction
}

func (m *mockRepo) PlaceOrder(_ context.Context, _ cartdomain.Identity, _ domain.ShippingAddress) (domain.Order, error) {
	return m.order, m.placeErr
}

func (m *mockRepo) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	if m.order.ID != orderID {
		return domain.Order{}, ErrOrderNotFound
	}
	return m.order, nil
}

func (m *mockRepo) CreateTransaction(_ context.Context, txn domain.Transaction) error {
	m.created = append(m.created, txn)
	return nil
}

func (m *mockRepo) SetTransactionInitiated(_ context.Context, txnID, _ string, _ []byte) error {
	m.initiated = append(m.initiated, txnID)
	return nil
}

func (m *mockRepo) MarkTransactionFailed(_ context.Context, txnID string) error {
	m.markedFailed = append(m.markedFailed, txnID)
	return nil
}

func (m *mockRepo) FindTransactionByIdempotencyKey(_ context.Context, _ string) (*domain.Transaction, error) {
	return m.txnByKey, nil
}

func (m *mockRepo) FindTransactionByGatewayRef(_ context.Context, _, _ string) (*domain.Transaction, error) {
	return m.txnByRef, nil
}

func (m *mockRepo) ApplySuccess(_ context.Context, _ string) (bool, domain.TransactionStatus, error) {
	m.successCalls++
	return m.successApplied, m.successPrior, nil
}

func (m *mockRepo) ApplyFailure(_ context.Context, _ string, releaseStock bool) (bool, error) {
	m.failureCalls++
	m.failureRelease = releaseStock
	return true, nil
}

func (m *mockRepo) ListStalePending(_ context.Context, _ time.Time, _ int) ([]domain.Transaction, error) {
	return m.stale, nil
}

func (m *mockRepo) TimeoutPendingOrders(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

type stubProvider struct {
	name      string
	initRes   *payment.InitiationResult
	initErr   error
	initCalls int

	event    *payment.WebhookEvent
	eventErr error

	status    *payment.StatusResult
	statusErr error

	refunds []string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) InitiatePayment(_ context.Context, _ payment.InitiationRequest) (*payment.InitiationResult, error) {
	p.initCalls++
	return p.initRes, p.initErr
}

func (p *stubProvider) VerifyWebhook(_ http.Header, _ []byte) (*payment.WebhookEvent, error) {
	return p.event, p.eventErr
}

func (p *stubProvider) GetStatus(_ context.Context, _ string) (*payment.StatusResult, error) {
	return p.status, p.statusErr
}

func (p *stubProvider) Refund(_ context.Context, gatewayRef string, _ int64, _ string) (*payment.RefundResult, error) {
	p.refunds = append(p.refunds, gatewayRef)
	return &payment.RefundResult{RefundRefID: "rf-1", Status: "ACCEPTED"}, nil
}

func newCheckoutService(repo Repository, providers ...payment.Provider) *Service {
	return NewService(slog.Default(), repo, payment.NewRegistry(providers...), "USD", "https://shop.example.com")
}

func TestCheckout_HappyPath(t *testing.T) {
	repo := &mockRepo{order: domain.Order{ID: "o1", PaymentStatus: domain.PaymentPending, TotalCents: 4200}}
	provider := &stubProvider{
		name: "hmacpay",
		initRes: &payment.InitiationResult{
			GatewayRefID: "gw-1",
			PaymentURL:   "https://pay.example.com/gw-1",
			Raw:          []byte(`{"id":"gw-1"}`),
		},
	}
	svc := newCheckoutService(repo, provider)

	res, err := svc.Checkout(context.Background(), CheckoutCommand{
		Identity: cartdomain.UserIdentity("u1"),
		Provider: "hmacpay",
	})

	require.NoError(t, err)
	assert.Equal(t, "o1", res.OrderID)
	assert.Equal(t, domain.TxnPending, res.Status)
	assert.Equal(t, "https://pay.example.com/gw-1", res.PaymentURL)
	assert.False(t, res.Replayed)
	require.Len(t, repo.created, 1)
	assert.Equal(t, res.TransactionID, repo.created[0].ID)
	assert.Equal(t, []string{res.TransactionID}, repo.initiated)
}

func TestCheckout_ReplaysIdempotencyKey(t *testing.T) {
	repo := &mockRepo{txnByKey: &domain.Transaction{
		ID:          "t-prior",
		OrderID:     "o-prior",
		Provider:    "hmacpay",
		Status:      domain.TxnPending,
		RawResponse: []byte(`{"id":"gw-prior"}`),
	}}
	provider := &stubProvider{name: "hmacpay"}
	svc := newCheckoutService(repo, provider)

	res, err := svc.Checkout(context.Background(), CheckoutCommand{
		Identity:       cartdomain.UserIdentity("u1"),
		Provider:       "hmacpay",
		IdempotencyKey: "key-1",
	})

	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "o-prior", res.OrderID)
	assert.JSONEq(t, `{"id":"gw-prior"}`, string(res.Raw))
	assert.Zero(t, provider.initCalls)
	assert.Empty(t, repo.created)
}

func TestCheckout_UnknownProvider(t *testing.T) {
	repo := &mockRepo{}
	svc := newCheckoutService(repo)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		Identity: cartdomain.UserIdentity("u1"),
		Provider: "nope",
	})

	assert.ErrorIs(t, err, payment.ErrUnknownProvider)
}

func TestCheckout_StockErrorAbortsBeforePayment(t *testing.T) {
	stockErr := &catalogdom.StockError{VariantID: "v1", Requested: 3, Available: 1}
	repo := &mockRepo{placeErr: stockErr}
	provider := &stubProvider{name: "hmacpay"}
	svc := newCheckoutService(repo, provider)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		Identity: cartdomain.UserIdentity("u1"),
		Provider: "hmacpay",
	})

	var got *catalogdom.StockError
	require.ErrorAs(t, err, &got)
	assert.Zero(t, provider.initCalls)
	assert.Empty(t, repo.created)
}

func TestCheckout_InitiationFailureLeavesOrderPending(t *testing.T) {
	repo := &mockRepo{order: domain.Order{ID: "o1", PaymentStatus: domain.PaymentPending}}
	provider := &stubProvider{name: "hmacpay", initErr: errors.New("gateway down")}
	svc := newCheckoutService(repo, provider)

	_, err := svc.Checkout(context.Background(), CheckoutCommand{
		Identity: cartdomain.UserIdentity("u1"),
		Provider: "hmacpay",
	})

	assert.ErrorIs(t, err, ErrPaymentInitiation)
	require.Len(t, repo.created, 1)
	assert.Equal(t, []string{repo.created[0].ID}, repo.markedFailed)
	assert.Empty(t, repo.initiated)
}

func TestRetryPayment(t *testing.T) {
	repo := &mockRepo{order: domain.Order{ID: "o1", UserID: "user:u1", PaymentStatus: domain.PaymentPending, TotalCents: 900}}
	provider := &stubProvider{
		name:    "hashpay",
		initRes: &payment.InitiationResult{GatewayRefID: "gw-2", PaymentURL: "https://pay/gw-2"},
	}
	svc := newCheckoutService(repo, provider)

	res, err := svc.RetryPayment(context.Background(), cartdomain.UserIdentity("u1"), "o1", "hashpay")

	require.NoError(t, err)
	assert.Equal(t, "o1", res.OrderID)
	require.Len(t, repo.created, 1)
	assert.Nil(t, repo.created[0].IdempotencyKey)
}

func TestRetryPayment_RejectsSettledOrder(t *testing.T) {
	repo := &mockRepo{order: domain.Order{ID: "o1", UserID: "user:u1", PaymentStatus: domain.PaymentPaid}}
	provider := &stubProvider{name: "hashpay"}
	svc := newCheckoutService(repo, provider)

	_, err := svc.RetryPayment(context.Background(), cartdomain.UserIdentity("u1"), "o1", "hashpay")

	assert.ErrorIs(t, err, ErrOrderNotPending)
	assert.Zero(t, provider.initCalls)
}

func TestRetryPayment_RejectsForeignOrder(t *testing.T) {
	repo := &mockRepo{order: domain.Order{ID: "o-alice", UserID: "user:alice", PaymentStatus: domain.PaymentPending}}
	provider := &stubProvider{
		name:    "hashpay",
		initRes: &payment.InitiationResult{GatewayRefID: "gw-3"},
	}
	svc := newCheckoutService(repo, provider)

	_, err := svc.RetryPayment(context.Background(), cartdomain.UserIdentity("mallory"), "o-alice", "hashpay")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.RetryPayment(context.Background(), cartdomain.GuestIdentity("s1"), "o-alice", "hashpay")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.RetryPayment(context.Background(), cartdomain.Identity{}, "o-alice", "hashpay")
	assert.ErrorIs(t, err, cartdomain.ErrInvalidIdentity)

	assert.Zero(t, provider.initCalls)
	assert.Empty(t, repo.created)
}
