package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	"github.com/pageturn/bookstore/internal/checkout/application"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

type stubRepo struct {
	order    domain.Order
	txnByRef *domain.Transaction
	applied  int
}

func (s *stubRepo) PlaceOrder(_ context.Context, _ cartdomain.Identity, _ domain.ShippingAddress) (domain.Order, error) {
	return s.order, nil
}

func (s *stubRepo) GetOrder(_ context.Context, _ string) (domain.Order, error) {
	return s.order, nil
}

func (s *stubRepo) CreateTransaction(_ context.Context, _ domain.Transaction) error { return nil }

func (s *stubRepo) SetTransactionInitiated(_ context.Context, _, _ string, _ []byte) error {
	return nil
}

func (s *stubRepo) MarkTransactionFailed(_ context.Context, _ string) error { return nil }

func (s *stubRepo) FindTransactionByIdempotencyKey(_ context.Context, _ string) (*domain.Transaction, error) {
	return nil, nil
}

func (s *stubRepo) FindTransactionByGatewayRef(_ context.Context, _, _ string) (*domain.Transaction, error) {
	return s.txnByRef, nil
}

func (s *stubRepo) ApplySuccess(_ context.Context, _ string) (bool, domain.TransactionStatus, error) {
	s.applied++
	return true, domain.TxnPending, nil
}

func (s *stubRepo) ApplyFailure(_ context.Context, _ string, _ bool) (bool, error) {
	return true, nil
}

func (s *stubRepo) ListStalePending(_ context.Context, _ time.Time, _ int) ([]domain.Transaction, error) {
	return nil, nil
}

func (s *stubRepo) TimeoutPendingOrders(_ context.Context, _ time.Time, _ int) (int, error) {
	return 0, nil
}

type stubGateway struct {
	event    *payment.WebhookEvent
	eventErr error
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) InitiatePayment(_ context.Context, _ payment.InitiationRequest) (*payment.InitiationResult, error) {
	return &payment.InitiationResult{GatewayRefID: "gw-1", PaymentURL: "https://pay/gw-1", Raw: []byte(`{}`)}, nil
}

func (g *stubGateway) VerifyWebhook(_ http.Header, _ []byte) (*payment.WebhookEvent, error) {
	return g.event, g.eventErr
}

func (g *stubGateway) GetStatus(_ context.Context, _ string) (*payment.StatusResult, error) {
	return &payment.StatusResult{Outcome: payment.OutcomePending}, nil
}

func (g *stubGateway) Refund(_ context.Context, _ string, _ int64, _ string) (*payment.RefundResult, error) {
	return &payment.RefundResult{}, nil
}

func newHandler(repo application.Repository, gw payment.Provider) *Handler {
	log := slog.Default()
	registry := payment.NewRegistry(gw)
	svc := application.NewService(log, repo, registry, "USD", "https://shop.example.com")
	rec := application.NewReconciler(log, repo, registry, false)
	return NewHandler(log, svc, rec)
}

func TestCheckout_Created(t *testing.T) {
	repo := &stubRepo{order: domain.Order{ID: "o1", PaymentStatus: domain.PaymentPending, TotalCents: 100}}
	h := newHandler(repo, &stubGateway{})

	body, _ := json.Marshal(map[string]any{"provider": "stub"})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()

	h.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var res application.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "o1", res.OrderID)
	assert.Equal(t, "https://pay/gw-1", res.PaymentURL)
}

func TestCheckout_RequiresProvider(t *testing.T) {
	h := newHandler(&stubRepo{}, &stubGateway{})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{}`))
	req.Header.Set("X-User-Id", "u1")
	w := httptest.NewRecorder()

	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryPayment_ForeignOrderIsNotFound(t *testing.T) {
	repo := &stubRepo{order: domain.Order{ID: "o-alice", UserID: "user:alice", PaymentStatus: domain.PaymentPending}}
	h := newHandler(repo, &stubGateway{})

	req := httptest.NewRequest(http.MethodPost, "/orders/o-alice/retry", bytes.NewBufferString(`{"provider":"stub"}`))
	req.Header.Set("X-User-Id", "mallory")
	w := httptest.NewRecorder()

	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryPayment_OwnerCanRetry(t *testing.T) {
	repo := &stubRepo{order: domain.Order{ID: "o-alice", UserID: "user:alice", PaymentStatus: domain.PaymentPending, TotalCents: 500}}
	h := newHandler(repo, &stubGateway{})

	req := httptest.NewRequest(http.MethodPost, "/orders/o-alice/retry", bytes.NewBufferString(`{"provider":"stub"}`))
	req.Header.Set("X-User-Id", "alice")
	w := httptest.NewRecorder()

	h.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var res application.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "o-alice", res.OrderID)
}

func TestWebhook_AcksProcessedOutcome(t *testing.T) {
	repo := &stubRepo{txnByRef: &domain.Transaction{ID: "t1", OrderID: "o1", Provider: "stub", GatewayRefID: "gw-1"}}
	gw := &stubGateway{event: &payment.WebhookEvent{GatewayRefID: "gw-1", Outcome: payment.OutcomeSuccess}}
	h := newHandler(repo, gw)

	req := httptest.NewRequest(http.MethodPost, "/stub", bytes.NewBufferString(`{"ref":"gw-1"}`))
	w := httptest.NewRecorder()

	h.WebhookRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, repo.applied)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	gw := &stubGateway{eventErr: payment.ErrSignatureInvalid}
	h := newHandler(&stubRepo{}, gw)

	req := httptest.NewRequest(http.MethodPost, "/stub", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	h.WebhookRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_AcksUnknownTransaction(t *testing.T) {
	gw := &stubGateway{event: &payment.WebhookEvent{GatewayRefID: "gw-missing", Outcome: payment.OutcomeSuccess}}
	h := newHandler(&stubRepo{}, gw)

	req := httptest.NewRequest(http.MethodPost, "/stub", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	h.WebhookRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_UnknownProvider(t *testing.T) {
	h := newHandler(&stubRepo{}, &stubGateway{})

	req := httptest.NewRequest(http.MethodPost, "/nope", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	h.WebhookRoutes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
