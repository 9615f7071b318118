package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

type CheckoutCommand struct {
	Identity       cartdomain.Identity
	Provider       string
	Shipping       domain.ShippingAddress
	IdempotencyKey string
}

type CheckoutResult struct {
	OrderID       string                   `json:"order_id"`
	TransactionID string                   `json:"transaction_id"`
	Provider      string                   `json:"provider"`
	Status        domain.TransactionStatus `json:"status"`
	PaymentURL    string                   `json:"payment_url,omitempty"`
	QRCode        string                   `json:"qr_code,omitempty"`
	ExpiresAt     *time.Time               `json:"expires_at,omitempty"`
	Raw           json.RawMessage          `json:"raw,omitempty"`
	Replayed      bool                     `json:"-"`
}

// Service coordinates the checkout flow: it places the order inside one
// database transaction, then initiates payment against the gateway outside
// of it, and records the outcome of that call.
type Service struct {
	log         *slog.Logger
	repo        Repository
	providers   ProviderSource
	currency    string
	callbackURL string
}

func NewService(log *slog.Logger, repo Repository, providers ProviderSource, currency, callbackBaseURL string) *Service {
	return &Service{
		log:         log,
		repo:        repo,
		providers:   providers,
		currency:    currency,
		callbackURL: callbackBaseURL,
	}
}

func (s *Service) Checkout(ctx context.Context, cmd CheckoutCommand) (*CheckoutResult, error) {
	if err := cmd.Identity.Validate(); err != nil {
		return nil, err
	}

	if cmd.IdempotencyKey != "" {
		txn, err := s.repo.FindTransactionByIdempotencyKey(ctx, cmd.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if txn != nil {
			s.log.InfoContext(ctx, "checkout replayed from idempotency key",
				slog.String("transaction_id", txn.ID), slog.String("order_id", txn.OrderID))
			res := resultFromTransaction(txn)
			res.Replayed = true
			return res, nil
		}
	}

	provider, err := s.providers.Get(cmd.Provider)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.PlaceOrder(ctx, cmd.Identity, cmd.Shipping)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID), slog.Int64("total_cents", order.TotalCents))

	return s.initiate(ctx, provider, order, cmd.IdempotencyKey)
}

// RetryPayment starts a fresh payment attempt against an existing order that
// is still awaiting payment. It creates a new transaction; the previous one
// is left for the reconciler.
func (s *Service) RetryPayment(ctx context.Context, id cartdomain.Identity, orderID, providerName string) (*CheckoutResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	provider, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != id.Key() {
		// Another shopper's order looks like no order at all.
		return nil, ErrOrderNotFound
	}
	if order.PaymentStatus != domain.PaymentPending {
		return nil, ErrOrderNotPending
	}
	return s.initiate(ctx, provider, order, "")
}

func (s *Service) initiate(ctx context.Context, provider payment.Provider, order domain.Order, idempotencyKey string) (*CheckoutResult, error) {
	txn := domain.Transaction{
		ID:       uuid.NewString(),
		OrderID:  order.ID,
		Provider: provider.Name(),
		Status:   domain.TxnPending,
	}
	if idempotencyKey != "" {
		txn.IdempotencyKey = &idempotencyKey
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	res, err := provider.InitiatePayment(ctx, payment.InitiationRequest{
		OrderID:       order.ID,
		TransactionID: txn.ID,
		AmountCents:   order.TotalCents,
		Currency:      s.currency,
		CallbackURL:   s.callbackURL + "/webhooks/" + provider.Name(),
	})
	if err != nil {
		// The order stays PENDING; the client may retry with a new attempt.
		if markErr := s.repo.MarkTransactionFailed(ctx, txn.ID); markErr != nil {
			s.log.ErrorContext(ctx, "failed to mark transaction failed",
				slog.String("transaction_id", txn.ID), slog.String("error", markErr.Error()))
		}
		s.log.WarnContext(ctx, "payment initiation failed",
			slog.String("order_id", order.ID), slog.String("provider", provider.Name()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s", ErrPaymentInitiation, err)
	}

	if err := s.repo.SetTransactionInitiated(ctx, txn.ID, res.GatewayRefID, res.Raw); err != nil {
		return nil, fmt.Errorf("record initiation: %w", err)
	}
	s.log.InfoContext(ctx, "payment initiated",
		slog.String("order_id", order.ID), slog.String("transaction_id", txn.ID),
		slog.String("provider", provider.Name()), slog.String("gateway_ref", res.GatewayRefID))

	out := &CheckoutResult{
		OrderID:       order.ID,
		TransactionID: txn.ID,
		Provider:      provider.Name(),
		Status:        domain.TxnPending,
		PaymentURL:    res.PaymentURL,
		QRCode:        res.QRCode,
		Raw:           json.RawMessage(res.Raw),
	}
	if !res.ExpiresAt.IsZero() {
		out.ExpiresAt = &res.ExpiresAt
	}
	return out, nil
}

func resultFromTransaction(txn *domain.Transaction) *CheckoutResult {
	return &CheckoutResult{
		OrderID:       txn.OrderID,
		TransactionID: txn.ID,
		Provider:      txn.Provider,
		Status:        txn.Status,
		Raw:           json.RawMessage(txn.RawResponse),
	}
}
