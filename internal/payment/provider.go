package payment

import (
	"context"
	"errors"
	"net/http"
	"time"
)

type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

var (
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)

type InitiationRequest struct {
	OrderID       string
	TransactionID string
	AmountCents   int64
	Currency      string
	CallbackURL   string
}

type InitiationResult struct {
	GatewayRefID string
	PaymentURL   string
	QRCode       string
	ExpiresAt    time.Time
	Raw          []byte
}

// WebhookEvent is the verified, provider-neutral view of a gateway callback.
type WebhookEvent struct {
	GatewayRefID string
	Outcome      Outcome
	AmountCents  int64
}

type StatusResult struct {
	Outcome     Outcome
	AmountCents int64
}

type RefundResult struct {
	RefundRefID string
	Status      string
}

// Provider abstracts one payment gateway. VerifyWebhook must authenticate
// the raw body before any payload field is trusted.
type Provider interface {
	Name() string
	InitiatePayment(ctx context.Context, req InitiationRequest) (*InitiationResult, error)
	VerifyWebhook(headers http.Header, body []byte) (*WebhookEvent, error)
	GetStatus(ctx context.Context, gatewayRef string) (*StatusResult, error)
	Refund(ctx context.Context, gatewayRef string, amountCents int64, reason string) (*RefundResult, error)
}

// Registry selects providers by name; the set is fixed at startup by
// configuration.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
