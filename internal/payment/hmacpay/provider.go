package hmacpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/pageturn/bookstore/internal/payment"
)

const ProviderName = "hmacpay"

// Provider talks to a gateway that signs webhooks with an HMAC-SHA256 hex
// digest of the raw body in the X-Signature header.
type Provider struct {
	log     *slog.Logger
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	keyID   string
	secret  string
}

func New(log *slog.Logger, baseURL, keyID, secret string, timeout time.Duration) *Provider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetBasicAuth(keyID, secret)

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    ProviderName,
		Timeout: 30 * time.Second,
	})

	return &Provider{log: log, client: client, breaker: breaker, keyID: keyID, secret: secret}
}

func (p *Provider) Name() string { return ProviderName }

type initiateResp struct {
	ID         string    `json:"id"`
	PaymentURL string    `json:"payment_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (p *Provider) InitiatePayment(ctx context.Context, req payment.InitiationRequest) (*payment.InitiationResult, error) {
	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetBody(map[string]any{
				"reference":    req.TransactionID,
				"order_ref":    req.OrderID,
				"amount":       req.AmountCents,
				"currency":     req.Currency,
				"callback_url": req.CallbackURL,
			}).
			Post("/v1/payments")
	})
	if err != nil {
		return nil, fmt.Errorf("hmacpay initiate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hmacpay initiate: gateway returned %s", resp.Status())
	}

	var body initiateResp
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hmacpay initiate: decode response: %w", err)
	}
	return &payment.InitiationResult{
		GatewayRefID: body.ID,
		PaymentURL:   body.PaymentURL,
		ExpiresAt:    body.ExpiresAt,
		Raw:          resp.Body(),
	}, nil
}

type webhookBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

func (p *Provider) VerifyWebhook(headers http.Header, body []byte) (*payment.WebhookEvent, error) {
	signature := headers.Get("X-Signature")
	if signature == "" {
		return nil, payment.ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return nil, payment.ErrSignatureInvalid
	}

	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("hmacpay webhook: decode body: %w", err)
	}
	return &payment.WebhookEvent{
		GatewayRefID: wb.ID,
		Outcome:      mapStatus(wb.Status),
		AmountCents:  wb.Amount,
	}, nil
}

type statusResp struct {
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

func (p *Provider) GetStatus(ctx context.Context, gatewayRef string) (*payment.StatusResult, error) {
	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().SetContext(ctx).Get("/v1/payments/" + gatewayRef)
	})
	if err != nil {
		return nil, fmt.Errorf("hmacpay status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hmacpay status: gateway returned %s", resp.Status())
	}

	var body statusResp
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hmacpay status: decode response: %w", err)
	}
	return &payment.StatusResult{Outcome: mapStatus(body.Status), AmountCents: body.Amount}, nil
}

type refundResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *Provider) Refund(ctx context.Context, gatewayRef string, amountCents int64, reason string) (*payment.RefundResult, error) {
	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetBody(map[string]any{"amount": amountCents, "reason": reason}).
			Post("/v1/payments/" + gatewayRef + "/refund")
	})
	if err != nil {
		return nil, fmt.Errorf("hmacpay refund: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hmacpay refund: gateway returned %s", resp.Status())
	}

	var body refundResp
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hmacpay refund: decode response: %w", err)
	}
	return &payment.RefundResult{RefundRefID: body.ID, Status: body.Status}, nil
}

func mapStatus(s string) payment.Outcome {
	switch s {
	case "captured", "paid":
		return payment.OutcomeSuccess
	case "failed", "expired", "cancelled":
		return payment.OutcomeFailed
	default:
		return payment.OutcomePending
	}
}
