package hashpay

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/pageturn/bookstore/internal/payment"
)

const ProviderName = "hashpay"

const payPath = "/pg/v1/pay"

// Provider talks to a gateway using the hashed-payload scheme: requests and
// webhooks carry an X-VERIFY header of SHA256(base64Payload + path + secret)
// suffixed with "###" and the key index.
type Provider struct {
	log      *slog.Logger
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker[*resty.Response]
	merchant string
	secret   string
	keyIndex string
}

func New(log *slog.Logger, baseURL, merchant, secret, keyIndex string, timeout time.Duration) *Provider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    ProviderName,
		Timeout: 30 * time.Second,
	})

	return &Provider{log: log, client: client, breaker: breaker, merchant: merchant, secret: secret, keyIndex: keyIndex}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) sign(payload, path string) string {
	sum := sha256.Sum256([]byte(payload + path + p.secret))
	return hex.EncodeToString(sum[:]) + "###" + p.keyIndex
}

type payPayload struct {
	MerchantID            string `json:"merchantId"`
	MerchantTransactionID string `json:"merchantTransactionId"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	CallbackURL           string `json:"callbackUrl"`
}

type payResp struct {
	Data struct {
		TransactionID string `json:"transactionId"`
		RedirectURL   string `json:"redirectUrl"`
		QRData        string `json:"qrData"`
		ExpiresAt     int64  `json:"expiresAt"`
	} `json:"data"`
}

func (p *Provider) InitiatePayment(ctx context.Context, req payment.InitiationRequest) (*payment.InitiationResult, error) {
	raw, err := json.Marshal(payPayload{
		MerchantID:            p.merchant,
		MerchantTransactionID: req.TransactionID,
		Amount:                req.AmountCents,
		Currency:              req.Currency,
		CallbackURL:           req.CallbackURL,
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetHeader("X-VERIFY", p.sign(encoded, payPath)).
			SetBody(map[string]string{"request": encoded}).
			Post(payPath)
	})
	if err != nil {
		return nil, fmt.Errorf("hashpay initiate: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hashpay initiate: gateway returned %s", resp.Status())
	}

	var body payResp
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hashpay initiate: decode response: %w", err)
	}
	var expires time.Time
	if body.Data.ExpiresAt > 0 {
		expires = time.UnixMilli(body.Data.ExpiresAt)
	}
	return &payment.InitiationResult{
		GatewayRefID: body.Data.TransactionID,
		PaymentURL:   body.Data.RedirectURL,
		QRCode:       body.Data.QRData,
		ExpiresAt:    expires,
		Raw:          resp.Body(),
	}, nil
}

type callbackBody struct {
	Response string `json:"response"`
}

type callbackPayload struct {
	TransactionID string `json:"transactionId"`
	Code          string `json:"code"`
	Amount        int64  `json:"amount"`
}

func (p *Provider) VerifyWebhook(headers http.Header, body []byte) (*payment.WebhookEvent, error) {
	verify := headers.Get("X-VERIFY")
	if verify == "" || !strings.Contains(verify, "###") {
		return nil, payment.ErrSignatureInvalid
	}

	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("hashpay webhook: decode body: %w", err)
	}

	expected := p.sign(cb.Response, "")
	if subtle.ConstantTimeCompare([]byte(expected), []byte(verify)) != 1 {
		return nil, payment.ErrSignatureInvalid
	}

	decoded, err := base64.StdEncoding.DecodeString(cb.Response)
	if err != nil {
		return nil, fmt.Errorf("hashpay webhook: decode payload: %w", err)
	}
	var payload callbackPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("hashpay webhook: parse payload: %w", err)
	}
	return &payment.WebhookEvent{
		GatewayRefID: payload.TransactionID,
		Outcome:      mapCode(payload.Code),
		AmountCents:  payload.Amount,
	}, nil
}

type statusResp struct {
	Code string `json:"code"`
	Data struct {
		Amount int64 `json:"amount"`
	} `json:"data"`
}

func (p *Provider) GetStatus(ctx context.Context, gatewayRef string) (*payment.StatusResult, error) {
	path := fmt.Sprintf("/pg/v1/status/%s/%s", p.merchant, gatewayRef)
	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetHeader("X-VERIFY", p.sign("", path)).
			Get(path)
	})
	if err != nil {
		return nil, fmt.Errorf("hashpay status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hashpay status: gateway returned %s", resp.Status())
	}

	var body statusResp
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hashpay status: decode response: %w", err)
	}
	return &payment.StatusResult{Outcome: mapCode(body.Code), AmountCents: body.Data.Amount}, nil
}

func (p *Provider) Refund(ctx context.Context, gatewayRef string, amountCents int64, reason string) (*payment.RefundResult, error) {
	raw, err := json.Marshal(map[string]any{
		"merchantId":    p.merchant,
		"transactionId": gatewayRef,
		"amount":        amountCents,
		"reason":        reason,
	})
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	const refundPath = "/pg/v1/refund"

	resp, err := p.breaker.Execute(func() (*resty.Response, error) {
		return p.client.R().
			SetContext(ctx).
			SetHeader("X-VERIFY", p.sign(encoded, refundPath)).
			SetBody(map[string]string{"request": encoded}).
			Post(refundPath)
	})
	if err != nil {
		return nil, fmt.Errorf("hashpay refund: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hashpay refund: gateway returned %s", resp.Status())
	}

	var body struct {
		Data struct {
			RefundID string `json:"refundId"`
			State    string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("hashpay refund: decode response: %w", err)
	}
	return &payment.RefundResult{RefundRefID: body.Data.RefundID, Status: body.Data.State}, nil
}

func mapCode(code string) payment.Outcome {
	switch code {
	case "PAYMENT_SUCCESS":
		return payment.OutcomeSuccess
	case "PAYMENT_ERROR", "PAYMENT_DECLINED", "TIMED_OUT":
		return payment.OutcomeFailed
	default:
		return payment.OutcomePending
	}
}
