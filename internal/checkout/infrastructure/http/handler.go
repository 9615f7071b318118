package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	cartapp "github.com/pageturn/bookstore/internal/cart/application"
	cartdomain "github.com/pageturn/bookstore/internal/cart/domain"
	catalogdom "github.com/pageturn/bookstore/internal/catalog/domain"
	"github.com/pageturn/bookstore/internal/checkout/application"
	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

// maxWebhookBody caps the gateway callback payload read into memory.
const maxWebhookBody = 1 << 20

type Handler struct {
	log        *slog.Logger
	service    *application.Service
	reconciler *application.Reconciler
	tracer     trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service, reconciler *application.Reconciler) *Handler {
	return &Handler{
		log:        log,
		service:    service,
		reconciler: reconciler,
		tracer:     otel.Tracer("checkout-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/", h.checkout)
	r.Post("/orders/{orderID}/retry", h.retryPayment)
	return r
}

// WebhookRoutes is mounted separately from the customer-facing routes; the
// gateways call it without any shopper identity headers.
func (h *Handler) WebhookRoutes() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}", h.webhook)
	return r
}

type checkoutReq struct {
	Provider string                 `json:"provider"`
	Shipping domain.ShippingAddress `json:"shipping"`
}

type retryReq struct {
	Provider string `json:"provider"`
}

func identityFrom(r *http.Request) cartdomain.Identity {
	if userID := r.Header.Get("X-User-Id"); userID != "" {
		return cartdomain.UserIdentity(userID)
	}
	return cartdomain.GuestIdentity(r.Header.Get("X-Session-Id"))
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Checkout")
	defer span.End()

	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid json"))
		return
	}
	if req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errBody("provider is required"))
		return
	}

	res, err := h.service.Checkout(ctx, application.CheckoutCommand{
		Identity:       identityFrom(r),
		Provider:       req.Provider,
		Shipping:       req.Shipping,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RetryPayment")
	defer span.End()

	var req retryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid json"))
		return
	}

	res, err := h.service.RetryPayment(ctx, identityFrom(r), chi.URLParam(r, "orderID"), req.Provider)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// webhook authenticates and applies a gateway callback. Anything already
// settled or unknown is acknowledged with 200 so the gateway stops
// redelivering; only a bad signature or unknown provider is rejected.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("unreadable body"))
		return
	}

	err = h.reconciler.HandleWebhook(ctx, chi.URLParam(r, "provider"), r.Header, body)
	switch {
	case err == nil, errors.Is(err, application.ErrTransactionNotFound):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, payment.ErrUnknownProvider):
		writeJSON(w, http.StatusNotFound, errBody("unknown provider"))
	case errors.Is(err, payment.ErrSignatureInvalid):
		writeJSON(w, http.StatusUnauthorized, errBody("signature verification failed"))
	default:
		// Processing failed after verification; a 5xx makes the gateway
		// redeliver and the settlement stays idempotent.
		h.log.Error("webhook processing failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var stockErr *catalogdom.StockError
	switch {
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient_stock",
			"variant_id": stockErr.VariantID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.Is(err, cartapp.ErrCartNotFound):
		writeJSON(w, http.StatusNotFound, errBody("no active cart"))
	case errors.Is(err, cartapp.ErrCartEmpty):
		writeJSON(w, http.StatusUnprocessableEntity, errBody("cart is empty"))
	case errors.Is(err, application.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errBody("order not found"))
	case errors.Is(err, application.ErrOrderNotPending):
		writeJSON(w, http.StatusConflict, errBody("order is not awaiting payment"))
	case errors.Is(err, payment.ErrUnknownProvider):
		writeJSON(w, http.StatusBadRequest, errBody("unknown payment provider"))
	case errors.Is(err, application.ErrPaymentInitiation):
		writeJSON(w, http.StatusBadGateway, errBody("payment initiation failed"))
	case errors.Is(err, cartdomain.ErrInvalidIdentity):
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
	default:
		h.log.Error("checkout request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errBody("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
