package application

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pageturn/bookstore/internal/checkout/domain"
	"github.com/pageturn/bookstore/internal/payment"
)

// Reconciler drives payment outcomes into the order state machine. Webhooks
// and the polling sweep both funnel through apply, so an outcome is settled
// exactly once no matter which path reports it first.
type Reconciler struct {
	log            *slog.Logger
	repo           Repository
	providers      ProviderSource
	dedup          WebhookDeduper
	releaseOnFail  bool
	pollBatchLimit int
}

// WebhookDeduper short-circuits repeated deliveries of the same outcome.
// It is best effort; the transaction row lock stays the real barrier.
type WebhookDeduper interface {
	WebhookKey(provider, gatewayRef string) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

func NewReconciler(log *slog.Logger, repo Repository, providers ProviderSource, releaseOnFailure bool) *Reconciler {
	return &Reconciler{
		log:            log,
		repo:           repo,
		providers:      providers,
		releaseOnFail:  releaseOnFailure,
		pollBatchLimit: 100,
	}
}

// WithDedup enables the Redis fast path for duplicate webhook deliveries.
func (r *Reconciler) WithDedup(d WebhookDeduper) *Reconciler {
	r.dedup = d
	return r
}

// HandleWebhook authenticates a gateway callback and applies its outcome.
// An unknown gateway reference returns ErrTransactionNotFound; the HTTP
// layer still acknowledges it so the gateway stops redelivering.
func (r *Reconciler) HandleWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) error {
	provider, err := r.providers.Get(providerName)
	if err != nil {
		return err
	}
	event, err := provider.VerifyWebhook(headers, body)
	if err != nil {
		return err
	}

	var dedupKey string
	if r.dedup != nil {
		dedupKey = r.dedup.WebhookKey(providerName, event.GatewayRefID+":"+string(event.Outcome))
		seen, err := r.dedup.Seen(ctx, dedupKey)
		if err != nil {
			r.log.WarnContext(ctx, "webhook dedup unavailable", slog.String("error", err.Error()))
		} else if seen {
			r.log.InfoContext(ctx, "duplicate webhook delivery dropped",
				slog.String("provider", providerName), slog.String("gateway_ref", event.GatewayRefID))
			return nil
		}
	}

	txn, err := r.repo.FindTransactionByGatewayRef(ctx, providerName, event.GatewayRefID)
	if err != nil {
		r.forget(ctx, dedupKey)
		return fmt.Errorf("lookup by gateway ref: %w", err)
	}
	if txn == nil {
		// The webhook may have raced initiation; leave the dedup key clear
		// so a redelivery can settle once the gateway ref lands.
		r.forget(ctx, dedupKey)
		r.log.WarnContext(ctx, "webhook for unknown transaction",
			slog.String("provider", providerName), slog.String("gateway_ref", event.GatewayRefID))
		return ErrTransactionNotFound
	}

	if err := r.apply(ctx, provider, txn, event.Outcome); err != nil {
		r.forget(ctx, dedupKey)
		return err
	}
	return nil
}

func (r *Reconciler) forget(ctx context.Context, dedupKey string) {
	if r.dedup == nil || dedupKey == "" {
		return
	}
	_ = r.dedup.Forget(ctx, dedupKey)
}

// Sweep polls the gateway for transactions that have sat PENDING past the
// grace window and applies whatever status it finds. Returns the number of
// transactions whose state changed.
func (r *Reconciler) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	txns, err := r.repo.ListStalePending(ctx, olderThan, r.pollBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	var settled int
	for _, txn := range txns {
		if txn.GatewayRefID == "" {
			// Initiation never completed; the order-timeout worker owns it.
			continue
		}
		provider, err := r.providers.Get(txn.Provider)
		if err != nil {
			r.log.ErrorContext(ctx, "stale transaction references unknown provider",
				slog.String("transaction_id", txn.ID), slog.String("provider", txn.Provider))
			continue
		}
		status, err := provider.GetStatus(ctx, txn.GatewayRefID)
		if err != nil {
			r.log.WarnContext(ctx, "status poll failed",
				slog.String("transaction_id", txn.ID), slog.String("error", err.Error()))
			continue
		}
		if status.Outcome == payment.OutcomePending {
			continue
		}
		if err := r.apply(ctx, provider, &txn, status.Outcome); err != nil {
			r.log.ErrorContext(ctx, "failed to apply polled outcome",
				slog.String("transaction_id", txn.ID), slog.String("error", err.Error()))
			continue
		}
		settled++
	}
	return settled, nil
}

func (r *Reconciler) apply(ctx context.Context, provider payment.Provider, txn *domain.Transaction, outcome payment.Outcome) error {
	switch outcome {
	case payment.OutcomeSuccess:
		applied, prior, err := r.repo.ApplySuccess(ctx, txn.ID)
		if err != nil {
			return fmt.Errorf("apply success: %w", err)
		}
		if applied {
			r.log.InfoContext(ctx, "payment settled",
				slog.String("transaction_id", txn.ID), slog.String("order_id", txn.OrderID))
			return nil
		}
		if prior == domain.TxnFailed {
			// The timeout worker already compensated this order, so the late
			// charge has to be returned to the customer.
			return r.refundLateSuccess(ctx, provider, txn)
		}
		r.log.InfoContext(ctx, "duplicate success outcome ignored",
			slog.String("transaction_id", txn.ID))
		return nil

	case payment.OutcomeFailed:
		applied, err := r.repo.ApplyFailure(ctx, txn.ID, r.releaseOnFail)
		if err != nil {
			return fmt.Errorf("apply failure: %w", err)
		}
		if applied {
			r.log.InfoContext(ctx, "payment failed",
				slog.String("transaction_id", txn.ID), slog.String("order_id", txn.OrderID))
		}
		return nil

	default:
		return nil
	}
}

func (r *Reconciler) refundLateSuccess(ctx context.Context, provider payment.Provider, txn *domain.Transaction) error {
	order, err := r.repo.GetOrder(ctx, txn.OrderID)
	if err != nil {
		return fmt.Errorf("load order for refund: %w", err)
	}
	refund, err := provider.Refund(ctx, txn.GatewayRefID, order.TotalCents, "payment received after order timeout")
	if err != nil {
		return fmt.Errorf("refund late success: %w", err)
	}
	r.log.WarnContext(ctx, "late payment refunded",
		slog.String("transaction_id", txn.ID), slog.String("order_id", txn.OrderID),
		slog.String("refund_ref", refund.RefundRefID))
	return nil
}
