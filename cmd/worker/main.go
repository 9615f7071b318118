package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/pageturn/bookstore/internal/config"
	"github.com/pageturn/bookstore/internal/payment"
	"github.com/pageturn/bookstore/internal/payment/hashpay"
	"github.com/pageturn/bookstore/internal/payment/hmacpay"
	platformkafka "github.com/pageturn/bookstore/internal/platform/kafka"
	platformpg "github.com/pageturn/bookstore/internal/platform/postgres"
	"github.com/pageturn/bookstore/internal/platform/redisx"
	"github.com/pageturn/bookstore/pkg/logging"
	"github.com/pageturn/bookstore/pkg/outbox"
	"github.com/pageturn/bookstore/pkg/shutdown"
	"github.com/pageturn/bookstore/pkg/tracing"

	cartpg "github.com/pageturn/bookstore/internal/cart/infrastructure/postgres"
	cartredis "github.com/pageturn/bookstore/internal/cart/infrastructure/redis"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	checkoutapp "github.com/pageturn/bookstore/internal/checkout/application"
	checkoutpg "github.com/pageturn/bookstore/internal/checkout/infrastructure/postgres"
	"github.com/pageturn/bookstore/internal/worker"
)

func main() {
	log := logging.New("bookstore-worker")
	cfg := config.Load()

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "bookstore-worker", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := platformpg.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	writer := platformkafka.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	registry := payment.NewRegistry(
		hmacpay.New(log, cfg.Payment.HMACPayBaseURL, cfg.Payment.HMACPayKeyID, cfg.Payment.HMACPaySecret, cfg.Payment.Timeout),
		hashpay.New(log, cfg.Payment.HashPayBaseURL, cfg.Payment.HashPayMerchant, cfg.Payment.HashPaySecret, cfg.Payment.HashPayKeyIndex, cfg.Payment.Timeout),
	)

	ledger := catalogpg.NewLedger(log)
	cartCache := cartredis.NewSnapshotCache(rdb)
	cartRepo := cartpg.NewRepository(log, pool, ledger, cartCache)
	checkoutRepo := checkoutpg.NewRepository(log, pool, ledger, cartCache)
	reconciler := checkoutapp.NewReconciler(log, checkoutRepo, registry, cfg.ReleaseOnPaymentFailure)

	store := platformpg.NewOutboxStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.EventsTopic)
	relay := outbox.NewRelay(log, store, dispatch, "bookstore-worker-relay")

	runner := worker.NewRunner(log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Loop(gctx, worker.ReservationExpiry(cartRepo, cfg.ReservationTTL, cfg.SweepInterval))
	})
	g.Go(func() error {
		return runner.Loop(gctx, worker.OrderTimeout(checkoutRepo, cfg.OrderTTL, cfg.SweepInterval))
	})
	g.Go(func() error {
		return runner.Loop(gctx, worker.ReconcilePoll(reconciler, cfg.ReconcileGrace, cfg.ReconcileInterval))
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})

	log.Info("worker started",
		"reservation_ttl", cfg.ReservationTTL.String(),
		"order_ttl", cfg.OrderTTL.String(),
		"reconcile_grace", cfg.ReconcileGrace.String())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}
