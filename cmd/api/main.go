package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pageturn/bookstore/internal/config"
	"github.com/pageturn/bookstore/internal/payment"
	"github.com/pageturn/bookstore/internal/payment/hashpay"
	"github.com/pageturn/bookstore/internal/payment/hmacpay"
	platformpg "github.com/pageturn/bookstore/internal/platform/postgres"
	"github.com/pageturn/bookstore/internal/platform/redisx"
	"github.com/pageturn/bookstore/pkg/idempotency"
	"github.com/pageturn/bookstore/pkg/logging"
	"github.com/pageturn/bookstore/pkg/shutdown"
	"github.com/pageturn/bookstore/pkg/tracing"

	cartapp "github.com/pageturn/bookstore/internal/cart/application"
	carthttp "github.com/pageturn/bookstore/internal/cart/infrastructure/http"
	cartpg "github.com/pageturn/bookstore/internal/cart/infrastructure/postgres"
	cartredis "github.com/pageturn/bookstore/internal/cart/infrastructure/redis"
	cataloghttp "github.com/pageturn/bookstore/internal/catalog/infrastructure/http"
	catalogpg "github.com/pageturn/bookstore/internal/catalog/infrastructure/postgres"
	checkoutapp "github.com/pageturn/bookstore/internal/checkout/application"
	checkouthttp "github.com/pageturn/bookstore/internal/checkout/infrastructure/http"
	checkoutpg "github.com/pageturn/bookstore/internal/checkout/infrastructure/postgres"
)

func main() {
	log := logging.New("bookstore-api")
	cfg := config.Load()

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "bookstore-api", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if err := platformpg.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	pool, err := platformpg.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	registry := payment.NewRegistry(
		hmacpay.New(log, cfg.Payment.HMACPayBaseURL, cfg.Payment.HMACPayKeyID, cfg.Payment.HMACPaySecret, cfg.Payment.Timeout),
		hashpay.New(log, cfg.Payment.HashPayBaseURL, cfg.Payment.HashPayMerchant, cfg.Payment.HashPaySecret, cfg.Payment.HashPayKeyIndex, cfg.Payment.Timeout),
	)

	ledger := catalogpg.NewLedger(log)

	catalogStore := catalogpg.NewStore(log, pool)
	catalogHandler := cataloghttp.NewHandler(log, catalogStore)

	cartCache := cartredis.NewSnapshotCache(rdb)
	cartRepo := cartpg.NewRepository(log, pool, ledger, cartCache)
	cartService := cartapp.NewService(log, cartRepo, cartCache)
	cartHandler := carthttp.NewHandler(log, cartService)

	checkoutRepo := checkoutpg.NewRepository(log, pool, ledger, cartCache)
	checkoutService := checkoutapp.NewService(log, checkoutRepo, registry, cfg.Payment.Currency, cfg.Payment.CallbackBaseURL)
	dedup := idempotency.NewStore(rdb, redisx.TTLWebhookDedup)
	reconciler := checkoutapp.NewReconciler(log, checkoutRepo, registry, cfg.ReleaseOnPaymentFailure).WithDedup(dedup)
	checkoutHandler := checkouthttp.NewHandler(log, checkoutService, reconciler)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/catalog", catalogHandler.Routes())
	r.Mount("/cart", cartHandler.Routes())
	r.Mount("/checkout", checkoutHandler.Routes())
	r.Mount("/webhooks", checkoutHandler.WebhookRoutes())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "addr", cfg.HTTPAddr, "providers", registry.Names())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", "err", err)
		os.Exit(1)
	}
	log.Info("api stopped")
}
