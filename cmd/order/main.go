package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/auth"
	"github.com/Skotchmaster/online_pharmacy/internal/config"
	"github.com/Skotchmaster/online_pharmacy/internal/events"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway/gatewaytest"
	"github.com/Skotchmaster/online_pharmacy/internal/httpserver"
	"github.com/Skotchmaster/online_pharmacy/internal/inventory"
	"github.com/Skotchmaster/online_pharmacy/internal/kvstore"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/internal/payment"
	"github.com/Skotchmaster/online_pharmacy/internal/repo"
	"github.com/Skotchmaster/online_pharmacy/internal/service"
	"github.com/Skotchmaster/online_pharmacy/pkg/db"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
	loggingmw "github.com/Skotchmaster/online_pharmacy/pkg/middleware/logging"
)

const kvPurgeInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.Log.Level).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.IntoContext(ctx, logger)

	gdb, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db_open_error", "error", err)
		os.Exit(1)
	}
	if err := gdb.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		logger.Error("db_migrate_error", "error", err)
		os.Exit(1)
	}

	m := metrics.New(cfg.ServiceName, prometheus.NewRegistry())
	gw := gateway.Instrument(newGateway(cfg, logger), m, cfg.Gateway.Timeout)

	var pub events.Publisher = events.Nop{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		pub = events.NewProducer(brokers)
	} else {
		logger.Warn("kafka_disabled", "reason", "KAFKA_BROKERS is empty")
	}

	kv := kvstore.NewGorm(gdb)
	payments := payment.NewManager(gdb, gw, pub, m, kv)
	ledger := inventory.New(gdb, m, cfg.Workers.CompensationAttempts)
	svc := service.NewOrderService(&repo.GormRepo{DB: gdb}, ledger, payments, pub, m, cfg.Currency)

	reconciler := &payment.Reconciler{Manager: payments, Gateway: gw, After: cfg.Workers.ReconcileAfter}

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.RequestID(), loggingmw.RequestLogger(logger, m))

	httpserver.Register(e, &httpserver.Deps{
		OrderHandler: &httpserver.OrderHTTP{Svc: svc},
		PaymentHandler: &httpserver.PaymentHTTP{
			Payments: payments,
			Webhooks: &payment.WebhookProcessor{
				Manager:  payments,
				Dedup:    kv,
				DedupTTL: cfg.Webhook.DedupTTL,
				Metrics:  m,
			},
			Verifier:      payment.NewVerifier([]byte(cfg.Webhook.Secret), cfg.Webhook.Tolerance),
			AllowUnsigned: cfg.Development() && cfg.Webhook.Secret == "",
		},
		Auth:          auth.NewAuthenticator([]byte(cfg.JWTSecret)),
		Metrics:       m,
		OrderLimiter:  kvstore.NewRateLimiterStore(kv, "ratelimit:orders", cfg.RateLimitPerMinute, time.Minute),
		Ready:         ready(gdb),
		SecureCookies: !cfg.Development(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listen", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return reconciler.Run(gctx, cfg.Workers.ReconcileInterval) })
	g.Go(func() error {
		return ledger.Run(gctx, cfg.Workers.ReservationSweepInterval, cfg.Workers.ReservationTTL)
	})
	g.Go(func() error { return purge(gctx, kv) })

	if err := g.Wait(); err != nil {
		logger.Error("server_error", "error", err)
	}

	if err := pub.Close(); err != nil {
		logger.Error("kafka_close_error", "error", err)
	}
	if sqlDB, err := gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Error("db_close_error", "error", err)
		}
	}
	logger.Info("shutdown_complete")
}

func newGateway(cfg *config.Config, logger *slog.Logger) gateway.Gateway {
	switch cfg.Gateway.Provider {
	case "braintree":
		return gateway.NewBraintree(gateway.BraintreeConfig{
			Environment: cfg.BrainTree.Environment,
			MerchantID:  cfg.BrainTree.MerchantID,
			PublicKey:   cfg.BrainTree.PublicKey,
			PrivateKey:  cfg.BrainTree.PrivateKey,
		})
	case "fake":
		logger.Warn("fake_gateway", "reason", "every card payment succeeds")
		return gatewaytest.New()
	default:
		return gateway.NewREST(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	}
}

func ready(gdb *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// purge drops expired dedup keys, locks and rate-limit counters.
func purge(ctx context.Context, kv *kvstore.Gorm) error {
	t := time.NewTicker(kvPurgeInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := kv.Purge(ctx)
			if err != nil {
				logging.FromContext(ctx).Error("kv_purge_error", "error", err)
				continue
			}
			if n > 0 {
				logging.FromContext(ctx).Info("kv_purged", "count", n)
			}
		}
	}
}
