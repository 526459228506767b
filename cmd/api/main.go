package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ridewave/paymentops/internal/api"
	"github.com/ridewave/paymentops/internal/config"
	"github.com/ridewave/paymentops/internal/fare"
	"github.com/ridewave/paymentops/internal/gateway"
	"github.com/ridewave/paymentops/internal/ledger"
	"github.com/ridewave/paymentops/internal/notify"
	"github.com/ridewave/paymentops/internal/service"
	"github.com/ridewave/paymentops/internal/store"
	"github.com/ridewave/paymentops/internal/trips"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	dbPool, err := pgxpool.New(context.Background(), cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer dbPool.Close()

	paymentStore := store.NewStoreWithPool(dbPool, logger)

	var idemLedger ledger.Ledger
	switch cfg.LedgerBackend {
	case "bolt":
		boltLedger, err := ledger.NewBoltLedger(cfg.LedgerPath, cfg.IdempotencyTTL, logger)
		if err != nil {
			logger.Fatal("unable to open ledger file", zap.Error(err))
		}
		defer boltLedger.Close()
		idemLedger = boltLedger
	default:
		idemLedger = ledger.NewPostgresLedger(dbPool, cfg.IdempotencyTTL, logger)
	}

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		logger.Fatal("unable to create id generator", zap.Error(err))
	}

	rules := fare.Rules{
		BaseFare:  cfg.BaseFare,
		RatePerKM: cfg.RatePerKM,
		Surge: map[string]decimal.Decimal{
			fare.TierLow:    cfg.SurgeLow,
			fare.TierMedium: cfg.SurgeMedium,
			fare.TierHigh:   cfg.SurgeHigh,
		},
		CancellationFee: cfg.CancellationFee,
	}

	gw := gateway.NewSimulator(cfg.GatewaySuccessRate, 0, logger)
	validator := trips.NewHTTPValidator(cfg.TripServiceURL, cfg.ExternalTimeout, cfg.TripPermissive, logger)
	notifier := notify.NewHTTPNotifier(cfg.NotificationServiceURL, cfg.ExternalTimeout, logger)
	defer notifier.Close()

	processor := service.NewProcessor(idemLedger, paymentStore, gw, validator,
		fare.NewCalculator(rules), notifier, node, cfg.GatewayTimeout, logger)

	handler := api.NewHandler(processor, paymentStore, logger)
	router := api.NewRouter(handler)

	// Expired ledger rows are the crash-recovery path for claims that were
	// never completed; sweep them on a fixed interval.
	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go purgeLoop(purgeCtx, idemLedger, cfg.PurgeInterval, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func purgeLoop(ctx context.Context, l ledger.Ledger, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.PurgeExpired(ctx); err != nil {
				logger.Error("ledger purge failed", zap.Error(err))
			}
		}
	}
}
