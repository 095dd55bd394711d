package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/tierrewards/ledger/internal/audit"
	"github.com/tierrewards/ledger/internal/config"
	"github.com/tierrewards/ledger/internal/database"
	"github.com/tierrewards/ledger/internal/handlers"
	"github.com/tierrewards/ledger/internal/logger"
	mW "github.com/tierrewards/ledger/internal/middleware"
	"github.com/tierrewards/ledger/internal/repository"
	"github.com/tierrewards/ledger/internal/repository/memory"
	"github.com/tierrewards/ledger/internal/services"
)

// @title Reward & Settlement Ledger API
// @version 1.0
// @description Tier-gated reward balances, topups and withdrawals
// @BasePath /api/v1
// @schemes http https

func main() {
	log := logger.New("ledger")

	v := viper.New()
	config.Init(v, ".env")
	cfg := config.Load(v)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, v, cfg, log)
	defer closeStore()

	var rdb *redis.Client
	if cfg.CacheDriver == "redis" {
		rdb = database.InitRedis(ctx, v, log)
		if rdb != nil {
			defer rdb.Close()
		}
	}

	auditLog := audit.NewLogger(log)

	var cache services.RateCache = services.NewMemoryRateCache(cfg.RateCacheTTL)
	var sink services.NotificationSink = services.NewLogNotificationSink(log)
	if rdb != nil {
		cache = services.NewRedisRateCache(rdb, cfg.RateCacheTTL)
		sink = services.NewRedisNotificationSink(rdb, cfg.NotificationQueue)
	}
	notifier := services.NewNotifier(sink, log)

	source := services.NewHTTPPriceSource(&http.Client{Timeout: cfg.PriceSourceTimeout}, cfg.PriceSourceURL)
	oracle := services.NewRateOracle(store, cache, source, services.RateOracleConfig{
		StaleAfter:   cfg.RateStaleAfter,
		FetchTimeout: cfg.PriceSourceTimeout,
	}, auditLog, log)

	gateway := services.NewHTTPPaymentGateway(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)

	ledger := services.NewRewardLedger(store, oracle, auditLog, log)
	topups := services.NewTopupService(store, oracle, gateway, notifier, services.TopupConfig{
		RequiredConfirmations: cfg.RequiredConfirmations,
		PaymentTimeout:        cfg.TopupPaymentTimeout,
		WebhookSecret:         cfg.WebhookSecret,
	}, auditLog, log)
	withdraws := services.NewWithdrawService(store, oracle, notifier, services.WithdrawConfig{
		DeductPrincipalOnCompletion: cfg.DeductPrincipalOnCompletion,
	}, auditLog, log)
	tiers := services.NewTierService(store, notifier, auditLog, log)

	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET is empty, every payment webhook will be rejected")
	}
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET_KEY is empty, every bearer token will be rejected")
	}

	apiLimiter := mW.NewRateLimiter(cfg.APIRateLimit, cfg.APIBurst, log)
	webhookLimiter := mW.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookBurst, log)

	scheduler := services.NewScheduler(log)
	mustAdd(log, scheduler.Add("rate-refresh", cfg.RateRefreshSchedule, 30*time.Second, func(ctx context.Context) error {
		_, err := oracle.RefreshFromSource(ctx)
		return err
	}))
	mustAdd(log, scheduler.Add("topup-expiry", cfg.ExpirySweepSchedule, time.Minute, func(ctx context.Context) error {
		n, err := topups.ExpireStale(ctx)
		if n > 0 {
			log.WithField("expired", n).Info("expired stale topups")
		}
		return err
	}))
	mustAdd(log, scheduler.Add("limiter-cleanup", "@every 10m", 10*time.Second, func(context.Context) error {
		apiLimiter.Cleanup(30 * time.Minute)
		webhookLimiter.Cleanup(30 * time.Minute)
		return nil
	}))
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Ledger:         ledger,
		Oracle:         oracle,
		Topups:         topups,
		Withdraws:      withdraws,
		Tiers:          tiers,
		Auth:           mW.NewAuthenticator(cfg.JWTSecret, log),
		APILimiter:     apiLimiter,
		WebhookLimiter: webhookLimiter,
		Log:            log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Scheduler did not stop cleanly")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Pending notifications dropped")
	}

	log.Info("Server stopped")
}

// openStore returns the configured storage backend and its close function.
func openStore(ctx context.Context, v *viper.Viper, cfg *config.LedgerConfig, log *logrus.Entry) (repository.Store, func()) {
	if cfg.StorageDriver == "memory" {
		log.Warn("Using in-memory storage, data is lost on restart")
		return memory.NewStore(), func() {}
	}

	db, err := database.InitDB(ctx, database.GetConfig(v), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	return repository.NewPostgresStore(db), func() { db.Close() }
}

func mustAdd(log *logrus.Entry, err error) {
	if err != nil {
		log.WithError(err).Fatal("Failed to schedule job")
	}
}
