package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/splitledger-backend/api"
	"github.com/angelmondragon/splitledger-backend/api/routes"
	"github.com/angelmondragon/splitledger-backend/internal/feed"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/internal/notifications"
	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/currency"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/metrics"
	"github.com/angelmondragon/splitledger-backend/pkg/migrate"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox"
	"github.com/angelmondragon/splitledger-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
	} else {
		logg.Warn(context.Background(), "redis not configured, idempotency and rate limits disabled")
	}

	var broker feed.Broker = feed.NewLocalBroker()
	if cfg.FeatureFlags.RedisFeedBroker {
		if redisClient == nil {
			logg.Error(context.Background(), "redis feed broker requires redis", errors.New("redis not configured"))
			os.Exit(1)
		}
		redisBroker, err := feed.NewRedisBroker(redisClient)
		if err != nil {
			logg.Error(context.Background(), "failed to create redis feed broker", err)
			os.Exit(1)
		}
		broker = redisBroker
	}

	formatter, err := currency.New(cfg.Ledger.CurrencyCode)
	if err != nil {
		logg.Error(context.Background(), "failed to resolve currency", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedgerMetrics(registry)

	deferrer, err := db.NewDeferrer(db.DeferrerParams{
		Runner:      dbClient,
		Logger:      logg,
		Enabled:     cfg.FeatureFlags.DeferWrites,
		QueueSize:   cfg.DB.DeferQueueSize,
		MaxAttempts: cfg.DB.DeferMaxAttempts,
		BaseBackoff: cfg.DB.DeferBaseBackoff,
		MaxBackoff:  cfg.DB.DeferMaxBackoff,
		Gauge:       ledgerMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create write deferrer", err)
		os.Exit(1)
	}

	var notifier ledger.Notifier
	if cfg.FeatureFlags.Notifications {
		notificationService, err := notifications.NewService(notifications.ServiceParams{
			DB:        dbClient,
			Outbox:    outbox.NewService(outbox.NewRepository(dbClient.DB()), logg),
			Formatter: formatter,
			Logger:    logg,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create notification service", err)
			os.Exit(1)
		}
		notifier = notificationService
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Ledgers:  ledger.NewRepository(dbClient.DB()),
		Feed:     feed.NewStore(dbClient.DB(), broker),
		Writer:   deferrer,
		Notifier: notifier,
		Metrics:  ledgerMetrics,
		Logger:   logg,
		SelfName: cfg.Ledger.SelfName,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	server := api.NewServer(port, routes.NewRouter(routes.Params{
		Config:    cfg,
		Logger:    logg,
		Ledger:    ledgerService,
		Formatter: formatter,
		DB:        dbClient,
		Redis:     redisClient,
		Gatherer:  registry,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     server.Addr,
		"currency": formatter.Code(),
	})
	logg.Info(ctx, "starting api server")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return deferrer.Run(groupCtx)
	})
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), api.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			// Open feed streams only end when their clients leave.
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "forcing remaining connections closed")
			return server.Close()
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	if pending := deferrer.Pending(); pending > 0 {
		logg.Warn(logg.WithField(ctx, "pending", pending), "writes still parked at shutdown")
	}
	logg.Info(ctx, "api server shut down gracefully")
}
