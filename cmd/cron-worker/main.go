package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/splitledger-backend/internal/cron"
	"github.com/angelmondragon/splitledger-backend/internal/feed"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/db"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/metrics"
	"github.com/angelmondragon/splitledger-backend/pkg/migrate"
	"github.com/angelmondragon/splitledger-backend/pkg/outbox"
	"github.com/angelmondragon/splitledger-backend/pkg/redis"
)

const (
	serviceName   = "cron-worker"
	lockKeyFormat = "sl:cron-worker:lock:%s"
)

func main() {
	once := flag.Bool("once", false, "run one maintenance cycle and exit")
	only := flag.String("jobs", "", "comma separated job names to run (default all)")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
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

	registerer := prometheus.NewRegistry()

	// The sweep only reads, so writes never need deferring here.
	deferrer, err := db.NewDeferrer(db.DeferrerParams{Runner: dbClient, Logger: logg})
	if err != nil {
		logg.Error(context.Background(), "failed to create writer", err)
		os.Exit(1)
	}
	ledgers := ledger.NewRepository(dbClient.DB())
	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Ledgers:  ledgers,
		Feed:     feed.NewStore(dbClient.DB(), nil),
		Writer:   deferrer,
		Logger:   logg,
		SelfName: cfg.Ledger.SelfName,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outbox.NewRepository(dbClient.DB()),
		Retention:   cfg.Maintenance.OutboxRetentionDays,
		MinAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:   cfg.Maintenance.OutboxPruneBatch,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		os.Exit(1)
	}
	auditJob, err := cron.NewLedgerAuditJob(cron.LedgerAuditJobParams{
		Logger:    logg,
		Ledgers:   ledgers,
		Auditor:   ledgerService,
		BatchSize: cfg.Maintenance.AuditBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger audit job", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(retentionJob, auditJob)
	if err == nil {
		registry, err = registry.Select(splitJobs(*only))
	}
	if err != nil {
		logg.Error(context.Background(), "failed to build job registry", err)
		os.Exit(1)
	}

	var lock cron.Lock = &cron.LocalLock{}
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		// The lease covers every job hitting its timeout back to back.
		lease := max(cfg.Maintenance.JobTimeout, time.Minute) * time.Duration(len(registry.Jobs())+1)
		redisLock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), lease)
		if err != nil {
			logg.Error(context.Background(), "failed to create cron lock", err)
			os.Exit(1)
		}
		lock = redisLock
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(registerer),
		Interval:   cfg.Maintenance.Interval,
		JobTimeout: cfg.Maintenance.JobTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if *once {
		failed, err := service.RunOnce(ctx)
		if err != nil || failed > 0 {
			logg.Error(logg.WithField(ctx, "jobs_failed", failed), "maintenance cycle failed", err)
			os.Exit(1)
		}
		logg.Info(ctx, "maintenance cycle finished")
		return
	}

	logg.Info(ctx, "starting cron worker")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}

func splitJobs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
