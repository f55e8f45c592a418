// Command batchsync runs the scheduled bulk account sync. By default it
// performs one run and exits: 0 when every account synced, 1 when some
// failed, 2 when the run itself could not complete. With -schedule it
// stays resident and runs on the given cron expression.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/cache"
	"github.com/brinternational/income-clarity-sub015/internal/config"
	"github.com/brinternational/income-clarity-sub015/internal/handlers"
	"github.com/brinternational/income-clarity-sub015/internal/orchestrator"
	"github.com/brinternational/income-clarity-sub015/internal/provider"
	"github.com/brinternational/income-clarity-sub015/internal/ratelimit"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

func main() {
	schedule := flag.String("schedule", "", "cron expression; empty runs once and exits")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("loading config", zap.Error(err))
	}

	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("setup failed", zap.Error(err))
		os.Exit(2)
	}
	defer cleanup()

	if *schedule == "" {
		os.Exit(runOnce(ctx, orch, log))
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() { runOnce(ctx, orch, log) }); err != nil {
		log.Error("invalid schedule", zap.String("schedule", *schedule), zap.Error(err))
		os.Exit(2)
	}
	log.Info("scheduler started", zap.String("schedule", *schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func newLogger(env string) *zap.Logger {
	if env == "production" {
		l, _ := zap.NewProduction()
		return l
	}
	l, _ := zap.NewDevelopment()
	return l
}

func build(ctx context.Context, cfg config.Config, log *zap.Logger) (*orchestrator.Orchestrator, func(), error) {
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	cleanup := func() {
		rdb.Close()
		db.Close()
	}

	store := storage.New(db)
	limiter := ratelimit.New(provider.DefaultLimits, log)
	tiered := cache.New(cache.NewRedisTier(rdb), log)
	client := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, log)
	facade := provider.NewFacade(client, limiter, tiered, log)
	syncer := handlers.NewAccountSync(facade, store, tiered, log)

	orch := orchestrator.New(store, syncer, orchestrator.Options{
		BatchSize:     cfg.BatchSize,
		Concurrency:   cfg.BatchConcurrency,
		BatchDelay:    cfg.BatchDelay,
		Freshness:     cfg.SyncFreshness,
		DegradedBelow: cfg.SuccessRateThreshold,
	}, log)
	return orch, cleanup, nil
}

func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, log *zap.Logger) int {
	run, err := orch.Run(ctx)
	if err != nil {
		log.Error("batch run failed", zap.Error(err))
		return 2
	}
	if run.Failed > 0 || run.Skipped > 0 {
		return 1
	}
	return 0
}
