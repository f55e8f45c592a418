// Command worker runs the background-processing service: migrations,
// queue dispatchers for every queue, the delayed-job mover, and the
// operational HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brinternational/income-clarity-sub015/internal/archive"
	"github.com/brinternational/income-clarity-sub015/internal/cache"
	"github.com/brinternational/income-clarity-sub015/internal/config"
	"github.com/brinternational/income-clarity-sub015/internal/dispatch"
	"github.com/brinternational/income-clarity-sub015/internal/handlers"
	"github.com/brinternational/income-clarity-sub015/internal/provider"
	"github.com/brinternational/income-clarity-sub015/internal/queue"
	"github.com/brinternational/income-clarity-sub015/internal/ratelimit"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
	"github.com/brinternational/income-clarity-sub015/internal/server"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

const moveDueInterval = time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("loading config", zap.Error(err))
	}

	log := newLogger(cfg.AppEnv)
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "production" {
		l, _ := zap.NewProduction()
		return l
	}
	l, _ := zap.NewDevelopment()
	return l
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg, log); err != nil {
		return err
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	broker := queue.New(rdb)

	limits := make(map[string]ratelimit.Limit, len(provider.DefaultLimits)+len(registry.Queues()))
	for res, l := range provider.DefaultLimits {
		limits[res] = l
	}
	for _, q := range registry.Queues() {
		policy, _ := registry.Lookup(q)
		limits[policy.RateLimit.Resource] = ratelimit.Limit{
			Max:        policy.RateLimit.Max,
			Window:     policy.RateLimit.Window,
			MaxPending: policy.RateLimit.MaxPending,
		}
	}
	limiter := ratelimit.New(limits, log)

	tiered := cache.New(cache.NewRedisTier(rdb), log)
	client := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, log)
	facade := provider.NewFacade(client, limiter, tiered, log)
	if cfg.ProviderConfigured() {
		// Surface bad credentials at startup instead of on the first job.
		if err := facade.Ping(ctx); err != nil {
			log.Warn("provider ping failed", zap.Error(err))
		}
	}

	dispatcher := dispatch.NewDispatcher(store, broker, limiter, log)
	if err := registerHandlers(ctx, cfg, dispatcher, facade, store, tiered, log); err != nil {
		return err
	}

	enq := dispatch.NewEnqueuer(store, broker, log)
	srv := server.New(enq, store, broker, limiter, tiered, facade.Metrics(),
		cfg.ProviderConfigured(), log)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range registry.Queues() {
		q := q
		g.Go(func() error { return dispatcher.Run(gctx, q) })
	}
	g.Go(func() error { return moveDueLoop(gctx, broker, log) })
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	log.Info("worker started", zap.String("env", cfg.AppEnv))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func migrate(cfg config.Config, log *zap.Logger) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db, cfg.MigrationsDir); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
	return nil
}

func registerHandlers(ctx context.Context, cfg config.Config, d *dispatch.Dispatcher,
	facade *provider.Facade, store *storage.Store, tiered *cache.Tiered, log *zap.Logger) error {

	var mailer handlers.Mailer = handlers.NewSMTPMailer(
		cfg.SMTPAddr, cfg.MailFrom, cfg.SMTPUser, cfg.SMTPPassword)

	var archiver handlers.Archiver
	if cfg.ArchiveBucket != "" {
		a, err := archive.NewS3Archiver(ctx, archive.Options{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			KeyID:    cfg.ArchiveKeyID,
			Secret:   cfg.ArchiveSecret,
		}, log)
		if err != nil {
			return err
		}
		archiver = a
	}

	all := []dispatch.Handler{
		handlers.NewAccountSync(facade, store, tiered, log),
		handlers.NewPortfolioSync(facade, store, tiered, log),
		handlers.NewPriceSync(facade, store, tiered, log),
		handlers.NewNotification(mailer, store, log),
		handlers.NewSessionCleanup(store, log),
		handlers.NewLogCleanup(store, archiver, log),
		handlers.NewCacheCleanup(tiered, log),
		handlers.NewFileCleanup(cfg.TempDir, log),
	}
	for _, h := range all {
		if err := d.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// moveDueLoop promotes delayed jobs whose run time has arrived back
// into the ready lists.
func moveDueLoop(ctx context.Context, broker *queue.RedisQ, log *zap.Logger) error {
	tick := time.NewTicker(moveDueInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			for _, q := range registry.Queues() {
				n, err := broker.MoveDue(ctx, q, time.Now().Unix(), 200)
				if err != nil {
					log.Warn("moving due jobs", zap.String("queue", q), zap.Error(err))
					continue
				}
				if n > 0 {
					log.Debug("promoted delayed jobs", zap.String("queue", q), zap.Int("count", n))
				}
			}
		}
	}
}
