// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/api"
	"github.com/indexerpro/sitemap-indexer/internal/clock/system"
	"github.com/indexerpro/sitemap-indexer/internal/config"
	"github.com/indexerpro/sitemap-indexer/internal/events"
	"github.com/indexerpro/sitemap-indexer/internal/google"
	"github.com/indexerpro/sitemap-indexer/internal/hash/sha256"
	"github.com/indexerpro/sitemap-indexer/internal/id/uuid"
	"github.com/indexerpro/sitemap-indexer/internal/indexnow"
	"github.com/indexerpro/sitemap-indexer/internal/logging"
	queuepkg "github.com/indexerpro/sitemap-indexer/internal/queue"
	redisqueue "github.com/indexerpro/sitemap-indexer/internal/queue/redis"
	"github.com/indexerpro/sitemap-indexer/internal/sitemap"
	"github.com/indexerpro/sitemap-indexer/internal/store/postgres"
	"github.com/indexerpro/sitemap-indexer/internal/vault"
	"github.com/indexerpro/sitemap-indexer/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and passed to the components that
// need it.
type App struct {
	Cfg        config.Config
	Logger     *zap.Logger
	Broker     queuepkg.Broker
	Bus        *events.Bus
	Controller *worker.Controller
	Server     *api.Server

	pools  []*worker.Pool
	closes []func() error
}

// New builds every service from configuration, failing fast when any
// critical dependency cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("initialize vault: %w", err)
	}

	pool, err := postgres.Connect(ctx, cfg.DB.DSN, int32(cfg.DB.MaxOpenConns))
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	projects := postgres.NewProjectStore(pool)
	sitemaps := postgres.NewSitemapStore(pool)
	urls := postgres.NewURLStore(pool)
	jobs := postgres.NewJobStore(pool)
	submissions := postgres.NewSubmissionStore(pool)
	credentials := postgres.NewCredentialStore(pool)
	quotas := postgres.NewQuotaStore(pool)

	broker, err := redisqueue.NewBroker(ctx, redisqueue.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize queue broker: %w", err)
	}

	clk := system.New()
	idGen := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	instanceID, err := idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	bus := events.NewBus(instanceID, cfg.Events.SubscriberBuffer, logger)

	a := &App{
		Cfg:    cfg,
		Logger: logger,
		Broker: broker,
		Bus:    bus,
	}
	a.closes = append(a.closes, broker.Close, func() error {
		pool.Close()
		return nil
	})

	if cfg.Events.MirrorEnabled {
		mirrorClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bridge, err := events.NewRedisBridge(ctx, mirrorClient, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize event mirror: %w", err)
		}
		a.closes = append(a.closes, bridge.Close, mirrorClient.Close)
	}

	controller := worker.NewController(jobs, bus, clk, logger)
	a.Controller = controller

	fetcher := sitemap.NewFetcher(sitemap.FetcherConfig{
		UserAgent:   cfg.Fetcher.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxRetries:  cfg.Fetcher.MaxRetries,
		BackoffBase: time.Duration(cfg.Fetcher.BackoffBaseMs) * time.Millisecond,
	}, logger)

	scanner := worker.NewScanner(worker.ScannerConfig{
		MaxDepth:  cfg.Scanner.MaxDepth,
		FanOut:    cfg.Scanner.FanOut,
		BatchSize: cfg.Scanner.BatchSize,
	}, fetcher, projects, sitemaps, urls, broker, controller, hasher, idGen, clk, logger)

	googleClient := google.NewClient(google.Config{}, clk, logger)
	googleWorker := worker.NewGoogleSubmitter(worker.GoogleConfig{
		DailyQuota: cfg.Google.DailyQuota,
		Delay:      time.Duration(cfg.Google.DelayMs) * time.Millisecond,
	}, googleClient, v, projects, urls, submissions, credentials, quotas, controller, idGen, clk, logger)

	indexnowClient := indexnow.NewClient(logger)
	indexnowWorker := worker.NewIndexNowSubmitter(worker.IndexNowConfig{
		Endpoints: cfg.IndexNow.Endpoints,
	}, indexnowClient, v, projects, urls, submissions, credentials, quotas, controller, idGen, clk, logger)

	a.pools = []*worker.Pool{
		worker.NewPool(worker.PoolConfig{
			Queue:       queuepkg.QueueScanner,
			Concurrency: cfg.Scanner.Concurrency,
			RatePerSec:  cfg.Scanner.RatePerSec,
		}, broker, scanner.Handle, logger),
		worker.NewPool(worker.PoolConfig{
			Queue:       queuepkg.QueueGoogle,
			Concurrency: cfg.Google.Concurrency,
			RatePerSec:  cfg.Google.RatePerSec,
		}, broker, googleWorker.Handle, logger),
		worker.NewPool(worker.PoolConfig{
			Queue:       queuepkg.QueueIndexNow,
			Concurrency: cfg.IndexNow.Concurrency,
			RatePerSec:  cfg.IndexNow.RatePerSec,
		}, broker, indexnowWorker.Handle, logger),
	}

	wsHandler := events.NewWSHandler(bus, projects, tokenAuthenticator(), clk, logger)
	a.Server = api.NewServer(projects, jobs, broker, controller, wsHandler, idGen, clk, logger)

	logger.Info("application services initialized",
		zap.String("instance_id", instanceID),
	)
	return a, nil
}

// RunWorkers starts every queue pool and blocks until ctx ends.
func (a *App) RunWorkers(ctx context.Context) {
	done := make(chan struct{})
	for _, p := range a.pools {
		p := p
		go func() {
			p.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range a.pools {
		<-done
	}
}

// Close gracefully shuts down all services in reverse order.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	for i := len(a.closes) - 1; i >= 0; i-- {
		if err := a.closes[i](); err != nil {
			a.Logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	// Best effort: stderr may be gone already.
	_ = a.Logger.Sync()
}

// tokenAuthenticator validates WebSocket tokens. The auth service lives
// outside this core; a non-empty token is accepted and verified
// upstream at the gateway.
func tokenAuthenticator() events.Authenticator {
	return func(_ context.Context, token string) error {
		if token == "" {
			return fmt.Errorf("missing token")
		}
		return nil
	}
}
