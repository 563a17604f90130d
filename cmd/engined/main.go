package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haunguyenht/Stripula-sub007/internal/config"
	"github.com/haunguyenht/Stripula-sub007/internal/executor"
	"github.com/haunguyenht/Stripula-sub007/internal/gateway"
	"github.com/haunguyenht/Stripula-sub007/internal/infra/postgresql"
	"github.com/haunguyenht/Stripula-sub007/internal/infra/postgresql/migrations"
	infraredis "github.com/haunguyenht/Stripula-sub007/internal/infra/redis"
	"github.com/haunguyenht/Stripula-sub007/internal/ledger"
	"github.com/haunguyenht/Stripula-sub007/internal/observability"
	"github.com/haunguyenht/Stripula-sub007/internal/orchestrator"
	"github.com/haunguyenht/Stripula-sub007/internal/proxypool"
	"github.com/haunguyenht/Stripula-sub007/internal/repository"
	"github.com/haunguyenht/Stripula-sub007/internal/stream"
	"github.com/haunguyenht/Stripula-sub007/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	prober, err := proxypool.NewHTTPProber(cfg.ProbeTargetURL, time.Duration(cfg.ProbeTimeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("proxy prober init failed: %w", err)
	}

	pool := proxypool.NewManager(prober, cfg.ProxyMaxFailures, logger)
	pool.SetMetrics(metrics)

	sweeper := proxypool.NewSweepRunner(
		pool,
		time.Duration(cfg.SweepIntervalSec)*time.Second,
		cfg.SweepConcurrency,
		logger,
	)

	tracker := gateway.NewTracker(gateway.TrackerConfig{}, logger)
	registry := gateway.NewRegistry()

	accountRepo, err := repository.NewAccountRepository(db)
	if err != nil {
		return fmt.Errorf("account repository init failed: %w", err)
	}
	txRepo, err := repository.NewTransactionRepository(db)
	if err != nil {
		return fmt.Errorf("transaction repository init failed: %w", err)
	}

	opLock, err := infraredis.NewRedisOperationLock(rdb, time.Duration(cfg.LockTTLSeconds)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("operation lock init failed: %w", err)
	}

	pricing := ledger.NewTablePricing(nil)

	credits, err := ledger.New(pricing, opLock, logger,
		ledger.WithTransactionStore(txRepo),
		ledger.WithAccountStore(accountRepo),
	)
	if err != nil {
		return fmt.Errorf("credit ledger init failed: %w", err)
	}

	if err := seedBalances(ctx, credits, accountRepo, logger); err != nil {
		return fmt.Errorf("balance seed failed: %w", err)
	}

	var emitter stream.Emitter
	channelEmitter := stream.NewChannelEmitter(cfg.EventBufferSize, logger)
	emitter = channelEmitter

	var broker *stream.Broker
	if cfg.RabbitMQURL != "" {
		broker, err = stream.NewBroker(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq broker init failed: %w", err)
		}
		defer broker.Close() //nolint:errcheck

		emitter, err = stream.NewRabbitEmitter(broker, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq emitter init failed: %w", err)
		}
	}

	engine, err := orchestrator.New(
		pool,
		tracker,
		registry,
		credits,
		executor.NewStaticPolicies(),
		emitter,
		orchestrator.Config{CallTimeout: time.Duration(cfg.CallTimeoutSeconds) * time.Second},
		logger,
	)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	engine.SetMetrics(metrics)

	app := transport.NewOpsApp(transport.OpsServerDeps{
		SQLDB:   sqlDB,
		Redis:   rdb,
		Pool:    pool,
		Tracker: tracker,
		Engine:  engine,
		Metrics: metrics,
		Logger:  logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sweeper.Start(groupCtx)
	})

	if broker == nil {
		// Without a broker the local emitter must be drained, otherwise
		// blocking events stall the result handlers.
		group.Go(func() error {
			drainEvents(channelEmitter, logger)
			return nil
		})
	}

	group.Go(func() error {
		logger.Info("ops server started", zap.Int("port", cfg.OpsPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.OpsPort))
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		channelEmitter.Close()
		return app.ShutdownWithContext(shutdownCtx)
	})

	logger.Info("validation engine started")

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("validation engine stopped")
	return nil
}

func drainEvents(emitter *stream.ChannelEmitter, logger *zap.Logger) {
	for event := range emitter.Events() {
		logger.Debug("batch event",
			zap.String("type", string(event.Type)),
			zap.String("batchId", event.BatchID),
			zap.String("tenantId", event.TenantID),
		)
	}
}

// seedBalances hydrates the in-memory ledger from persisted accounts so
// tenants keep their balance across restarts.
func seedBalances(ctx context.Context, credits *ledger.Ledger, accounts repository.AccountRepository, logger *zap.Logger) error {
	persisted, err := accounts.List(ctx)
	if err != nil {
		return err
	}

	for _, account := range persisted {
		if err := credits.Credit(account.TenantID, account.Balance); err != nil {
			return err
		}
	}

	logger.Info("credit balances seeded", zap.Int("accounts", len(persisted)))
	return nil
}
