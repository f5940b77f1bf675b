/**
 * @description
 * Wiring shared by the engine binaries. It opens the configured store, connects the optional
 * Redis and RabbitMQ backends, and assembles the application service from the loaded config.
 * Optional backends degrade to disabled implementations instead of failing startup.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Idempotency cache and rate limiter backend.
 * - pkg/rabbitmq: Event publishing.
 */

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/banking-engine/internal/app"
	"github.com/transfa/banking-engine/internal/config"
	"github.com/transfa/banking-engine/internal/store"
	"github.com/transfa/banking-engine/pkg/rabbitmq"
)

// Runtime holds the assembled service and everything that must be closed with it.
type Runtime struct {
	Service *app.Service
	Metrics *app.Metrics

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build assembles the engine described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Metrics: app.NewMetrics()}

	st, err := openStore(ctx, cfg, logger, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithMetrics(rt.Metrics),
		app.WithPublisher(connectPublisher(cfg, logger, rt)),
	}
	if client := connectRedis(ctx, cfg, logger, rt); client != nil {
		limits := app.PerMinute(cfg.ExecuteRateLimitPerMinute, cfg.PaymentRateLimitPerMinute)
		opts = append(opts,
			app.WithIdempotencyCache(app.NewRedisIdempotencyCache(client, cfg.RedisKeyPrefix, cfg.IdempotencyCacheTTL())),
			app.WithRateLimiter(app.NewRedisRateLimiter(client, cfg.RedisKeyPrefix, limits, nil)),
		)
	}

	svc := app.NewService(st, app.ServiceConfig{
		Policy:            PolicyFromConfig(cfg),
		ScheduleBatchSize: cfg.SchedulerBatchSize,
		ClaimStaleAfter:   cfg.ScheduleClaimStaleAfter(),
		EventsExchange:    cfg.EventsExchange,
	}, opts...)
	rt.Service = svc
	// The auditor drains before backends close.
	rt.closers = append(rt.closers, svc.Close)
	return rt, nil
}

// PolicyFromConfig converts the loaded limits into the pre-check policy.
func PolicyFromConfig(cfg *config.Config) app.Policy {
	return app.Policy{
		MinAmount:         cfg.MinAmount,
		ApprovalThreshold: cfg.ApprovalThreshold,
		DailyLimit:        cfg.DailyLimit,
		Commission:        app.FlatCommission(cfg.CommissionInternal, cfg.CommissionThirdParty, cfg.CommissionServicePayment),
		Location:          cfg.Location,
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, rt *Runtime) (store.Store, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return store.NewMemoryStore(), nil
	}

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	rt.closers = append(rt.closers, dbpool.Close)
	logger.Info("database connection established")
	return store.NewPostgresRepository(dbpool), nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger, rt *Runtime) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; idempotency cache and rate limiting disabled")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; idempotency cache and rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; idempotency cache and rate limiting disabled", "error", err)
		_ = client.Close()
		return nil
	}
	rt.closers = append(rt.closers, func() { _ = client.Close() })
	logger.Info("redis connected")
	return client
}

func connectPublisher(cfg *config.Config, logger *slog.Logger, rt *Runtime) rabbitmq.Publisher {
	var next rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		next = &rabbitmq.EventProducerFallback{}
	} else {
		logger.Info("rabbitmq producer connected")
		next = producer
	}
	publisher := rabbitmq.NewBreakerPublisher(next, rabbitmq.BreakerSettings{Name: "engine-events"}, logger)
	rt.closers = append(rt.closers, publisher.Close)
	return publisher
}
