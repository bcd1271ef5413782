package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"quiz-engine/internal/app"
	"quiz-engine/internal/config"
	"quiz-engine/internal/infra/memory"
	"quiz-engine/internal/infra/postgres"
	redisinfra "quiz-engine/internal/infra/redis"
)

// firingScheduler is a TriggerScheduler that delivers to a handler installed after construction.
type firingScheduler interface {
	app.TriggerScheduler
	SetHandler(h app.FireHandler)
}

// backend is the set of adapters selected by config: Postgres when configured, else
// Redis, else in-process memory. Redis additionally carries triggers and state changes.
type backend struct {
	name        string
	exercises   app.ExerciseRepository
	batches     app.BatchStore
	ledger      app.EvaluationLedger
	scheduler   firingScheduler
	redisPoller *redisinfra.Scheduler
	redis       *redis.Client
	closers     []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.redis = client
	}

	cacheTTL := config.TTLDuration(cfg.Quiz.CacheTTL, 0)
	switch {
	case cfg.Postgres.URL != "":
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		db := postgres.OpenBun(cfg.Postgres.URL)
		b.closers = append(b.closers, func() { _ = db.Close() })

		store := postgres.NewBatchStore(db)
		b.name = "postgres"
		b.exercises = withCache(postgres.NewExerciseStore(pool), cacheTTL)
		b.batches, b.ledger = store, store
	case b.redis != nil:
		store := redisinfra.NewBatchStore(b.redis)
		b.name = "redis"
		b.exercises = withCache(redisinfra.NewExerciseStore(b.redis), cacheTTL)
		b.batches, b.ledger = store, store
	default:
		store := memory.NewBatchStore()
		b.name = "memory"
		b.exercises = memory.NewExerciseStore()
		b.batches, b.ledger = store, store
	}

	if b.redis != nil {
		poller := redisinfra.NewScheduler(b.redis, redisinfra.SchedulerConfig{
			PollInterval: config.TTLDuration(cfg.Scheduler.PollInterval, time.Second),
			RetryDelay:   config.TTLDuration(cfg.Scheduler.RetryDelay, 10*time.Second),
		}, logger)
		b.scheduler, b.redisPoller = poller, poller
	} else {
		timers := memory.NewScheduler(logger)
		b.closers = append(b.closers, timers.Stop)
		b.scheduler = timers
	}

	ok = true
	return b, nil
}

func withCache(repo app.ExerciseRepository, ttl time.Duration) app.ExerciseRepository {
	if ttl <= 0 {
		return repo
	}
	return memory.NewExerciseCache(repo, ttl)
}

// buildEngine wires the engine onto b. Local websocket subscribers are fed by the
// returned broadcaster, through Redis pub/sub when Redis is configured.
func buildEngine(b *backend, cfg config.Config, logger *slog.Logger) (*app.Engine, *app.Broadcaster, *redisinfra.Relay) {
	broadcaster := app.NewBroadcaster()
	var (
		notifier app.Notifier = broadcaster
		relay    *redisinfra.Relay
	)
	if b.redis != nil {
		notifier = redisinfra.NewNotifier(b.redis)
		relay = redisinfra.NewRelay(b.redis, broadcaster, logger)
	}

	engine := app.NewEngine(app.Deps{
		Exercises:          b.exercises,
		Batches:            b.batches,
		Ledger:             b.ledger,
		Scheduler:          b.scheduler,
		Notifier:           notifier,
		Evaluator:          app.NewLoggingEvaluator(logger),
		Logger:             logger,
		RejoinPolicy:       app.RejoinPolicy(cfg.Quiz.RejoinPolicy),
		DefaultGracePeriod: config.TTLDuration(cfg.Quiz.DefaultGracePeriod, 0),
	})
	b.scheduler.SetHandler(engine.Triggers)
	return engine, broadcaster, relay
}
