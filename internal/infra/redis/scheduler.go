package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-engine/internal/app"
)

// Scheduler stores triggers in a sorted set scored by due time in unix milliseconds:
//
//	ZADD quiz:triggers {dueMillis} "{kind}|{entityID}"
//
// Any number of processes may poll the set. A trigger is claimed by removing it
// while its score is still due, so each registration is delivered to one process.
// A failed callback re-queues the trigger after RetryDelay.
type Scheduler struct {
	client  *redis.Client
	config  SchedulerConfig
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	handler app.FireHandler
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerConfig holds polling configuration.
type SchedulerConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	BatchSize    int64
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{PollInterval: time.Second, RetryDelay: 10 * time.Second, BatchSize: 100}
}

var _ app.TriggerScheduler = (*Scheduler)(nil)

const triggersKey = "quiz:triggers"

// KEYS[1] trigger set; ARGV[1] member, ARGV[2] now millis.
var claimScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

func NewScheduler(client *redis.Client, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Scheduler{
		client: client,
		config: cfg,
		logger: logger.With("component", "trigger-scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetHandler installs the callback invoked for due triggers.
func (s *Scheduler) SetHandler(h app.FireHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, entityID string, kind app.TriggerKind) error {
	return s.client.ZAdd(ctx, triggersKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member(entityID, kind),
	}).Err()
}

func (s *Scheduler) Cancel(ctx context.Context, entityID string, kind app.TriggerKind) error {
	return s.client.ZRem(ctx, triggersKey, member(entityID, kind)).Err()
}

// Start polls until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("trigger scheduler started", "poll_interval", s.config.PollInterval)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trigger scheduler stopping (context cancelled)")
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("trigger scheduler stopping (stop called)")
			close(s.doneCh)
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Tick delivers every trigger that is due and returns how many this process claimed.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return 0, nil
	}

	nowMillis := s.now().UnixMilli()
	due, err := s.client.ZRangeByScore(ctx, triggersKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprint(nowMillis),
		Count: s.config.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due triggers: %w", err)
	}

	claimed := 0
	for _, m := range due {
		won, err := claimScript.Run(ctx, s.client, []string{triggersKey}, m, nowMillis).Int()
		if err != nil {
			return claimed, fmt.Errorf("claim trigger %s: %w", m, err)
		}
		if won != 1 {
			continue
		}
		claimed++

		entityID, kind, ok := parseMember(m)
		if !ok {
			s.logger.Warn("malformed trigger dropped", "member", m)
			continue
		}
		if err := h.OnFire(ctx, entityID, kind); err != nil {
			s.logger.Error("trigger callback failed, re-queueing", "entity_id", entityID, "kind", kind, "error", err)
			s.requeue(ctx, m)
		}
	}
	return claimed, nil
}

// requeue adds the trigger back unless a newer registration already exists.
func (s *Scheduler) requeue(ctx context.Context, m string) {
	retryAt := s.now().Add(s.config.RetryDelay).UnixMilli()
	if err := s.client.ZAddNX(ctx, triggersKey, redis.Z{Score: float64(retryAt), Member: m}).Err(); err != nil {
		s.logger.Error("re-queue trigger failed", "member", m, "error", err)
	}
}

// Pending returns the registered triggers with their due time.
func (s *Scheduler) Pending(ctx context.Context) (map[string]time.Time, error) {
	entries, err := s.client.ZRangeWithScores(ctx, triggersKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(entries))
	for _, z := range entries {
		out[fmt.Sprint(z.Member)] = time.UnixMilli(int64(z.Score)).UTC()
	}
	return out, nil
}

func member(entityID string, kind app.TriggerKind) string {
	return string(kind) + "|" + entityID
}

func parseMember(m string) (string, app.TriggerKind, bool) {
	kind, entityID, ok := strings.Cut(m, "|")
	if !ok || entityID == "" {
		return "", "", false
	}
	return entityID, app.TriggerKind(kind), true
}
