package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quiz-engine/internal/app"
)

// Scheduler runs triggers with process-local timers. Registrations are lost when the
// process exits; the reconciler re-registers them on the next pass.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]registration
	seq     uint64
	handler app.FireHandler
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

type registration struct {
	timer *time.Timer
	seq   uint64
}

var _ app.TriggerScheduler = (*Scheduler)(nil)

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers:  make(map[string]registration),
		logger:  logger,
		now:     time.Now,
		timeout: 30 * time.Second,
	}
}

// SetHandler installs the callback. Triggers firing before it is set are dropped.
func (s *Scheduler) SetHandler(h app.FireHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Scheduler) ScheduleAt(_ context.Context, at time.Time, entityID string, kind app.TriggerKind) error {
	k := triggerKey(entityID, kind)
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.timers[k]; ok {
		r.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timers[k] = registration{
		timer: time.AfterFunc(delay, func() { s.fire(seq, entityID, kind) }),
		seq:   seq,
	}
	return nil
}

func (s *Scheduler) Cancel(_ context.Context, entityID string, kind app.TriggerKind) error {
	k := triggerKey(entityID, kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.timers[k]; ok {
		r.timer.Stop()
		delete(s.timers, k)
	}
	return nil
}

// Pending reports how many registrations are waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every registration.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.timers {
		r.timer.Stop()
		delete(s.timers, k)
	}
}

func (s *Scheduler) fire(seq uint64, entityID string, kind app.TriggerKind) {
	k := triggerKey(entityID, kind)
	s.mu.Lock()
	// A superseded timer may still fire once; only the current one counts.
	if r, ok := s.timers[k]; !ok || r.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		s.logger.Warn("trigger fired without handler", "entity_id", entityID, "kind", kind)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := h.OnFire(ctx, entityID, kind); err != nil {
		s.logger.Error("trigger callback failed", "entity_id", entityID, "kind", kind, "error", err)
	}
}

func triggerKey(entityID string, kind app.TriggerKind) string {
	return string(kind) + "|" + entityID
}
