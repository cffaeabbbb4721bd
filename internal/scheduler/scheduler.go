// Package scheduler arms one deadline timer per pending step. Deadlines are persisted so a
// restart can re-arm them through Recover; overdue ones fire immediately.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitdone/internal/clock"
)

type Deadline struct {
	StepID      string
	EventID     string
	VendorEmail string
	FireAt      time.Time
}

// FireFunc handles an expired deadline. The row is removed only when it returns nil.
type FireFunc func(ctx context.Context, d Deadline) error

// Store persists deadlines across restarts.
type Store interface {
	UpsertDeadline(ctx context.Context, d Deadline) error
	DeleteDeadline(ctx context.Context, stepID string) error
	ListDeadlines(ctx context.Context) ([]Deadline, error)
}

type Scheduler struct {
	store  Store
	clock  clock.Clock
	fire   FireFunc
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*entry
	seq     uint64
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	id       uint64
	deadline Deadline
	timer    clock.Timer
}

func New(store Store, clk clock.Clock, fire FireFunc, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		clock:  clk,
		fire:   fire,
		logger: logger.With("component", "scheduler"),
		timers: map[string]*entry{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule persists d and arms its timer, replacing any timer already armed for the step.
func (s *Scheduler) Schedule(ctx context.Context, d Deadline) error {
	if d.StepID == "" {
		return fmt.Errorf("schedule: step id required")
	}
	d.FireAt = d.FireAt.UTC()
	if err := s.store.UpsertDeadline(ctx, d); err != nil {
		return fmt.Errorf("persist deadline: %w", err)
	}
	s.arm(d)
	return nil
}

// Cancel stops the step's timer and forgets its row. Cancelling an unknown step is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, stepID string) error {
	s.mu.Lock()
	if e, ok := s.timers[stepID]; ok {
		e.timer.Stop()
		delete(s.timers, stepID)
	}
	s.mu.Unlock()
	if err := s.store.DeleteDeadline(ctx, stepID); err != nil {
		return fmt.Errorf("delete deadline: %w", err)
	}
	return nil
}

// Recover re-arms every persisted deadline and returns how many were armed.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ds, err := s.store.ListDeadlines(ctx)
	if err != nil {
		return 0, fmt.Errorf("list deadlines: %w", err)
	}
	for _, d := range ds {
		s.arm(d)
	}
	s.logger.Info("deadlines recovered", "count", len(ds))
	return len(ds), nil
}

// Has reports whether a timer is armed for stepID.
func (s *Scheduler) Has(stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[stepID]
	return ok
}

// Stop disarms all timers and waits for in-flight callbacks. Persisted rows are kept.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) arm(d Deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[d.StepID]; ok {
		old.timer.Stop()
	}
	s.seq++
	e := &entry{id: s.seq, deadline: d}
	wait := d.FireAt.Sub(s.clock.Now())
	if wait < 0 {
		wait = 0
	}
	e.timer = s.clock.AfterFunc(wait, func() { s.onFire(e) })
	s.timers[d.StepID] = e
}

func (s *Scheduler) onFire(e *entry) {
	s.mu.Lock()
	cur, ok := s.timers[e.deadline.StepID]
	if !ok || cur.id != e.id || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, e.deadline.StepID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	d := e.deadline
	log := s.logger.With("event_id", d.EventID, "step_id", d.StepID)
	if err := s.fire(s.ctx, d); err != nil {
		log.Error("deadline callback failed", "err", err)
		return
	}
	s.mu.Lock()
	_, rearmed := s.timers[d.StepID]
	s.mu.Unlock()
	if rearmed {
		return
	}
	if err := s.store.DeleteDeadline(s.ctx, d.StepID); err != nil {
		log.Warn("delete fired deadline", "err", err)
	}
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Deadline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[string]Deadline{}}
}

func (m *MemoryStore) UpsertDeadline(_ context.Context, d Deadline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[d.StepID] = d
	return nil
}

func (m *MemoryStore) DeleteDeadline(_ context.Context, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, stepID)
	return nil
}

func (m *MemoryStore) ListDeadlines(_ context.Context) ([]Deadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Deadline, 0, len(m.m))
	for _, d := range m.m {
		out = append(out, d)
	}
	return out, nil
}
