// Package scheduler runs named recurring, one-shot, and daily tasks.
//
// Each task gets its own goroutine with isolated panic recovery, so one
// failing task never stops the others. Names are unique: scheduling a name
// that already exists cancels the prior task first. Shutdown cancels
// everything and waits a bounded time per task.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultShutdownWait = 2 * time.Second

// Scheduler coordinates background tasks for the engine.
type Scheduler struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	shutdownWait time.Duration
}

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger.With("component", "scheduler"),
		tasks:        make(map[string]*task),
		shutdownWait: defaultShutdownWait,
	}
}

// ScheduleRecurring runs fn every interval until cancelled. The first run
// happens after one interval.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	tctx, t := s.register(ctx, name)
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.C:
				s.runIsolated(tctx, name, fn)
			}
		}
	}()
}

// ScheduleOnce runs fn once after delay unless cancelled first.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name string, delay time.Duration, fn func(context.Context)) {
	tctx, t := s.register(ctx, name)
	go func() {
		defer close(t.done)
		defer s.forget(name, t)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-tctx.Done():
			return
		case <-timer.C:
			s.runIsolated(tctx, name, fn)
		}
	}()
}

// ScheduleDaily runs fn every day at the given wall-clock hour:minute in
// loc (nil means the host zone). A missed slot (process asleep or started
// late) runs at the next occurrence rather than immediately.
func (s *Scheduler) ScheduleDaily(ctx context.Context, name string, hour, minute int, loc *time.Location, fn func(context.Context)) {
	if loc == nil {
		loc = time.Local
	}
	tctx, t := s.register(ctx, name)
	go func() {
		defer close(t.done)
		for {
			next := nextDaily(time.Now().In(loc), hour, minute)
			timer := time.NewTimer(time.Until(next))
			select {
			case <-tctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runIsolated(tctx, name, fn)
			}
		}
	}()
}

// Cancel stops the named task and waits for it to finish.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	s.wait(t)
}

// CancelAll stops every task, waiting a bounded time for each.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		all = append(all, t)
	}
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range all {
		t.cancel()
	}
	for _, t := range all {
		s.wait(t)
	}
}

// Names returns the currently scheduled task names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) register(ctx context.Context, name string) (context.Context, *task) {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	prev, existed := s.tasks[name]
	s.tasks[name] = t
	s.mu.Unlock()

	// Re-scheduling a name cancels the prior task.
	if existed {
		prev.cancel()
		s.wait(prev)
		s.logger.Debug("task replaced", "name", name)
	}
	return tctx, t
}

// forget removes a finished one-shot task if it is still the registered one.
func (s *Scheduler) forget(name string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[name]; ok && cur == t {
		delete(s.tasks, name)
	}
}

func (s *Scheduler) wait(t *task) {
	select {
	case <-t.done:
	case <-time.After(s.shutdownWait):
		s.logger.Warn("task did not stop within shutdown wait", "name", t.name)
	}
}

// runIsolated executes one task invocation with panic recovery.
func (s *Scheduler) runIsolated(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "name", name, "panic", r)
		}
	}()
	fn(ctx)
}

// nextDaily returns the next occurrence of hour:minute strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
