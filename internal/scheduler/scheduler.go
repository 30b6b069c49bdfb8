// Package scheduler drives the recurring cadences of the pipeline: the drain
// loop, the re-analysis loop, and the daily rollup. Tasks are named, run on
// independent tickers, and can be triggered synchronously in tests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateTask is returned when registering a task name twice.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrUnknownTask is returned when referring to a task that was never registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrAlreadyStarted is returned when registering after Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// TaskFunc is one cycle of a recurring task. Errors are logged, never fatal;
// the next tick runs regardless.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	cancel   context.CancelFunc
}

// Scheduler runs named recurring tasks, one goroutine per task.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	started bool
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a named task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	s.tasks[name] = &task{name: name, interval: interval, fn: fn}
	s.order = append(s.order, name)
	return nil
}

// Start launches every registered task. Each runs on its own ticker until
// the context is cancelled, the scheduler is stopped, or the task is
// individually cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, name := range s.order {
		t := s.tasks[name]
		taskCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel

		s.wg.Add(1)
		go s.run(taskCtx, t)
	}
}

// Cancel stops a single task without touching the others.
func (s *Scheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Stop cancels every task and waits for the loops to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// RunOnce executes one cycle of the named task synchronously. Tests use this
// instead of waiting on wall-clock time.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.safeRun(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	s.logger.Info().Str("task", t.name).Dur("interval", t.interval).Msg("task started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Str("task", t.name).Msg("task stopped")
			return
		case <-ticker.C:
			if err := s.safeRun(ctx, t); err != nil {
				s.logger.Error().Str("task", t.name).Err(err).Msg("task cycle failed")
			}
		}
	}
}

// safeRun runs one cycle with panic containment: a panicking task must not
// take down the service hosting the scheduler.
func (s *Scheduler) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}
