// Package tasks runs named background jobs on intervals, with last-run
// times persisted so a restart does not re-run everything immediately.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/habgate/habgate/internal/store"
)

// Task is one scheduled job. Run receives a context canceled on
// shutdown and should return promptly when it is.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type scheduled struct {
	task Task
	// intervalNs is re-read every cycle; hot reload swaps it live.
	intervalNs atomic.Int64
	running    atomic.Bool
}

// Scheduler owns the task set. The first run of each task fires after
// max(0, interval - elapsedSinceLastRun) based on the persisted
// last-run time; afterwards runs repeat on the interval. Runs of the
// same task never overlap.
type Scheduler struct {
	store store.Store

	mu    sync.Mutex
	tasks map[string]*scheduled
}

func NewScheduler(s store.Store) *Scheduler {
	return &Scheduler{store: s, tasks: make(map[string]*scheduled)}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t Task) {
	sc := &scheduled{task: t}
	sc.intervalNs.Store(int64(t.Interval))
	s.mu.Lock()
	s.tasks[t.Name] = sc
	s.mu.Unlock()
}

// SetInterval reschedules a task live (config hot reload). The new
// interval applies from the next cycle.
func (s *Scheduler) SetInterval(name string, interval time.Duration) {
	s.mu.Lock()
	sc, ok := s.tasks[name]
	s.mu.Unlock()
	if ok && interval > 0 {
		sc.intervalNs.Store(int64(interval))
	}
}

// Run starts every registered task and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	all := make([]*scheduled, 0, len(s.tasks))
	for _, sc := range s.tasks {
		all = append(all, sc)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sc := range all {
		wg.Add(1)
		go func(sc *scheduled) {
			defer wg.Done()
			s.runLoop(ctx, sc)
		}(sc)
	}
	wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, sc *scheduled) {
	delay := s.firstDelay(ctx, sc)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.runOnce(ctx, sc)
		timer.Reset(time.Duration(sc.intervalNs.Load()))
	}
}

// firstDelay honors the persisted last-run: a task that ran recently
// before a restart waits out the remainder of its interval.
func (s *Scheduler) firstDelay(ctx context.Context, sc *scheduled) time.Duration {
	interval := time.Duration(sc.intervalNs.Load())
	last, ok, err := s.store.GetTaskLastRun(ctx, sc.task.Name)
	if err != nil || !ok {
		return 0
	}
	elapsed := time.Since(last)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (s *Scheduler) runOnce(ctx context.Context, sc *scheduled) {
	if !sc.running.CompareAndSwap(false, true) {
		slog.Warn("task still running, skipping cycle", "task", sc.task.Name)
		return
	}
	defer sc.running.Store(false)

	start := time.Now()
	if err := sc.task.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("task failed", "task", sc.task.Name, "error", err)
	} else {
		slog.Debug("task completed", "task", sc.task.Name, "duration", time.Since(start).Round(time.Millisecond))
	}

	if err := s.store.SetTaskLastRun(ctx, sc.task.Name, start); err != nil && ctx.Err() == nil {
		slog.Debug("persist task last-run failed", "task", sc.task.Name, "error", err)
	}
}
