// Package scheduler runs a fixed pool of worker goroutines over a ready
// queue of TaskIds, invoking a host-supplied body function per task and
// feeding the results back into the task-state arena. It is explicitly not
// a thread-per-task model: many cooperative task bodies are multiplexed
// over a small, fixed worker count, and a body that calls ReadOutput on a
// Dirty dependency parks its goroutine there rather than blocking a worker
// forever — the parked goroutine is the worker for as long as the body
// runs, so "parking" here means the worker is busy waiting, not that it
// picks up other work mid-body. Concurrent re-execution of the same TaskId
// is impossible: the arena's per-task Executing flag rejects re-entry.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/turbotask-dev/turbotask/pkg/taskid"
)

// TaskId is the shared task identifier.
type TaskId = taskid.TaskId

// Body executes a task's function body given its TaskId, returning the
// value to store in its output cell (or an error, recorded as Errored).
type Body func(ctx context.Context, id TaskId) (any, error)

// Arena is the subset of *taskstate.Arena the scheduler depends on.
type Arena interface {
	BeginExecution(id TaskId) error
	FinishExecution(id TaskId, newValue any, execErr error) (dependents []TaskId, valueChanged bool)
	MarkDirty(id TaskId) []TaskId
}

// Scheduler owns the ready queue and worker pool.
type Scheduler struct {
	arena   Arena
	body    Body
	logger  *slog.Logger
	workers int

	ready chan TaskId
	sf    singleflight.Group
	sem   *semaphore.Weighted

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the fixed pool size. Zero defaults to runtime.NumCPU().
	Workers int
	// QueueSize bounds the ready channel. Zero defaults to 1024.
	QueueSize int
	// MaxConcurrentExecutions bounds how many task bodies may run at once,
	// independent of Workers: a worker that has dequeued a task still
	// blocks on this semaphore before invoking its body, so Workers can be
	// sized for queue throughput while execution itself stays capped (e.g.
	// bodies that hold expensive external resources). Zero defaults to
	// Workers.
	MaxConcurrentExecutions int
	Logger                  *slog.Logger
}

// New constructs a Scheduler. It does not start workers; call Start. Wire
// arena.NotifyReady to Enqueue so that every task the arena marks Dirty (or
// creates fresh) reaches the ready queue automatically.
func New(arena Arena, body Body, cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	maxConcurrent := cfg.MaxConcurrentExecutions
	if maxConcurrent <= 0 {
		maxConcurrent = workers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		arena:   arena,
		body:    body,
		logger:  logger,
		workers: workers,
		ready:   make(chan TaskId, queueSize),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Enqueue places id on the ready queue. Safe to call concurrently; if the
// queue is saturated this blocks the caller (including, transitively, the
// arena's NotifyReady hook — callers that cannot tolerate that should run
// Enqueue in its own goroutine).
func (s *Scheduler) Enqueue(id TaskId) {
	s.ready <- id
}

// Start launches the fixed worker pool, supervised by an errgroup so a
// panic-free worker failure (ctx cancellation aside) surfaces through Stop
// instead of silently vanishing. Workers exit when ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	for i := 0; i < s.workers; i++ {
		eg.Go(func() error {
			s.runWorker(egCtx)
			return nil
		})
	}
}

func (s *Scheduler) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.ready:
			s.execute(ctx, id)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, id TaskId) {
	if err := s.arena.BeginExecution(id); err != nil {
		// Another worker is already running this task (or it was enqueued
		// twice before execution started); not an error, just a no-op.
		s.logger.Debug("scheduler: skipping already-executing task", "task_id", id)
		return
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Context cancelled while waiting for an execution slot; the task
		// stays Executing forever in that case, which is fine since the
		// whole scheduler is shutting down with it.
		return
	}
	value, execErr := s.body(ctx, id)
	s.sem.Release(1)

	dependents, _ := s.arena.FinishExecution(id, value, execErr)
	if execErr != nil {
		s.logger.Warn("scheduler: task body failed", "task_id", id, "error", execErr)
	}

	for _, dep := range dependents {
		s.arena.MarkDirty(dep)
	}
}

// Stop cancels all workers and waits for them to exit, returning the first
// non-nil error any worker returned (workers normally only return nil;
// errgroup's context-cancellation bookkeeping is what this mainly surfaces).
func (s *Scheduler) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.eg == nil {
		return nil
	}
	return s.eg.Wait()
}

// CallKey collapses concurrent identical invocations (same fingerprint) into
// a single in-flight body execution via singleflight, returning the shared
// result to every caller. This runs outside the worker pool: it is meant to
// wrap the synchronous portion of Call (resolving a fingerprint to a TaskId
// and, for a brand-new fingerprint, creating the task) rather than the
// pool's ready-queue dispatch; the new task's first execution still goes
// through the ready queue.
func (s *Scheduler) CallKey(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	v, err, _ := s.sf.Do(key, fn)
	return v, err
}
