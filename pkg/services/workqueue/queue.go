// Package workqueue runs long-lived background tasks on a bounded number of
// goroutines. Tasks are fire-and-forget: outcomes are reported through the
// optional finish callback and logs, never returned to the caller.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work.
type Task interface {
	// ID identifies the task; two tasks with the same ID never run at once.
	ID() string
	// Name is a short label for logs.
	Name() string
	// Execute runs the task. ctx is cancelled on Shutdown.
	Execute(ctx context.Context) error
}

// ErrPanic wraps a panic recovered from a task.
var ErrPanic = errors.New("task panicked")

// Queue runs tasks as they are enqueued, up to a fixed concurrency.
type Queue struct {
	mu       sync.Mutex
	limit    int
	running  map[string]Task
	closed   bool
	onFinish func(Task, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency runs up to n tasks in parallel. Values below 1 mean 1.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		q.limit = max(n, 1)
	}
}

// WithOnFinish registers fn to be called after every task, with the task's
// error (nil on success). fn runs on the task's goroutine.
func WithOnFinish(fn func(Task, error)) Option {
	return func(q *Queue) {
		q.onFinish = fn
	}
}

// New creates a queue. Without options tasks run one at a time.
func New(logger *zap.Logger, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		limit:   1,
		running: make(map[string]Task),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue starts task immediately. It returns false, without running the
// task, when the queue is shut down, full, or already running a task with
// the same ID.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.closed:
		q.logger.Warn("Queue shut down, ignoring task",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return false
	case len(q.running) >= q.limit:
		return false
	}
	if _, dup := q.running[task.ID()]; dup {
		q.logger.Warn("Task already running",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return false
	}

	q.running[task.ID()] = task
	q.wg.Add(1)
	go q.run(task)
	return true
}

// Capacity returns how many more tasks Enqueue would accept right now.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return q.limit - len(q.running)
}

// Running returns the number of tasks in flight.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Shutdown stops accepting tasks, cancels the context of running ones and
// waits up to timeout for them to return. It reports whether they all did.
func (q *Queue) Shutdown(timeout time.Duration) bool {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cancel()
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (q *Queue) run(task Task) {
	defer q.wg.Done()

	started := time.Now()
	q.logger.Debug("Task started",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()))

	err := q.execute(task)

	q.mu.Lock()
	delete(q.running, task.ID())
	q.mu.Unlock()

	fields := []zap.Field{
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.Duration("elapsed", time.Since(started)),
	}
	switch {
	case err == nil:
		q.logger.Debug("Task completed", fields...)
	case errors.Is(err, context.Canceled):
		q.logger.Info("Task cancelled", fields...)
	default:
		q.logger.Error("Task failed", append(fields, zap.Error(err))...)
	}

	if q.onFinish != nil {
		q.onFinish(task, err)
	}
}

// execute turns a panic into ErrPanic so one bad task never takes the
// process down.
func (q *Queue) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Task panicked",
				zap.String("task_id", task.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task.Execute(q.ctx)
}
