package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/store"
)

var (
	// ErrQueueFull is returned by Enqueue when no buffer slot is free.
	ErrQueueFull = errors.New("grading queue is full")
	// ErrQueueClosed is returned by Enqueue after Shutdown.
	ErrQueueClosed = errors.New("grading queue is shutting down")
)

type job struct {
	taskID  string
	sheetID int64
	ctx     context.Context
}

// Queue runs grading tasks on a fixed pool of workers. Enqueue returns as
// soon as the task is persisted; progress is read back from the store.
type Queue struct {
	orch    *Orchestrator
	store   *store.Store
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan job
	wg   conc.WaitGroup
	once sync.Once

	base context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan job, n)
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// NewQueue starts the workers. Call Shutdown to stop them.
func NewQueue(orch *Orchestrator, st *store.Store, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	q := &Queue{
		orch:    orch,
		store:   st,
		logger:  logger,
		workers: 4,
		timeout: 10 * time.Minute,
		ch:      make(chan job, 256),
		base:    base,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			workerID := i + 1
			q.wg.Go(func() {
				q.logger.Info("worker started", "worker_id", workerID)
				for j := range q.ch {
					q.run(workerID, j)
				}
				q.logger.Info("worker stopped", "worker_id", workerID)
			})
		}
	})
}

func (q *Queue) run(workerID int, j job) {
	defer q.forget(j.taskID)
	ctx, cancel := context.WithTimeout(j.ctx, q.timeout)
	defer cancel()

	err := q.orch.Run(ctx, j.taskID, j.sheetID)
	switch {
	case err == nil:
		q.logger.Info("graded sheet", "worker_id", workerID, "sheet_id", j.sheetID, "task_id", j.taskID)
	case errors.Is(err, ErrCancelled), errors.Is(err, store.ErrSuperseded):
		q.logger.Info("grading stopped", "worker_id", workerID, "sheet_id", j.sheetID, "task_id", j.taskID, "reason", err)
	default:
		q.logger.Error("grading failed", "worker_id", workerID, "sheet_id", j.sheetID, "task_id", j.taskID, "error", err)
	}
}

// Enqueue creates a task for sheetID and hands it to a worker. Unfinished
// tasks of the same sheet are cancelled.
func (q *Queue) Enqueue(ctx context.Context, sheetID int64) (model.GradingTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return model.GradingTask{}, ErrQueueClosed
	}
	// Senders hold mu and workers only drain, so a free slot seen here is
	// still free at the send below. Rejecting before StartTask leaves the
	// sheet's run and failure untouched.
	if len(q.ch) >= cap(q.ch) {
		q.logger.Warn("queue full, rejecting sheet", "sheet_id", sheetID)
		return model.GradingTask{}, ErrQueueFull
	}

	ts, err := q.store.StartTask(ctx, sheetID)
	if err != nil {
		return model.GradingTask{}, err
	}
	for _, id := range ts.Replaced {
		q.cancelLocked(id)
	}

	jctx, cancel := context.WithCancel(q.base)
	j := job{taskID: ts.Task.ID, sheetID: sheetID, ctx: jctx}
	q.cancels[j.taskID] = cancel
	select {
	case q.ch <- j:
		q.logger.Info("queued sheet for grading", "sheet_id", sheetID, "task_id", j.taskID, "replaced", len(ts.Replaced))
		return ts.Task, nil
	default:
		q.cancelLocked(j.taskID)
		q.logger.Warn("queue full, rejecting task", "sheet_id", sheetID, "task_id", j.taskID)
		if err := q.store.UpdateTask(context.WithoutCancel(ctx), j.taskID, model.TaskFailed, "", ErrQueueFull.Error()); err != nil {
			q.logger.Error("record rejected task", "task_id", j.taskID, "error", err)
		}
		return model.GradingTask{}, ErrQueueFull
	}
}

// CancelTask asks a task to stop. A running task is interrupted at once.
func (q *Queue) CancelTask(ctx context.Context, taskID string) (model.GradingTask, error) {
	t, err := q.store.RequestCancel(ctx, taskID)
	if err != nil {
		return t, err
	}
	q.mu.Lock()
	q.cancelLocked(taskID)
	q.mu.Unlock()
	return t, nil
}

// CancelSheet stops every unfinished task of a sheet. It returns the IDs of
// the tasks that were asked to stop.
func (q *Queue) CancelSheet(ctx context.Context, sheetID int64) ([]string, error) {
	ids, err := q.store.CancelSheetTasks(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	for _, id := range ids {
		q.cancelLocked(id)
	}
	q.mu.Unlock()
	if len(ids) > 0 {
		q.logger.Info("cancelled sheet tasks", "sheet_id", sheetID, "tasks", len(ids))
	}
	return ids, nil
}

func (q *Queue) cancelLocked(taskID string) {
	if cancel, ok := q.cancels[taskID]; ok {
		cancel()
		delete(q.cancels, taskID)
	}
}

func (q *Queue) forget(taskID string) {
	q.mu.Lock()
	q.cancelLocked(taskID)
	q.mu.Unlock()
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
// When ctx expires first, running tasks are cancelled and ctx.Err() is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context, cancelling running tasks")
		q.stop()
		<-done
		return ctx.Err()
	case <-done:
		q.stop()
		q.logger.Info("queue drained, shutdown complete")
		return nil
	}
}
