// Package queue runs submitted tasks one at a time on a worker that shuts
// itself down when idle and is restarted by the next submission.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
)

var (
	// ErrQueueFull is returned when the backlog is at capacity.
	ErrQueueFull = ferrors.DaemonError("work queue is full").Build()
	// ErrQueueStopped is returned after Stop.
	ErrQueueStopped = ferrors.DaemonError("work queue is stopped").Build()
)

// Task is one unit of work. Abandon is called instead of Run for tasks
// still queued when the queue stops.
type Task struct {
	ID      string
	Run     func(ctx context.Context)
	Abandon func(err error)
}

// Options configures a Queue.
type Options struct {
	// Backlog is the number of tasks that may wait behind the running one.
	Backlog int
	// IdleTimeout stops the worker after this long without work.
	IdleTimeout time.Duration
	// OnIdle runs on the worker goroutine when it stops for idleness.
	OnIdle   func()
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// Queue is a single worker with a bounded backlog.
type Queue struct {
	tasks    chan Task
	idle     time.Duration
	onIdle   func()
	recorder metrics.Recorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a queue. No goroutine runs until the first Submit.
func New(opts Options) *Queue {
	if opts.Backlog <= 0 {
		opts.Backlog = 32
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		tasks:    make(chan Task, opts.Backlog),
		idle:     opts.IdleTimeout,
		onIdle:   opts.OnIdle,
		recorder: metrics.Or(opts.Recorder),
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// Submit enqueues task, starting the worker if needed.
func (q *Queue) Submit(task Task) error {
	if task.Run == nil {
		return ferrors.InternalError("task has no body").Build()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.tasks <- task:
	default:
		q.logger.Warn("Work queue full", logfields.RequestID(task.ID))
		return ErrQueueFull
	}
	q.recorder.SetQueueDepth(len(q.tasks))
	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.worker()
		q.logger.Debug("Worker started")
	}
	return nil
}

// Len returns the number of queued tasks, not counting one in progress.
func (q *Queue) Len() int { return len(q.tasks) }

// Running reports whether the worker goroutine is alive.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Stop waits for the task in progress, abandons queued ones and stops the
// worker. If ctx expires first the running task's context is cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.stopCh)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
		err = ferrors.WrapError(ctx.Err(), ferrors.CategoryDaemon, "work queue stop timed out").Build()
	}
	q.cancel()
	q.abandonQueued()
	return err
}

func (q *Queue) abandonQueued() {
	for {
		select {
		case task := <-q.tasks:
			if task.Abandon != nil {
				task.Abandon(ErrQueueStopped)
			}
		default:
			q.recorder.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	timer := time.NewTimer(q.idle)
	defer timer.Stop()

	for {
		select {
		case <-q.stopCh:
			q.exit()
			return
		default:
		}

		select {
		case <-q.stopCh:
			q.exit()
			return
		case task := <-q.tasks:
			select {
			case <-q.stopCh:
				if task.Abandon != nil {
					task.Abandon(ErrQueueStopped)
				}
				q.exit()
				return
			default:
			}
			q.recorder.SetQueueDepth(len(q.tasks))
			q.run(task)
			timer.Reset(q.idle)
		case <-timer.C:
			q.mu.Lock()
			if len(q.tasks) > 0 {
				q.mu.Unlock()
				timer.Reset(q.idle)
				continue
			}
			q.running = false
			q.mu.Unlock()
			q.logger.Debug("Worker idle, stopping")
			if q.onIdle != nil {
				q.onIdle()
			}
			return
		}
	}
}

func (q *Queue) exit() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Task panicked", logfields.RequestID(task.ID), slog.Any("panic", r))
		}
	}()
	task.Run(q.ctx)
}
