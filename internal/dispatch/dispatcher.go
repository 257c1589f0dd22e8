package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
	"git.home.luguber.info/inful/privd/internal/notify"
)

// ErrAlreadyDelivered is returned when an outcome is delivered twice to the same handle.
var ErrAlreadyDelivered = ferrors.NewError(ferrors.CategoryInternal, "outcome already delivered").Build()

// ErrDispatcherStopped is returned by Deliver after Stop.
var ErrDispatcherStopped = ferrors.DaemonError("result dispatcher stopped").Build()

// Handle is the per-request delivery slot. It fires at most once.
type Handle struct {
	callback  Callback
	name      string
	once      sync.Once
	delivered atomic.Bool
}

// NewHandle wraps cb. name identifies the callback kind in metrics.
func NewHandle(name string, cb Callback) *Handle {
	if cb == nil {
		cb = CallbackFunc(func(context.Context, Outcome) error { return nil })
	}
	return &Handle{callback: cb, name: name}
}

// Delivered reports whether the handle has been claimed for delivery.
func (h *Handle) Delivered() bool { return h.delivered.Load() }

// claim marks the handle used. It returns false when it already was.
func (h *Handle) claim() bool {
	claimed := false
	h.once.Do(func() {
		h.delivered.Store(true)
		claimed = true
	})
	return claimed
}

type delivery struct {
	outcome Outcome
	handle  *Handle
}

// Dispatcher runs callbacks on its own goroutine so slow callers never
// stall the install worker.
type Dispatcher struct {
	queue    chan delivery
	timeout  time.Duration
	notifier notify.Notifier
	recorder metrics.Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// Options configures a Dispatcher.
type Options struct {
	Buffer   int
	Timeout  time.Duration
	Notifier notify.Notifier
	Recorder metrics.Recorder
	Logger   *slog.Logger
}

// New starts a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		queue:    make(chan delivery, opts.Buffer),
		timeout:  opts.Timeout,
		notifier: opts.Notifier,
		recorder: metrics.Or(opts.Recorder),
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// Deliver schedules outcome for handle. The handle is claimed synchronously,
// so a second Deliver for the same handle returns ErrAlreadyDelivered even
// before the first callback ran.
func (d *Dispatcher) Deliver(outcome Outcome, handle *Handle) error {
	if handle == nil {
		return ferrors.InternalError("nil result handle").Build()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	if !handle.claim() {
		return ErrAlreadyDelivered
	}
	d.queue <- delivery{outcome: outcome, handle: handle}
	return nil
}

// Stop delivers everything already queued and stops the goroutine.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ferrors.WrapError(ctx.Err(), ferrors.CategoryDaemon, "result dispatcher did not drain").Build()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for item := range d.queue {
		d.invoke(item)
	}
}

func (d *Dispatcher) invoke(item delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	o := item.outcome
	err := item.handle.callback.HandleResult(ctx, o)
	if err == nil {
		d.logger.Debug("Outcome delivered",
			logfields.RequestID(o.RequestID),
			logfields.PackageID(o.PackageID),
			logfields.Outcome(string(o.Status)))
		return
	}

	d.recorder.IncDeliveryError(item.handle.name)
	d.logger.Warn("Outcome callback failed",
		logfields.RequestID(o.RequestID),
		logfields.PackageID(o.PackageID),
		logfields.Error(err))
	notice := notify.Failure(o.RequestID, o.PackageID, "result callback failed: "+ferrors.Describe(err))
	if nerr := d.notifier.Notify(ctx, notice); nerr != nil {
		d.logger.Warn("Failed to publish notice", logfields.Error(nerr))
	}
}
