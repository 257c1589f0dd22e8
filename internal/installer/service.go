package installer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/privd/internal/access"
	"git.home.luguber.info/inful/privd/internal/dispatch"
	"git.home.luguber.info/inful/privd/internal/eventstore"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
	"git.home.luguber.info/inful/privd/internal/notify"
	"git.home.luguber.info/inful/privd/internal/queue"
)

// Runner executes an accepted request. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req Request) dispatch.Outcome
}

// Submitter enqueues work. *queue.Queue implements it.
type Submitter interface {
	Submit(task queue.Task) error
}

// Receipt is the synchronous answer to a submission.
type Receipt struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
}

// Service gates requests, queues accepted ones and delivers every outcome.
type Service struct {
	gate       *access.Gate
	queue      Submitter
	runner     Runner
	dispatcher *dispatch.Dispatcher
	notifier   notify.Notifier
	events     eventstore.Store
	recorder   metrics.Recorder
	logger     *slog.Logger
}

// ServiceOptions groups Service collaborators.
type ServiceOptions struct {
	Gate       *access.Gate
	Queue      Submitter
	Runner     Runner
	Dispatcher *dispatch.Dispatcher
	Notifier   notify.Notifier
	Events     eventstore.Store
	Recorder   metrics.Recorder
	Logger     *slog.Logger
}

// NewService wires a Service.
func NewService(opts ServiceOptions) *Service {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		gate:       opts.Gate,
		queue:      opts.Queue,
		runner:     opts.Runner,
		dispatcher: opts.Dispatcher,
		notifier:   opts.Notifier,
		events:     opts.Events,
		recorder:   metrics.Or(opts.Recorder),
		logger:     opts.Logger,
	}
}

// HasAccess reports whether identity may use the service.
func (s *Service) HasAccess(identity string) bool {
	return s.gate.IsAllowed(identity)
}

// Submit decides synchronously whether req is accepted. The outcome is
// always delivered to handle later, including for denials and for requests
// that fail validation. An error is returned only when the request could
// not be queued.
func (s *Service) Submit(ctx context.Context, identity string, req Request, handle *dispatch.Handle) (Receipt, error) {
	req.Identity = identity
	req.Submitted = time.Now().UTC()
	receipt := Receipt{RequestID: req.ID}
	logger := s.logger.With(
		logfields.RequestID(req.ID),
		logfields.RequestKind(string(req.Kind)),
		logfields.PackageID(req.PackageID),
		logfields.Identity(identity))

	if !s.gate.IsAllowed(identity) {
		logger.Warn("Request denied")
		s.record(ctx, logger, func() (eventstore.Event, error) {
			return eventstore.NewAccessDenied(req.ID, identity, req.PackageID, string(req.Kind))
		})
		notice := notify.AccessDenied(req.ID, identity)
		if err := s.notifier.Notify(ctx, notice); err != nil {
			logger.Warn("Failed to publish notice", logfields.Error(err))
		}
		s.finish(ctx, logger, req, dispatch.Failed(req.ID, req.PackageID, notice.Message), handle, metrics.ResultDenied)
		return receipt, nil
	}

	receipt.Accepted = true
	prepared, err := prepare(req)
	if err != nil {
		logger.Warn("Request rejected", logfields.Error(err))
		s.finish(ctx, logger, req, dispatch.Failed(req.ID, req.PackageID, ferrors.Describe(err)), handle, metrics.ResultFailure)
		return receipt, nil
	}
	req = prepared

	s.record(ctx, logger, func() (eventstore.Event, error) {
		return eventstore.NewRequestAccepted(req.ID, req.PackageID, string(req.Kind), identity, req.fileRefs())
	})

	task := queue.Task{
		ID: req.ID,
		Run: func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Request run panicked", slog.Any("panic", r))
					msg := fmt.Sprintf("request run failed: %v", r)
					s.finish(ctx, logger, req, dispatch.Failed(req.ID, req.PackageID, msg), handle, metrics.ResultFailure)
				}
			}()
			outcome := s.runner.Run(ctx, req)
			label := metrics.ResultSuccess
			if !outcome.OK() {
				label = metrics.ResultFailure
			}
			s.finish(ctx, logger, req, outcome, handle, label)
		},
		Abandon: func(err error) {
			s.finish(context.Background(), logger, req, dispatch.Failed(req.ID, req.PackageID, ferrors.Describe(err)), handle, metrics.ResultFailure)
		},
	}
	if err := s.queue.Submit(task); err != nil {
		receipt.Accepted = false
		s.finish(ctx, logger, req, dispatch.Failed(req.ID, req.PackageID, ferrors.Describe(err)), handle, metrics.ResultFailure)
		return receipt, err
	}
	logger.Info("Request accepted", slog.Int("files", len(req.Files)))
	return receipt, nil
}

// finish records and delivers the terminal outcome of req.
func (s *Service) finish(ctx context.Context, logger *slog.Logger, req Request, outcome dispatch.Outcome, handle *dispatch.Handle, label metrics.ResultLabel) {
	duration := time.Since(req.Submitted)
	s.recorder.IncOutcome(string(req.Kind), label)
	s.recorder.ObserveRequestDuration(string(req.Kind), duration)

	status := string(outcome.Status)
	if label == metrics.ResultDenied {
		status = eventstore.StatusDenied
	}
	s.record(ctx, logger, func() (eventstore.Event, error) {
		return eventstore.NewRequestCompleted(req.ID, req.PackageID, status, outcome.Message, duration)
	})

	if !outcome.OK() && label != metrics.ResultDenied {
		if err := s.notifier.Notify(ctx, notify.Failure(req.ID, req.PackageID, outcome.Message)); err != nil {
			logger.Warn("Failed to publish notice", logfields.Error(err))
		}
	}

	if err := s.dispatcher.Deliver(outcome, handle); err != nil {
		logger.Error("Outcome not delivered", logfields.Error(err))
	}
}

func (s *Service) record(ctx context.Context, logger *slog.Logger, build func() (eventstore.Event, error)) {
	if s.events == nil {
		return
	}
	e, err := build()
	if err == nil {
		err = eventstore.AppendEvent(ctx, s.events, e)
	}
	if err != nil {
		logger.Warn("Failed to record event", logfields.Error(err))
	}
}
