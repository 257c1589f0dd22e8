package channel

import (
	"context"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
	"git.home.luguber.info/inful/privd/internal/retry"
)

// Connector acquires ready sessions from a Transport. A missing target and a
// present but not yet ready target are polled against separate budgets.
type Connector struct {
	transport Transport
	noTarget  retry.Policy
	notReady  retry.Policy
	recorder  metrics.Recorder
	logger    *slog.Logger
	newToken  func() string
}

// ConnectorOption customizes a Connector.
type ConnectorOption func(*Connector)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) ConnectorOption {
	return func(c *Connector) { c.recorder = metrics.Or(r) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ConnectorOption {
	return func(c *Connector) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConnector builds a Connector whose budgets come from the handshake config.
// Each budget counts probe attempts, so N attempts allow N-1 retries.
func NewConnector(t Transport, hs config.HandshakeConfig, opts ...ConnectorOption) *Connector {
	base := retry.NewPolicy(hs.Backoff, hs.Interval, hs.MaxInterval, 0)
	c := &Connector{
		transport: t,
		noTarget:  base.WithMaxRetries(hs.NoTargetAttempts - 1),
		notReady:  base.WithMaxRetries(hs.NotReadyAttempts - 1),
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		newToken:  NewSentinel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire polls the transport until it is ready, opens a shell and confirms
// it with an echo round trip. The first probe runs immediately. A probe error
// with fatal severity ends acquisition without retrying.
func (c *Connector) Acquire(ctx context.Context) (*Session, error) {
	noTargetFails, notReadyFails := 0, 0
	logger := c.logger.With(logfields.Transport(c.transport.Name()), logfields.Target(c.transport.Target()))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, c.failed(err, "channel acquisition cancelled", attempt-1)
		}

		result, err := c.transport.Probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.failed(ctx.Err(), "channel acquisition cancelled", attempt)
			}
			if ferrors.HasSeverity(err, ferrors.SeverityFatal) {
				logger.Error("Target rejected", logfields.Attempt(attempt), logfields.Error(err))
				return nil, c.failed(err, "command channel target rejected", attempt)
			}
			logger.Debug("Probe failed", logfields.Attempt(attempt), logfields.Error(err))
			c.recorder.IncProbe("error")
			result = ProbeNoTarget
		} else {
			c.recorder.IncProbe(result.String())
		}

		if result == ProbeReady {
			session, err := c.open(ctx, logger)
			if err == nil {
				c.recorder.IncAcquisition(true)
				logger.Info("Command channel ready", logfields.Attempt(attempt))
				return session, nil
			}
			if ctx.Err() != nil {
				return nil, c.failed(ctx.Err(), "channel acquisition cancelled", attempt)
			}
			logger.Warn("Shell open failed after ready probe", logfields.Attempt(attempt), logfields.Error(err))
			result = ProbeNotReady
		}

		var policy retry.Policy
		var fails int
		switch result {
		case ProbeNoTarget:
			noTargetFails++
			policy, fails = c.noTarget, noTargetFails
		default:
			notReadyFails++
			policy, fails = c.notReady, notReadyFails
		}
		logger.Debug("Target not available", logfields.Probe(result.String()), logfields.Attempt(fails))

		if policy.Exhausted(fails) {
			c.recorder.IncAcquisition(false)
			return nil, ferrors.ChannelError(fmt.Sprintf("command channel unavailable: %s after %d attempts", result, fails)).
				WithContext("probe", result.String()).
				WithContext("attempts", attempt).
				WithContext("target", c.transport.Target()).
				Build()
		}
		if err := policy.Wait(ctx, fails); err != nil {
			return nil, c.failed(err, "channel acquisition cancelled", attempt)
		}
	}
}

func (c *Connector) open(ctx context.Context, logger *slog.Logger) (*Session, error) {
	shell, err := c.transport.OpenShell(ctx)
	if err != nil {
		return nil, err
	}
	session := NewSession(c.transport, shell, logger)
	if err := session.Confirm(ctx, c.newToken()); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func (c *Connector) failed(cause error, message string, attempts int) error {
	c.recorder.IncAcquisition(false)
	return ferrors.WrapError(cause, ferrors.CategoryChannel, message).
		WithContext("attempts", attempts).
		WithContext("target", c.transport.Target()).
		Build()
}
