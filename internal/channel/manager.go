package channel

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
)

// TransportFactory builds a transport for a target.
type TransportFactory func(config.TargetConfig) (Transport, error)

// Manager owns at most one live session and the transport it runs on.
type Manager struct {
	factory   TransportFactory
	handshake config.HandshakeConfig
	keep      bool
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu         sync.Mutex
	target     config.TargetConfig
	transport  Transport
	session    *Session
	leases     int
	cancel     context.CancelFunc
	generation uint64
	closed     bool
}

// ManagerConfig groups Manager settings.
type ManagerConfig struct {
	Target      config.TargetConfig
	Handshake   config.HandshakeConfig
	KeepChannel bool
	Factory     TransportFactory
	Recorder    metrics.Recorder
	Logger      *slog.Logger
}

// NewManager builds the transport for cfg.Target. No connection is made until Get.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	factory := cfg.Factory
	if factory == nil {
		return nil, ferrors.InternalError("channel manager requires a transport factory").Build()
	}
	t, err := factory(cfg.Target)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:   factory,
		handshake: cfg.Handshake,
		keep:      cfg.KeepChannel,
		recorder:  metrics.Or(cfg.Recorder),
		logger:    logger,
		target:    cfg.Target,
		transport: t,
	}, nil
}

// Get returns the current ready session, or acquires a new one. reused
// reports whether an existing session was handed out. Every session handed
// out must be returned with Release.
func (m *Manager) Get(ctx context.Context) (session *Session, reused bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrChannelClosed
	}
	if m.session != nil {
		if m.session.State() == StateReady {
			s := m.session
			m.leases++
			m.mu.Unlock()
			return s, true, nil
		}
		m.drop()
	}

	actx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	gen := m.generation
	connector := NewConnector(m.transport, m.handshake, WithRecorder(m.recorder), WithLogger(m.logger))
	m.mu.Unlock()

	s, err := connector.Acquire(actx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel = nil
	if gen != m.generation || m.closed {
		if s != nil {
			_ = s.Close()
		}
		return nil, false, ferrors.ChannelError("target changed during channel acquisition").Build()
	}
	if err != nil {
		return nil, false, err
	}
	m.session = s
	m.leases = 1
	m.recorder.SetChannelReady(true)
	return s, false, nil
}

// Release hands a session back after a request. Sessions that are no longer
// ready, or every session when keep_channel is off, are closed.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != s {
		_ = s.Close()
		return
	}
	if m.leases > 0 {
		m.leases--
	}
	switch {
	case s.State() != StateReady:
		m.drop()
	case !m.keep && m.leases == 0:
		m.drop()
	}
}

// CloseIdle closes the held session, keeping the transport. A session that
// is handed out and not yet released stays open; the result reports whether
// a session was closed.
func (m *Manager) CloseIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.leases > 0 {
		return false
	}
	m.drop()
	m.logger.Debug("Idle command channel closed")
	return true
}

// drop closes and forgets the held session. Callers hold m.mu.
func (m *Manager) drop() {
	_ = m.session.Close()
	m.session = nil
	m.leases = 0
	m.recorder.SetChannelReady(false)
}

// Ready reports whether a ready session is held.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.State() == StateReady
}

// Target returns the current target configuration.
func (m *Manager) Target() config.TargetConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Reconfigure switches to a new target. The held session is closed and an
// acquisition in progress is cancelled and fails.
func (m *Manager) Reconfigure(target config.TargetConfig) error {
	t, err := m.factory(target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = t.Close()
		return ErrChannelClosed
	}

	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.session != nil {
		m.drop()
	}
	old := m.transport
	m.transport = t
	m.target = target
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("Failed to close previous transport", logfields.Error(err))
		}
	}
	m.logger.Info("Command channel target reconfigured",
		logfields.Transport(t.Name()), logfields.Target(t.Target()))
	return nil
}

// Close closes the session and transport. Further Gets fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.session != nil {
		m.drop()
	}
	m.recorder.SetChannelReady(false)
	return m.transport.Close()
}
