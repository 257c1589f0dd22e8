// Package daemon wires the privd components together and runs them.
package daemon

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/privd/internal/access"
	"git.home.luguber.info/inful/privd/internal/channel"
	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/dispatch"
	"git.home.luguber.info/inful/privd/internal/eventstore"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/installer"
	"git.home.luguber.info/inful/privd/internal/logfields"
	"git.home.luguber.info/inful/privd/internal/metrics"
	"git.home.luguber.info/inful/privd/internal/notify"
	"git.home.luguber.info/inful/privd/internal/queue"
	"git.home.luguber.info/inful/privd/internal/server/handlers"
	"git.home.luguber.info/inful/privd/internal/server/httpserver"
	"git.home.luguber.info/inful/privd/internal/storage"
	"git.home.luguber.info/inful/privd/internal/version"
	"git.home.luguber.info/inful/privd/internal/whitelist"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

const (
	registryCapacity        = 1024
	whitelistReloadInterval = 30 * time.Second
	pruneInterval           = time.Hour
)

// Options customizes daemon construction.
type Options struct {
	// ConfigPath enables configuration watching when set.
	ConfigPath string
	// Factory overrides the transport factory selected by target.transport.
	Factory channel.TransportFactory
	Logger  *slog.Logger
}

// Daemon owns every long-lived component.
type Daemon struct {
	mu         sync.RWMutex
	config     *config.Config
	configPath string
	retention  time.Duration
	status     atomic.Value
	startTime  time.Time
	logger     *slog.Logger

	db         *sql.DB
	whitelist  *whitelist.Whitelist
	events     *eventstore.SQLiteStore
	promReg    *prometheus.Registry
	recorder   metrics.Recorder
	notifier   notify.Notifier
	nats       *notify.NATSNotifier
	channels   *channel.Manager
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	service    *installer.Service
	httpServer *httpserver.Server
	scheduler  *Scheduler
	watcher    *ConfigWatcher
}

// New builds a daemon from cfg. Storage is opened and the whitelist seeded
// here; nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, ferrors.ConfigError("configuration is required").Build()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{config: cfg, configPath: opts.ConfigPath, retention: cfg.Daemon.EventRetention, logger: logger}
	d.status.Store(StatusStopped)

	ok := false
	defer func() {
		if !ok {
			d.closeStores()
		}
	}()

	if err := os.MkdirAll(cfg.Daemon.TempDir(), 0o700); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to create data directory").
			WithContext("path", cfg.Daemon.DataDir).Build()
	}

	db, err := storage.Open(cfg.Daemon.StoragePath())
	if err != nil {
		return nil, err
	}
	d.db = db
	if d.whitelist, err = whitelist.New(db); err != nil {
		return nil, err
	}
	if d.events, err = eventstore.NewSQLiteStoreFromDB(db); err != nil {
		return nil, err
	}
	if n, err := d.whitelist.Seed(context.Background(), cfg.Whitelist); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Info("Seeded whitelist from configuration", slog.Int("added", n))
	}

	d.promReg = prometheus.NewRegistry()
	d.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.recorder = metrics.NewPrometheusRecorder(d.promReg)

	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.Notify.NATSURL != "" {
		d.nats, err = notify.NewNATSNotifier(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, d.nats)
	}
	d.notifier = notifiers

	factory := opts.Factory
	if factory == nil {
		factory = channel.NewTransportFactory(cfg.Daemon.TempDir())
	}
	d.channels, err = channel.NewManager(channel.ManagerConfig{
		Target:      cfg.Target,
		Handshake:   cfg.Handshake,
		KeepChannel: cfg.Install.KeepChannelEnabled(),
		Factory:     factory,
		Recorder:    d.recorder,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	d.queue = queue.New(queue.Options{
		Backlog:     cfg.Daemon.QueueSize,
		IdleTimeout: cfg.Daemon.IdleTimeout,
		OnIdle:      func() { d.channels.CloseIdle() },
		Recorder:    d.recorder,
		Logger:      logger,
	})
	d.dispatcher = dispatch.New(dispatch.Options{
		Buffer:   cfg.Daemon.QueueSize + 1,
		Timeout:  cfg.Install.CallbackTimeout,
		Notifier: d.notifier,
		Recorder: d.recorder,
		Logger:   logger,
	})
	d.registry = dispatch.NewRegistry(registryCapacity)

	orchestrator := installer.NewOrchestrator(d.channels, cfg.Install, installer.OrchestratorOptions{
		Stats:    d.events,
		Events:   d.events,
		Recorder: d.recorder,
		Logger:   logger,
	})
	d.service = installer.NewService(installer.ServiceOptions{
		Gate:       access.NewGate(d.whitelist, d.recorder, logger),
		Queue:      d.queue,
		Runner:     orchestrator,
		Dispatcher: d.dispatcher,
		Notifier:   d.notifier,
		Events:     d.events,
		Recorder:   d.recorder,
		Logger:     logger,
	})

	d.httpServer = httpserver.New(httpserver.Options{
		Socket:            cfg.Daemon.Socket,
		MaxConnections:    cfg.Daemon.MaxConnections,
		AdminAddr:         cfg.Daemon.AdminAddr,
		API:               handlers.NewAPIHandlers(d.service, access.NewResolver(cfg.Daemon.IdentityMode), d.registry, cfg.Install.CallbackTimeout, logger),
		Monitoring:        handlers.NewMonitoringHandlers(d),
		PrometheusHandler: metrics.HTTPHandler(d.promReg),
		Logger:            logger,
	})

	if d.scheduler, err = NewScheduler(); err != nil {
		return nil, err
	}
	if err := d.scheduleJobs(); err != nil {
		return nil, err
	}

	if opts.ConfigPath != "" {
		if d.watcher, err = NewConfigWatcher(opts.ConfigPath, d, logger); err != nil {
			return nil, err
		}
	}

	ok = true
	return d, nil
}

func (d *Daemon) scheduleJobs() error {
	if _, err := d.scheduler.ScheduleEvery("whitelist-reload", whitelistReloadInterval, d.reloadWhitelist); err != nil {
		return err
	}
	if d.retention > 0 {
		if _, err := d.scheduler.ScheduleEvery("event-retention", pruneInterval, d.pruneEvents); err != nil {
			return err
		}
	}
	if d.config.Daemon.IdleTimeout > 0 {
		if _, err := d.scheduler.ScheduleEvery("channel-reaper", d.config.Daemon.IdleTimeout, d.reapChannel); err != nil {
			return err
		}
	}
	return nil
}

// Start opens the listeners and background jobs. It returns once the
// daemon is serving.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Status() != StatusStopped {
		return ferrors.DaemonError("daemon is not in stopped state").
			WithContext("status", string(d.Status())).Build()
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	d.logger.Info("Starting privd", slog.String("version", version.Version))

	if err := d.httpServer.Start(ctx); err != nil {
		d.status.Store(StatusError)
		return err
	}
	d.scheduler.Start()
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			d.logger.Error("Failed to start config watcher", logfields.Error(err))
		}
	}

	d.status.Store(StatusRunning)
	target := d.channels.Target()
	d.logger.Info("privd started",
		logfields.Path(d.config.Daemon.Socket),
		logfields.Transport(string(target.Transport)),
		logfields.Target(targetAddress(target)),
		slog.Int("whitelist", d.whitelist.Len()))
	return nil
}

// Run starts the daemon and blocks until ctx ends, then stops it within
// shutdownTimeout.
func (d *Daemon) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := d.Start(ctx); err != nil {
		_ = d.Close()
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Stop shuts components down in reverse order. The running install is
// allowed to finish within ctx; queued ones are abandoned with a failure
// outcome that is still delivered.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	switch d.Status() {
	case StatusStopped, StatusStopping:
		d.mu.Unlock()
		return nil
	}
	d.status.Store(StatusStopping)
	// The watcher may be waiting on mu inside ApplyConfig.
	d.mu.Unlock()
	d.logger.Info("Stopping privd")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("Failed to stop config watcher", logfields.Error(err))
		}
	}
	if err := d.scheduler.Stop(ctx); err != nil {
		d.logger.Warn("Failed to stop scheduler", logfields.Error(err))
	}
	if err := d.httpServer.Stop(ctx); err != nil {
		d.logger.Error("Failed to stop HTTP server", logfields.Error(err))
	}
	if err := d.queue.Stop(ctx); err != nil {
		d.logger.Warn("Work queue did not drain", logfields.Error(err))
	}
	if err := d.dispatcher.Stop(ctx); err != nil {
		d.logger.Warn("Result dispatcher did not drain", logfields.Error(err))
	}
	if err := d.channels.Close(); err != nil {
		d.logger.Warn("Failed to close command channel", logfields.Error(err))
	}
	d.closeStores()

	d.status.Store(StatusStopped)
	d.logger.Info("privd stopped", slog.Duration("uptime", time.Since(d.startTime)))
	return nil
}

// Close releases resources of a daemon that was never started.
func (d *Daemon) Close() error {
	if d.scheduler != nil {
		_ = d.scheduler.Stop(context.Background())
	}
	if d.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.dispatcher.Stop(ctx)
	}
	if d.channels != nil {
		_ = d.channels.Close()
	}
	d.closeStores()
	return nil
}

func (d *Daemon) closeStores() {
	if d.nats != nil {
		_ = d.nats.Close()
		d.nats = nil
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("Failed to close database", logfields.Error(err))
		}
		d.db = nil
	}
}

// ApplyConfig applies a configuration reloaded from disk. Only the target
// and whitelist seeds take effect at runtime; other changes need a restart.
func (d *Daemon) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.config
	if cfg.Target != old.Target {
		if err := d.channels.Reconfigure(cfg.Target); err != nil {
			return err
		}
	}
	if n, err := d.whitelist.Seed(ctx, cfg.Whitelist); err != nil {
		return err
	} else if n > 0 {
		d.logger.Info("Seeded whitelist from configuration", slog.Int("added", n))
	}
	if restartRequired(old, cfg) {
		d.logger.Warn("Daemon, install and handshake changes take effect after restart")
	}

	// Keep the settings that were not applied so the next diff stays accurate.
	applied := *old
	applied.Target = cfg.Target
	applied.Whitelist = cfg.Whitelist
	d.config = &applied
	d.logger.Info("Configuration reloaded", logfields.Target(targetAddress(cfg.Target)))
	return nil
}

func restartRequired(old, cfg *config.Config) bool {
	oi, ni := old.Install, cfg.Install
	oi.KeepChannel, ni.KeepChannel = nil, nil
	return cfg.Daemon != old.Daemon ||
		cfg.Handshake != old.Handshake ||
		cfg.Notify != old.Notify ||
		oi != ni ||
		old.Install.KeepChannelEnabled() != cfg.Install.KeepChannelEnabled()
}

func (d *Daemon) reloadWhitelist() {
	if err := d.whitelist.Reload(context.Background()); err != nil {
		d.logger.Warn("Failed to reload whitelist", logfields.Error(err))
	}
}

func (d *Daemon) pruneEvents() {
	cutoff := time.Now().Add(-d.retention)
	n, err := d.events.Prune(context.Background(), cutoff)
	if err != nil {
		d.logger.Warn("Failed to prune events", logfields.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("Pruned old events", slog.Int64("removed", n))
	}
}

// reapChannel closes a session left open while no worker is running. A
// session handed to a task started since the check is left alone.
func (d *Daemon) reapChannel() {
	if d.queue.Running() {
		return
	}
	if d.channels.CloseIdle() {
		d.logger.Debug("Reaped idle command channel")
	}
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	status, ok := d.status.Load().(Status)
	if !ok {
		return StatusError
	}
	return status
}

// AdminAddr returns the bound admin address, if any.
func (d *Daemon) AdminAddr() string { return d.httpServer.AdminAddr() }

// StartTime implements handlers.DaemonInterface.
func (d *Daemon) StartTime() time.Time { return d.startTime }

// ChannelReady implements handlers.DaemonInterface.
func (d *Daemon) ChannelReady() bool { return d.channels.Ready() }

// QueueLength implements handlers.DaemonInterface.
func (d *Daemon) QueueLength() int { return d.queue.Len() }

// TargetAddress implements handlers.DaemonInterface.
func (d *Daemon) TargetAddress() string { return targetAddress(d.channels.Target()) }

func targetAddress(t config.TargetConfig) string {
	if t.Serial != "" {
		return t.Serial
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
