package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/daemon"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	ShutdownTimeout time.Duration `help:"Time allowed for the running install to finish on shutdown" default:"30s"`
	NoWatch         bool          `help:"Do not watch the configuration file for target changes"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}

	logger, closer := newLogger(cfg.Logging, root.Verbose)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	watchPath := root.Config
	if s.NoWatch {
		watchPath = ""
	}
	d, err := daemon.New(cfg, daemon.Options{ConfigPath: watchPath, Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Daemon starting, waiting for shutdown signal...")
	return d.Run(ctx, s.ShutdownTimeout)
}
