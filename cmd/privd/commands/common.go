// Package commands implements the privd command line.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/server"
)

// Global carries state shared by every command.
type Global struct {
	Out io.Writer
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"/etc/privd/privd.yaml" env:"PRIVD_CONFIG"`
	Socket  string           `help:"Daemon socket; defaults to daemon.socket from the configuration" env:"PRIVD_SOCKET"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve     ServeCmd     `cmd:"" help:"Run the daemon"`
	Init      InitCmd      `cmd:"" help:"Write an example configuration file"`
	Whitelist WhitelistCmd `cmd:"" help:"Manage the identities allowed to use privd"`
	Target    TargetCmd    `cmd:"" help:"Show or change the remote target"`
	Access    AccessCmd    `cmd:"" help:"Check whether the calling user holds privileged access"`
	Install   InstallCmd   `cmd:"" help:"Install a package from one or more package files"`
	Delete    DeleteCmd    `cmd:"" help:"Clear and uninstall a package"`
	Events    EventsCmd    `cmd:"" help:"Show recorded requests and install statistics"`
}

// AfterApply runs after flag parsing; setup logging once. Serve replaces the
// logger with the configured one.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// client returns a socket client, taking the socket from the flag or the
// configuration file.
func (c *CLI) client() (*server.Client, error) {
	if c.Socket != "" {
		return server.NewClient(c.Socket), nil
	}
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	return server.NewClient(cfg.Daemon.Socket), nil
}

func out(g *Global) io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}
