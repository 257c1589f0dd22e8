package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/whitelist"
)

// WhitelistCmd groups the whitelist subcommands. They edit the database
// directly; a running daemon picks changes up on its next reload.
type WhitelistCmd struct {
	Add    WhitelistAddCmd    `cmd:"" help:"Allow an identity"`
	Remove WhitelistRemoveCmd `cmd:"" help:"Revoke an identity"`
	List   WhitelistListCmd   `cmd:"" help:"List allowed identities"`
}

type WhitelistAddCmd struct {
	Identities []string `arg:"" help:"User names or executable paths, depending on daemon.identity_mode"`
}

type WhitelistRemoveCmd struct {
	Identities []string `arg:"" help:"Identities to revoke"`
}

type WhitelistListCmd struct{}

func openWhitelist(root *CLI) (*whitelist.Whitelist, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}
	return whitelist.Open(cfg.Daemon.StoragePath())
}

func (c *WhitelistAddCmd) Run(g *Global, root *CLI) error {
	wl, err := openWhitelist(root)
	if err != nil {
		return err
	}
	defer func() { _ = wl.Close() }()

	for _, id := range c.Identities {
		added, err := wl.Add(context.Background(), id)
		if err != nil {
			return err
		}
		if added {
			_, _ = fmt.Fprintf(out(g), "added %s\n", id)
		} else {
			_, _ = fmt.Fprintf(out(g), "%s is already allowed\n", id)
		}
	}
	return nil
}

func (c *WhitelistRemoveCmd) Run(g *Global, root *CLI) error {
	wl, err := openWhitelist(root)
	if err != nil {
		return err
	}
	defer func() { _ = wl.Close() }()

	for _, id := range c.Identities {
		removed, err := wl.Remove(context.Background(), id)
		if err != nil {
			return err
		}
		if removed {
			_, _ = fmt.Fprintf(out(g), "removed %s\n", id)
		} else {
			_, _ = fmt.Fprintf(out(g), "%s was not allowed\n", id)
		}
	}
	return nil
}

func (c *WhitelistListCmd) Run(g *Global, root *CLI) error {
	wl, err := openWhitelist(root)
	if err != nil {
		return err
	}
	defer func() { _ = wl.Close() }()

	tw := tabwriter.NewWriter(out(g), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IDENTITY\tADDED")
	for _, e := range wl.List() {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", e.Identity, e.AddedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}
