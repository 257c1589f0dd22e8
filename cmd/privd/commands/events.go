package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/privd/internal/config"
	"git.home.luguber.info/inful/privd/internal/eventstore"
)

// EventsCmd implements the 'events' command.
type EventsCmd struct {
	Request string `help:"Show the raw events of one request"`
	Stats   bool   `help:"Show per-package install statistics"`
	Limit   int    `help:"Number of completed requests to show" default:"20"`
}

func (e *EventsCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	store, err := eventstore.NewSQLiteStore(cfg.Daemon.StoragePath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	tw := tabwriter.NewWriter(out(g), 0, 4, 2, ' ', 0)
	switch {
	case e.Stats:
		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(tw, "PACKAGE\tINSTALLS\tLAST INSTALL")
		for _, s := range stats {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", s.PackageID, s.Installs, s.LastInstall.Local().Format(time.RFC3339))
		}
	case e.Request != "":
		events, err := store.GetByRequestID(ctx, e.Request)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPAYLOAD")
		for _, ev := range events {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.Timestamp().Local().Format(time.RFC3339), ev.Type(), ev.Payload())
		}
	default:
		projection := eventstore.NewRequestHistoryProjection(store, e.Limit)
		if err := projection.Rebuild(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(tw, "REQUEST\tPACKAGE\tKIND\tSTATUS\tSTARTED\tMESSAGE")
		rows := append(projection.Pending(), projection.GetHistory()...)
		for _, s := range rows {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.RequestID, s.PackageID, s.Kind, s.Status, s.StartedAt.Local().Format(time.RFC3339), s.Message)
		}
	}
	return tw.Flush()
}
