package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/server"
	"git.home.luguber.info/inful/privd/internal/server/responses"
)

// AccessCmd implements the 'access' command.
type AccessCmd struct{}

func (a *AccessCmd) Run(g *Global, root *CLI) error {
	client, err := root.client()
	if err != nil {
		return err
	}
	resp, err := client.Access(context.Background())
	if err != nil {
		return err
	}
	if !resp.Allowed {
		return ferrors.AccessDenied(resp.Identity).Build()
	}
	_, _ = fmt.Fprintf(out(g), "%s has privileged access\n", resp.Identity)
	return nil
}

// SubmitFlags are shared by install and delete.
type SubmitFlags struct {
	Callback string        `help:"URL receiving the outcome as a JSON POST"`
	NoWait   bool          `help:"Return after submission without waiting for the outcome"`
	Timeout  time.Duration `help:"How long to wait for the outcome" default:"10m"`
}

// InstallCmd implements the 'install' command.
type InstallCmd struct {
	Package string   `arg:"" help:"Package id"`
	Files   []string `arg:"" type:"existingfile" help:"Package files; more than one makes a split install"`
	SubmitFlags `embed:""`
}

func (c *InstallCmd) Run(g *Global, root *CLI) error {
	client, err := root.client()
	if err != nil {
		return err
	}
	files := make([]string, len(c.Files))
	for i, f := range c.Files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryValidation, "invalid file path").Build()
		}
		files[i] = abs
	}

	var receipt responses.SubmitResponse
	if len(files) == 1 {
		receipt, err = client.Install(context.Background(), c.Package, files[0], c.Callback)
	} else {
		receipt, err = client.InstallSplit(context.Background(), c.Package, files, c.Callback)
	}
	if err != nil {
		return err
	}
	return c.follow(g, client, receipt)
}

// DeleteCmd implements the 'delete' command.
type DeleteCmd struct {
	Package string `arg:"" help:"Package id"`
	SubmitFlags `embed:""`
}

func (c *DeleteCmd) Run(g *Global, root *CLI) error {
	client, err := root.client()
	if err != nil {
		return err
	}
	receipt, err := client.Delete(context.Background(), c.Package, c.Callback)
	if err != nil {
		return err
	}
	return c.follow(g, client, receipt)
}

// follow prints the receipt and, unless disabled, waits for the outcome.
// A denied request is always followed so its notice is shown.
func (f SubmitFlags) follow(g *Global, client *server.Client, receipt responses.SubmitResponse) error {
	w := out(g)
	if receipt.Accepted {
		_, _ = fmt.Fprintf(w, "request %s accepted\n", receipt.RequestID)
		if f.NoWait {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()
	status, err := client.Wait(ctx, receipt.RequestID, 500*time.Millisecond)
	if err != nil {
		return err
	}
	if status.Status == "success" {
		_, _ = fmt.Fprintf(w, "%s: %s\n", status.PackageID, status.Message)
		return nil
	}
	if !receipt.Accepted {
		return ferrors.NewError(ferrors.CategoryAccess, status.Message).Build()
	}
	return ferrors.NewError(ferrors.CategoryProtocol, status.Message).
		WithContext("request_id", receipt.RequestID).Build()
}
