// Command privd runs the privileged package-install daemon and talks to it.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/privd/cmd/privd/commands"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
	"git.home.luguber.info/inful/privd/internal/version"
)

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("privd"),
		kong.Description("Privileged package-install daemon"),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)

	if err := parser.Run(&commands.Global{Out: os.Stdout}, cli); err != nil {
		ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
	}
}
