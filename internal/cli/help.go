package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
)

// HelpCmd returns the explicit "help" command, equivalent to running keeply
// with no command or with --help.
func HelpCmd(cfg config.Config, sources config.ConfigSources, workDir string) *Command {
	return &Command{
		Flags: flag.NewFlagSet("help", flag.ContinueOnError),
		Usage: "help",
		Short: "Show this help",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			printUsage(o.out, allCommands(cfg, sources, workDir))

			return nil
		},
	}
}
