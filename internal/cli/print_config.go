package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg config.Config, sources config.ConfigSources, workDir string) *Command {
	fset := flag.NewFlagSet("print-config", flag.ContinueOnError)
	fset.Bool("write", false, "Persist the resolved configuration to the project config file")

	return &Command{
		Flags: fset,
		Usage: "print-config [--write]",
		Short: "Show resolved configuration",
		Long: "Display the effective configuration and which files it was loaded from. " +
			"With --write, also saves it to the project config file so future runs start from these values.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execPrintConfig(o, cfg, sources, workDir, fset)
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config, sources config.ConfigSources, workDir string, fset *flag.FlagSet) error {
	formatted, err := config.FormatConfig(cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)
	o.Println()
	o.Println("# sources")

	if sources.Global == "" && sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if sources.Global != "" {
			o.Println("global_config=" + sources.Global)
		}

		if sources.Project != "" {
			o.Println("project_config=" + sources.Project)
		}
	}

	write, _ := fset.GetBool("write")
	if !write {
		return nil
	}

	path, err := config.WriteProjectConfig(workDir, cfg)
	if err != nil {
		return err
	}

	o.Println()
	o.Println("wrote " + path)

	return nil
}
