// Package cli implements Keeply's command dispatch: global flag parsing,
// config loading, command lookup, and signal-aware graceful shutdown.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
)

// Run is the main entry point. Returns the process exit code.
// sigCh may be nil if signal handling is not needed (e.g. in tests).
func Run(_ io.Reader, out, errOut io.Writer, args []string, env []string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("keeply", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagVaultDir := globalFlags.String("vault-dir", "", "Override the default vault directory")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 2
	}

	workDir, err := os.Getwd()
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if *flagCwd != "" {
		workDir = *flagCwd
	}

	overridden := map[string]bool{}
	if globalFlags.Changed("vault-dir") {
		overridden["vault_dir"] = true
	}

	cfg, sources, err := config.LoadConfig(workDir, *flagConfig, config.Config{VaultDir: *flagVaultDir}, overridden, env)
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 2
	}

	commands := allCommands(cfg, sources, workDir)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, commands)

		return 0
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 2
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 2
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	select {
	case exitCode := <-done:
		return exitCode
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		fprintln(errOut, "graceful shutdown ok (130)")

		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130
	}
}

// allCommands returns all commands in display order.
func allCommands(cfg config.Config, sources config.ConfigSources, workDir string) []*Command {
	return []*Command{
		ScanCmd(cfg),
		HistoryCmd(cfg),
		RestoreCmd(cfg),
		PrintConfigCmd(cfg, sources, workDir),
		HelpCmd(cfg, sources, workDir),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  --vault-dir <dir>      Override the default vault directory`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: keeply [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'keeply --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "keeply - local, incremental, content-addressed file backup")
	fprintln(w)
	fprintln(w, "Usage: keeply [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
