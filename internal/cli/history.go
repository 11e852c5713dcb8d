package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/internal/store"
)

// HistoryCmd returns the history command: lists past backup runs recorded
// against --dest.
func HistoryCmd(cfg config.Config) *Command {
	fset := flag.NewFlagSet("history", flag.ContinueOnError)
	fset.String("dest", "", "Destination directory holding the metadata store (required)")
	fset.String("password", "", "Passphrase for the metadata store")
	fset.Bool("password-stdin", false, "Read the passphrase from stdin")
	fset.Int("limit", 0, "Maximum runs to show, newest first (0 = all)")

	return &Command{
		Flags: fset,
		Usage: "history --dest <dir> [--limit N]",
		Short: "List recorded backup runs",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execHistory(ctx, o, cfg, fset)
		},
	}
}

func execHistory(ctx context.Context, o *IO, cfg config.Config, fset *flag.FlagSet) error {
	dest, _ := fset.GetString("dest")
	if dest == "" {
		dest = cfg.DBURL
	}

	if dest == "" {
		return keeplyerr.New(keeplyerr.KindConfig, "", fmt.Errorf("--dest is required"))
	}

	password, _ := fset.GetString("password")
	passwordStdin, _ := fset.GetBool("password-stdin")
	limit, _ := fset.GetInt("limit")

	passphrase, err := resolvePassword(o, password, passwordStdin)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindConfig, "", err)
	}

	s, err := store.Open(ctx, dest, passphrase, cfg.EncryptOrDefault())
	if err != nil {
		return err
	}

	defer func() { _ = s.Close(ctx) }()

	runs, err := store.ListBackupRuns(ctx, s.DB(), limit)
	if err != nil {
		return fmt.Errorf("list backup runs: %w", err)
	}

	for _, run := range runs {
		backupType := "-"
		if run.BackupType != nil {
			backupType = string(*run.BackupType)
		}

		o.Printf("id=%d started_at=%s status=%s backup_type=%s files_processed=%d errors=%d root=%s dest=%s\n",
			run.ID, run.StartedAt, run.Status, backupType, run.FilesProcessed, run.Errors, run.RootPath, run.DestPath)
	}

	return nil
}
