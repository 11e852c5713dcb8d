package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
	"github.com/keeply/keeply/internal/driver"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/internal/runlog"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/internal/vault"
	"github.com/keeply/keeply/pkg/fs"
)

// ScanCmd returns the scan command: the CLI entry point for one backup run.
func ScanCmd(cfg config.Config) *Command {
	fset := flag.NewFlagSet("scan", flag.ContinueOnError)
	fset.String("root", "", "Source directory to back up (required)")
	fset.String("dest", "", "Destination directory for the vault and metadata store (required)")
	fset.String("password", "", "Passphrase for the metadata store and vault")
	fset.Bool("password-stdin", false, "Read the passphrase from stdin")
	fset.StringArray("exclude", nil, "Glob pattern to exclude (repeatable)")
	fset.Int("workers", cfg.WorkerCount, "Number of concurrent hash/vault workers")

	return &Command{
		Flags: fset,
		Usage: "scan --root <dir> --dest <dir> [--password <pw>]",
		Short: "Run a backup scan of --root into --dest",
		Long:  "Walk --root, diff it against the previous scan, and vault every changed file's content under --dest.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execScan(ctx, o, cfg, fset)
		},
	}
}

func execScan(ctx context.Context, o *IO, cfg config.Config, fset *flag.FlagSet) error {
	root, _ := fset.GetString("root")

	dest, _ := fset.GetString("dest")
	if dest == "" {
		dest = cfg.DBURL
	}

	if root == "" || dest == "" {
		return keeplyerr.New(keeplyerr.KindConfig, "", fmt.Errorf("--root and --dest are required"))
	}

	password, _ := fset.GetString("password")
	passwordStdin, _ := fset.GetBool("password-stdin")
	excludes, _ := fset.GetStringArray("exclude")
	workers, _ := fset.GetInt("workers")

	passphrase, err := resolvePassword(o, password, passwordStdin)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindConfig, "", err)
	}

	encrypt := cfg.EncryptOrDefault()

	s, err := store.Open(ctx, dest, passphrase, encrypt)
	if err != nil {
		return err
	}

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), dest, s.DB())

	// EnsureVerifier is a no-op once a destination already has a verifier
	// blob, so this both initializes a fresh vault and checks an existing
	// one's passphrase without a separate first-run branch.
	if err := v.EnsureVerifier(ctx, passphrase); err != nil {
		return err
	}

	match, err := v.VerifyPassword(ctx, passphrase)
	if err != nil {
		return err
	}

	if !match {
		return keeplyerr.New(keeplyerr.KindBadPassphrase, dest, fmt.Errorf("passphrase does not match this destination's vault"))
	}

	logger := runlog.New(o.errOut)

	result, err := driver.Run(ctx, s, v, realFS, nil, driver.Options{
		Root:            root,
		Dest:            dest,
		ExcludePatterns: excludes,
		Passphrase:      passphrase,
		WorkerCount:     workers,
		QueueCapacity:   cfg.QueueCapacity,
		BatchSize:       cfg.BatchSize,
		MaxLatency:      cfg.BatchInterval(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	o.Printf("scan_id=%d backup_type=%s files_processed=%d errors=%d\n",
		result.ScanID, result.BackupType, result.FilesProcessed, result.Errors)

	if result.Canceled {
		return keeplyerr.New(keeplyerr.KindCanceled, "", fmt.Errorf("backup canceled"))
	}

	if result.Errors > 0 {
		return fmt.Errorf("backup completed with %d error(s)", result.Errors)
	}

	return nil
}
