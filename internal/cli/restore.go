package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/keeply/keeply/internal/config"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/internal/restore"
	"github.com/keeply/keeply/internal/runlog"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/internal/vault"
	"github.com/keeply/keeply/pkg/fs"
)

// RestoreCmd returns the restore command, the CLI entry point for the
// restore engine's two retrieval modes.
func RestoreCmd(cfg config.Config) *Command {
	fset := flag.NewFlagSet("restore", flag.ContinueOnError)
	fset.String("root", "", "Original source root the scan was taken from (required)")
	fset.String("dest", "", "Destination directory holding the vault and metadata store (required)")
	fset.Int64("scan-id", 0, "Scan id to restore from (required)")
	fset.String("password", "", "Passphrase for the vault")
	fset.Bool("password-stdin", false, "Read the passphrase from stdin")
	fset.String("placement", "original", "Where to write restored files: original|structure|flat")
	fset.String("out", "", "Output directory, required for placement structure|flat")
	fset.StringArray("file", nil, "Restore this file path_rel (repeatable); selects the restore-selection mode")
	fset.StringArray("dir", nil, "Restore every path under this prefix (repeatable); selects the restore-selection mode")

	return &Command{
		Flags: fset,
		Usage: "restore --root <dir> --dest <dir> --scan-id <id> [--file <p>]... [--dir <p>]...",
		Short: "Restore files from a scan",
		Long: "With no --file/--dir, restores every NEW/MODIFIED file of --scan-id (restore-changed-from-scan). " +
			"With --file/--dir, restores the named paths and everything under the named prefixes as they existed at --scan-id.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execRestore(ctx, o, cfg, fset)
		},
	}
}

func execRestore(ctx context.Context, o *IO, cfg config.Config, fset *flag.FlagSet) error {
	root, _ := fset.GetString("root")

	dest, _ := fset.GetString("dest")
	if dest == "" {
		dest = cfg.DBURL
	}

	scanID, _ := fset.GetInt64("scan-id")

	if root == "" || dest == "" || scanID == 0 {
		return keeplyerr.New(keeplyerr.KindConfig, "", fmt.Errorf("--root, --dest and --scan-id are required"))
	}

	placementFlag, _ := fset.GetString("placement")

	placement, err := parsePlacement(placementFlag)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindConfig, "", err)
	}

	out, _ := fset.GetString("out")
	if placement != restore.OriginalPath && out == "" {
		return keeplyerr.New(keeplyerr.KindConfig, "", fmt.Errorf("--out is required for placement %q", placementFlag))
	}

	password, _ := fset.GetString("password")
	passwordStdin, _ := fset.GetBool("password-stdin")
	files, _ := fset.GetStringArray("file")
	dirs, _ := fset.GetStringArray("dir")

	passphrase, err := resolvePassword(o, password, passwordStdin)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindConfig, "", err)
	}

	s, err := store.Open(ctx, dest, passphrase, cfg.EncryptOrDefault())
	if err != nil {
		return err
	}

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), dest, s.DB())

	match, err := v.VerifyPassword(ctx, passphrase)
	if err != nil {
		return err
	}

	if !match {
		return keeplyerr.New(keeplyerr.KindBadPassphrase, dest, fmt.Errorf("passphrase does not match this destination's vault"))
	}

	opts := restore.Options{
		Placement:  placement,
		ChosenDir:  out,
		Passphrase: passphrase,
		Logger:     runlog.New(o.errOut),
	}

	var result restore.Result

	if len(files) == 0 && len(dirs) == 0 {
		result, err = restore.RestoreChangedFromScan(ctx, realFS, s.DB(), v, root, scanID, opts)
	} else {
		result, err = restore.RestoreSelectionFromSnapshot(ctx, realFS, s.DB(), v, root, scanID, files, dirs, opts)
	}

	if err != nil {
		return err
	}

	o.Printf("files_restored=%d errors=%d\n", result.FilesRestored, result.Errors)

	if result.Errors > 0 {
		return fmt.Errorf("restore completed with %d error(s)", result.Errors)
	}

	return nil
}

func parsePlacement(s string) (restore.Placement, error) {
	switch s {
	case "original":
		return restore.OriginalPath, nil
	case "structure":
		return restore.DestWithStructure, nil
	case "flat":
		return restore.DestFlat, nil
	default:
		return 0, fmt.Errorf("unknown placement %q: must be original, structure, or flat", s)
	}
}
