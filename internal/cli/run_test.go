package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Run_NoArgsOrHelp_PrintsUsage(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		{"keeply"},
		{"keeply", "--help"},
		{"keeply", "-h"},
	}

	for _, args := range cases {
		var stdout, stderr bytes.Buffer

		exitCode := Run(nil, &stdout, &stderr, args, nil, nil)

		require.Equal(t, 0, exitCode)
		require.Empty(t, stderr.String())
		require.Contains(t, stdout.String(), "keeply - local, incremental")
		require.Contains(t, stdout.String(), "scan")
		require.Contains(t, stdout.String(), "history")
	}
}

func Test_Run_UnknownCommand_ReturnsUsageExitCode(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"keeply", "bogus"}, nil, nil)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
}

func Test_Run_Scan_RequiresRootAndDest(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"keeply", "scan"}, nil, nil)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "--root and --dest are required")
}

func Test_Run_ScanThenHistory_EndToEnd(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	dest := t.TempDir()

	var scanOut, scanErr bytes.Buffer

	exitCode := Run(nil, &scanOut, &scanErr,
		[]string{"keeply", "scan", "--root", root, "--dest", dest, "--password", "secret"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", scanErr.String())
	require.Contains(t, scanOut.String(), "backup_type=FULL")
	require.Contains(t, scanOut.String(), "files_processed=1")

	var histOut, histErr bytes.Buffer

	exitCode = Run(nil, &histOut, &histErr,
		[]string{"keeply", "history", "--dest", dest, "--password", "secret"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", histErr.String())
	require.Contains(t, histOut.String(), "status=SUCCESS")
	require.Contains(t, histOut.String(), "backup_type=FULL")
}

func Test_Run_ScanWrongPassword_FailsWithRuntimeExitCode(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	dest := t.TempDir()

	var out, errOut bytes.Buffer

	exitCode := Run(nil, &out, &errOut,
		[]string{"keeply", "scan", "--root", root, "--dest", dest, "--password", "right"}, nil, nil)
	require.Equal(t, 0, exitCode)

	out.Reset()
	errOut.Reset()

	exitCode = Run(nil, &out, &errOut,
		[]string{"keeply", "scan", "--root", root, "--dest", dest, "--password", "wrong"}, nil, nil)
	require.NotEqual(t, 0, exitCode)
	require.True(t, strings.Contains(errOut.String(), "bad_passphrase") || strings.Contains(errOut.String(), "passphrase"))
}

func Test_Run_ScanThenRestore_EndToEnd(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	dest := t.TempDir()

	var scanOut, scanErr bytes.Buffer

	exitCode := Run(nil, &scanOut, &scanErr,
		[]string{"keeply", "scan", "--root", root, "--dest", dest, "--password", "secret"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", scanErr.String())

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))

	var restoreOut, restoreErr bytes.Buffer

	exitCode = Run(nil, &restoreOut, &restoreErr,
		[]string{"keeply", "restore", "--root", root, "--dest", dest, "--scan-id", "1", "--password", "secret"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", restoreErr.String())
	require.Contains(t, restoreOut.String(), "files_restored=1")

	content, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(content))
}

func Test_Run_PrintConfig_ShowsDefaults(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"keeply", "print-config"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", stderr.String())
	require.Contains(t, stdout.String(), `"vault_dir"`)
}

func Test_Run_PrintConfigWrite_PersistsProjectConfig(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()

	var stdout, stderr bytes.Buffer

	exitCode := Run(nil, &stdout, &stderr, []string{"keeply", "-C", workDir, "print-config", "--write"}, nil, nil)
	require.Equal(t, 0, exitCode, "stderr: %s", stderr.String())
	require.Contains(t, stdout.String(), "wrote "+filepath.Join(workDir, ".keeply.json"))

	written, err := os.ReadFile(filepath.Join(workDir, ".keeply.json"))
	require.NoError(t, err)
	require.Contains(t, string(written), `"vault_dir"`)
}
