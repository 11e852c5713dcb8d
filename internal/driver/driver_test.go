package driver_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeply/keeply/internal/driver"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/internal/vault"
	"github.com/keeply/keeply/pkg/fs"
)

func Test_Run_FirstBackup_IsFullAndVaultsAllFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), []byte("bbbbb"), 0o644))

	dest := t.TempDir()

	ctx := context.Background()
	passphrase := []byte("test-pass")

	s, err := store.Open(ctx, dest, passphrase, true)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), dest, s.DB())

	result, err := driver.Run(ctx, s, v, realFS, nil, driver.Options{
		Root:       root,
		Dest:       dest,
		Passphrase: passphrase,
	})
	require.NoError(t, err)
	require.Equal(t, store.BackupFull, result.BackupType)
	require.EqualValues(t, 2, result.FilesProcessed)
	require.Zero(t, result.Errors)
	require.False(t, result.Canceled)

	history, err := store.ListHistory(ctx, s.DB(), root, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	for _, h := range history {
		require.NotNil(t, h.ContentHash)

		content, err := v.Get(*h.ContentHash, passphrase)
		require.NoError(t, err)
		require.NotEmpty(t, content)
	}

	runs, err := store.ListBackupRuns(ctx, s.DB(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.BackupSuccess, runs[0].Status)
}

func Test_Run_SecondBackup_IsIncrementalAndOnlyVaultsChanges(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644))

	dest := t.TempDir()

	ctx := context.Background()
	passphrase := []byte("test-pass")

	s, err := store.Open(ctx, dest, passphrase, false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), dest, s.DB())

	_, err = driver.Run(ctx, s, v, realFS, nil, driver.Options{Root: root, Dest: dest, Passphrase: passphrase})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("new file"), 0o644))

	result, err := driver.Run(ctx, s, v, realFS, nil, driver.Options{Root: root, Dest: dest, Passphrase: passphrase})
	require.NoError(t, err)
	require.Equal(t, store.BackupIncremental, result.BackupType)
	require.EqualValues(t, 1, result.FilesProcessed)

	runs, err := store.ListBackupRuns(ctx, s.DB(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
