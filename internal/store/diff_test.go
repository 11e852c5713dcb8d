package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/keeply/keeply/internal/store"
)

func upsertAll(t *testing.T, s *store.Store, scanID int64, root string, files []store.ObservedFile) {
	t.Helper()

	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)

	upserter, err := store.PrepareInventoryUpsert(ctx, tx)
	require.NoError(t, err)

	for _, f := range files {
		f.ScanID = scanID
		f.RootPath = root
		require.NoError(t, upserter.Upsert(ctx, tx, f))
	}

	require.NoError(t, upserter.Close())
	require.NoError(t, tx.Commit())
}

func Test_RunDiff_FirstScan_AllFilesNew(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	root := "/src"
	scanID, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)

	upsertAll(t, s, scanID, root, []store.ObservedFile{
		{PathRel: "a.txt", Name: "a.txt", SizeBytes: 3, ModifiedMillis: 1000, CreatedMillis: 1000},
		{PathRel: "sub/b.bin", Name: "b.bin", SizeBytes: 5, ModifiedMillis: 1000, CreatedMillis: 1000},
	})

	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scanID))

	history, err := store.PendingForBackup(ctx, s.DB(), scanID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	for _, h := range history {
		require.Equal(t, store.EventNew, h.StatusEvent)
		require.Nil(t, h.ContentHash)
	}

	scan, err := store.GetScan(ctx, s.DB(), scanID)
	require.NoError(t, err)
	require.Equal(t, store.ScanDone, scan.Status)
	require.NotNil(t, scan.TotalUsage)
	require.Equal(t, int64(8), *scan.TotalUsage)

	isFirst, err := store.IsFirstScan(ctx, s.DB(), root, scanID)
	require.NoError(t, err)
	require.True(t, isFirst)
}

func Test_RunDiff_NoOpRescan_YieldsNoNewHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	root := "/src"
	files := []store.ObservedFile{
		{PathRel: "a.txt", Name: "a.txt", SizeBytes: 3, ModifiedMillis: 1000, CreatedMillis: 1000},
	}

	scan1, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	upsertAll(t, s, scan1, root, files)
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan1))

	scan2, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	upsertAll(t, s, scan2, root, files)
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan2))

	history, err := store.PendingForBackup(ctx, s.DB(), scan2)
	require.NoError(t, err)
	require.Empty(t, history)

	isFirst, err := store.IsFirstScan(ctx, s.DB(), root, scan2)
	require.NoError(t, err)
	require.False(t, isFirst)

	inv, err := store.GetInventory(ctx, s.DB(), root, "a.txt")
	require.NoError(t, err)
	require.Equal(t, store.InventoryStable, inv.Status)
	require.Equal(t, scan2, inv.LastScanID)
}

func Test_RunDiff_ModifyAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	root := "/src"

	scan1, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	upsertAll(t, s, scan1, root, []store.ObservedFile{
		{PathRel: "a.txt", Name: "a.txt", SizeBytes: 3, ModifiedMillis: 1000, CreatedMillis: 1000},
		{PathRel: "sub/b.bin", Name: "b.bin", SizeBytes: 5, ModifiedMillis: 1000, CreatedMillis: 1000},
	})
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan1))

	scan2, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	// Only a.txt observed this time, with a new size/mtime; b.bin is gone.
	upsertAll(t, s, scan2, root, []store.ObservedFile{
		{PathRel: "a.txt", Name: "a.txt", SizeBytes: 6, ModifiedMillis: 2000, CreatedMillis: 1000},
	})
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan2))

	history, err := store.PendingForBackup(ctx, s.DB(), scan2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, store.EventModified, history[0].StatusEvent)
	require.Equal(t, "a.txt", history[0].PathRel)

	all, err := store.ListHistory(ctx, s.DB(), root, 0)
	require.NoError(t, err)

	var deleted *store.HistoryEntry

	for i := range all {
		if all[i].StatusEvent == store.EventDeleted {
			deleted = &all[i]
		}
	}

	require.NotNil(t, deleted)
	require.Equal(t, "sub/b.bin", deleted.PathRel)
	require.Nil(t, deleted.ContentHash)

	inv, err := store.GetInventory(ctx, s.DB(), root, "sub/b.bin")
	require.NoError(t, err)
	require.Nil(t, inv)
}

func Test_RunDiff_MixedChanges_MatchesExpectedEventSetRegardlessOfOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	root := "/src"

	scan1, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	upsertAll(t, s, scan1, root, []store.ObservedFile{
		{PathRel: "keep.txt", Name: "keep.txt", SizeBytes: 1, ModifiedMillis: 1000, CreatedMillis: 1000},
		{PathRel: "change.txt", Name: "change.txt", SizeBytes: 2, ModifiedMillis: 1000, CreatedMillis: 1000},
		{PathRel: "gone.txt", Name: "gone.txt", SizeBytes: 3, ModifiedMillis: 1000, CreatedMillis: 1000},
	})
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan1))

	scan2, err := store.BeginScan(ctx, s.DB(), root)
	require.NoError(t, err)
	upsertAll(t, s, scan2, root, []store.ObservedFile{
		{PathRel: "keep.txt", Name: "keep.txt", SizeBytes: 1, ModifiedMillis: 1000, CreatedMillis: 1000},
		{PathRel: "change.txt", Name: "change.txt", SizeBytes: 9, ModifiedMillis: 2000, CreatedMillis: 1000},
		{PathRel: "new.txt", Name: "new.txt", SizeBytes: 4, ModifiedMillis: 2000, CreatedMillis: 2000},
	})
	require.NoError(t, store.RunDiff(ctx, s.DB(), root, scan2))

	all, err := store.ListHistory(ctx, s.DB(), root, 0)
	require.NoError(t, err)

	var gotThisScan []string

	for _, h := range all {
		if h.ScanID != scan2 {
			continue
		}

		gotThisScan = append(gotThisScan, fmt.Sprintf("%s:%s", h.PathRel, h.StatusEvent))
	}

	want := []string{
		"change.txt:MODIFIED",
		"new.txt:NEW",
		"gone.txt:DELETED",
	}

	// Order is a storage detail, not a diff guarantee, so compare as sets.
	if diff := cmp.Diff(want, gotThisScan, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("diff history events for scan (-want +got):\n%s", diff)
	}
}
