package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keeply/keeply/pkg/fs"
)

func Test_AtomicWriter_Write_ReplacesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader("new content"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "new content" {
		t.Fatalf("content=%q, want %q", string(got), "new content")
	}
}

func Test_AtomicWriter_Write_LeavesNoTempFilesOnSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")
	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.WriteWithDefaults(path, strings.NewReader("content"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1 (no leftover temp files): %v", len(entries), entries)
	}
}

func Test_AtomicWriter_Write_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	writer := fs.NewAtomicWriter(fs.NewReal())

	err := writer.Write("", strings.NewReader("x"), writer.DefaultOptions())
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}
