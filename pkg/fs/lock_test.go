package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// These tests exercise Locker against the one lock path Keeply actually
// takes: a destination's "<dest>/.keeply/db.lock", held exclusively for the
// lifetime of an open store.Store (see store.Open).

func Test_Locker_LockWithTimeout_Acquires_Unheld_DbLock(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	lock, err := locker.LockWithTimeout(dbLock, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q): %v", dbLock, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_DbLock_Already_Held(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	held, err := locker.LockWithTimeout(dbLock, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q): %v", dbLock, err)
	}
	defer held.Close()

	_, err = locker.LockWithTimeout(dbLock, 50*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(%q) while held: err=%v, want %v", dbLock, err, ErrWouldBlock)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("LockWithTimeout(%q): err=%q, want substring %q", dbLock, err.Error(), "timed out")
	}
}

func Test_Locker_LockWithTimeout_Returns_Error_When_Timeout_Is_Non_Positive(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	_, err := locker.LockWithTimeout(dbLock, 0)
	if !errors.Is(err, ErrInvalidTimeout) {
		t.Fatalf("LockWithTimeout(%q, 0): err=%v, want %v", dbLock, err, ErrInvalidTimeout)
	}
}

func Test_Locker_DbLocks_Do_Not_Interfere_Across_Destinations(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock1 := filepath.Join(t.TempDir(), ".keeply", "db.lock")
	dbLock2 := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	l1, err := locker.LockWithTimeout(dbLock1, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q): %v", dbLock1, err)
	}
	t.Cleanup(func() { _ = l1.Close() })

	l2, err := locker.LockWithTimeout(dbLock2, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q) while holding %q: %v", dbLock2, dbLock1, err)
	}
	if err := l2.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_DbLock_Can_Be_Reacquired_After_Close(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	for i := range 3 {
		l, err := locker.LockWithTimeout(dbLock, time.Second)
		if err != nil {
			t.Fatalf("LockWithTimeout(%q) #%d: %v", dbLock, i, err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("Close() #%d: %v", i, err)
		}
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	dbLock := filepath.Join(t.TempDir(), ".keeply", "db.lock")

	lock, err := locker.LockWithTimeout(dbLock, time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(%q): %v", dbLock, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	if err := lock.Close(); err != nil {
		t.Fatalf("Close() second: %v", err)
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_Flock_WouldBlock(t *testing.T) {
	// Verifies we normalize kernel "would block" errors (EAGAIN/EWOULDBLOCK) to
	// ErrWouldBlock instead of surfacing the raw syscall error.

	tests := []struct {
		name string
		err  error
	}{
		{name: "EWOULDBLOCK", err: syscall.EWOULDBLOCK},
		{name: "EAGAIN", err: syscall.EAGAIN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker := NewLocker(stubLockFS{
				openFile: func(string, int, os.FileMode) (File, error) {
					return &stubLockFile{fd: 123}, nil
				},
			})
			locker.flock = func(int, int) error { return tt.err }

			_, err := locker.LockWithTimeout("db.lock", 20*time.Millisecond)
			if !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("LockWithTimeout(): err=%v, want %v", err, ErrWouldBlock)
			}
		})
	}
}

func Test_Locker_LockWithTimeout_Returns_ErrWouldBlock_When_LockFile_Kept_Being_Replaced(t *testing.T) {
	// Verifies the inode-mismatch retry loop returns ErrWouldBlock on timeout,
	// and includes context so callers can distinguish this from a plain
	// contention timeout.

	openInfo := &syscall.Stat_t{Dev: 1, Ino: 1}
	pathInfo := &syscall.Stat_t{Dev: 1, Ino: 2} // always mismatches

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{
				fd: 123,
				stat: func() (os.FileInfo, error) {
					return stubFileInfo{sys: openInfo}, nil
				},
			}, nil
		},
		stat: func(string) (os.FileInfo, error) {
			return stubFileInfo{sys: pathInfo}, nil
		},
	})
	locker.flock = func(int, int) error { return nil }

	_, err := locker.LockWithTimeout("db.lock", 20*time.Millisecond)
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("LockWithTimeout(): err=%v, want %v", err, ErrWouldBlock)
	}
	if !strings.Contains(err.Error(), "lock file was replaced") {
		t.Fatalf("LockWithTimeout(): err=%q, want substring %q", err.Error(), "lock file was replaced")
	}
}

func Test_Locker_LockWithTimeout_Retries_When_LockFile_Was_Replaced_During_Acquire(t *testing.T) {
	// Verifies LockWithTimeout doesn't fail if the lock file is replaced while
	// acquiring the lock: it retries until it locks the inode currently at
	// path, which matches store.Open reusing a db.lock file across runs.

	open1 := &syscall.Stat_t{Dev: 1, Ino: 1}
	open2 := &syscall.Stat_t{Dev: 1, Ino: 2}
	pathInfo := &syscall.Stat_t{Dev: 1, Ino: 2}

	var openCalls int

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			openCalls++

			switch openCalls {
			case 1:
				return &stubLockFile{
					fd: 123,
					stat: func() (os.FileInfo, error) {
						return stubFileInfo{sys: open1}, nil
					},
				}, nil
			default:
				return &stubLockFile{
					fd: 456,
					stat: func() (os.FileInfo, error) {
						return stubFileInfo{sys: open2}, nil
					},
				}, nil
			}
		},
		stat: func(string) (os.FileInfo, error) {
			return stubFileInfo{sys: pathInfo}, nil
		},
	})
	locker.flock = func(int, int) error { return nil }

	lock, err := locker.LockWithTimeout("db.lock", time.Second)
	if err != nil {
		t.Fatalf("LockWithTimeout(): %v", err)
	}
	t.Cleanup(func() { _ = lock.Close() })

	if openCalls < 2 {
		t.Fatalf("LockWithTimeout(): want at least 2 open attempts, got %d", openCalls)
	}
}

type stubLockFS struct {
	openFile func(path string, flag int, perm os.FileMode) (File, error)
	mkdirAll func(path string, perm os.FileMode) error
	stat     func(path string) (os.FileInfo, error)
}

func (s stubLockFS) Open(string) (File, error)       { panic("stubLockFS.Open: not implemented") }
func (s stubLockFS) Create(string) (File, error)     { panic("stubLockFS.Create: not implemented") }
func (s stubLockFS) ReadFile(string) ([]byte, error) { panic("stubLockFS.ReadFile: not implemented") }
func (s stubLockFS) ReadDir(string) ([]os.DirEntry, error) {
	panic("stubLockFS.ReadDir: not implemented")
}
func (s stubLockFS) Exists(string) (bool, error) { panic("stubLockFS.Exists: not implemented") }
func (s stubLockFS) Remove(string) error         { panic("stubLockFS.Remove: not implemented") }
func (s stubLockFS) RemoveAll(string) error      { panic("stubLockFS.RemoveAll: not implemented") }
func (s stubLockFS) Rename(string, string) error { panic("stubLockFS.Rename: not implemented") }
func (s stubLockFS) WriteFile(string, []byte, os.FileMode) error {
	panic("stubLockFS.WriteFile: not implemented")
}
func (s stubLockFS) MkdirAll(path string, perm os.FileMode) error {
	if s.mkdirAll != nil {
		return s.mkdirAll(path, perm)
	}
	return nil
}
func (s stubLockFS) Stat(path string) (os.FileInfo, error) {
	if s.stat == nil {
		panic("stubLockFS.Stat: not implemented")
	}
	return s.stat(path)
}
func (s stubLockFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if s.openFile == nil {
		panic("stubLockFS.OpenFile: not implemented")
	}
	return s.openFile(path, flag, perm)
}

type stubLockFile struct {
	fd   uintptr
	stat func() (os.FileInfo, error)
}

func (*stubLockFile) Read([]byte) (int, error)  { panic("stubLockFile.Read: not implemented") }
func (*stubLockFile) Write([]byte) (int, error) { panic("stubLockFile.Write: not implemented") }
func (*stubLockFile) Seek(int64, int) (int64, error) {
	panic("stubLockFile.Seek: not implemented")
}
func (*stubLockFile) Sync() error { panic("stubLockFile.Sync: not implemented") }
func (*stubLockFile) Chmod(os.FileMode) error {
	panic("stubLockFile.Chmod: not implemented")
}

func (f *stubLockFile) Close() error { return nil }
func (f *stubLockFile) Fd() uintptr  { return f.fd }
func (f *stubLockFile) Stat() (os.FileInfo, error) {
	if f.stat == nil {
		panic("stubLockFile.Stat: not implemented")
	}
	return f.stat()
}

type stubFileInfo struct{ sys any }

func (stubFileInfo) Name() string       { return "stub" }
func (stubFileInfo) Size() int64        { return 0 }
func (stubFileInfo) Mode() os.FileMode  { return 0 }
func (stubFileInfo) ModTime() time.Time { return time.Time{} }
func (stubFileInfo) IsDir() bool        { return false }
func (fi stubFileInfo) Sys() any        { return fi.sys }

var _ FS = (*stubLockFS)(nil)
var _ File = (*stubLockFile)(nil)
