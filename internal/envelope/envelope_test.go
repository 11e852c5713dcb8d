package envelope_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeply/keeply/internal/envelope"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/pkg/fs"
)

func Test_Seal_Open_RoundTrips(t *testing.T) {
	t.Parallel()

	realFS := fs.NewReal()
	writer := fs.NewAtomicWriter(realFS)
	path := filepath.Join(t.TempDir(), "snapshot.enc")

	err := envelope.Seal(writer, path, []byte("correct horse battery staple"), strings.NewReader("top secret metadata"))
	require.NoError(t, err)

	plaintext, err := envelope.Open(realFS, path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	require.Equal(t, "top secret metadata", string(plaintext))
}

func Test_Open_WrongPassphrase_ReturnsBadPassphrase(t *testing.T) {
	t.Parallel()

	realFS := fs.NewReal()
	writer := fs.NewAtomicWriter(realFS)
	path := filepath.Join(t.TempDir(), "snapshot.enc")

	err := envelope.Seal(writer, path, []byte("right"), strings.NewReader("data"))
	require.NoError(t, err)

	_, err = envelope.Open(realFS, path, []byte("wrong"))
	require.Error(t, err)
	require.True(t, keeplyerr.Is(err, keeplyerr.KindBadPassphrase))
}

func Test_Open_TruncatedHeader_ReturnsBadFormat(t *testing.T) {
	t.Parallel()

	realFS := fs.NewReal()
	path := filepath.Join(t.TempDir(), "short.enc")

	require.NoError(t, realFS.WriteFile(path, []byte("KEEPLY"), 0o644))

	_, err := envelope.Open(realFS, path, []byte("anything"))
	require.Error(t, err)
	require.True(t, keeplyerr.Is(err, keeplyerr.KindBadFormat))
}

func Test_Open_UnsupportedVersion_ReturnsBadFormat(t *testing.T) {
	t.Parallel()

	realFS := fs.NewReal()
	writer := fs.NewAtomicWriter(realFS)
	path := filepath.Join(t.TempDir(), "snapshot.enc")

	require.NoError(t, envelope.Seal(writer, path, []byte("pw"), strings.NewReader("data")))

	raw, err := realFS.ReadFile(path)
	require.NoError(t, err)

	raw[len(envelope.Magic)] = 0x09
	require.NoError(t, realFS.WriteFile(path, raw, 0o644))

	_, err = envelope.Open(realFS, path, []byte("pw"))
	require.Error(t, err)
	require.True(t, keeplyerr.Is(err, keeplyerr.KindBadFormat))
}

func Test_LooksEncrypted_DetectsMagic(t *testing.T) {
	t.Parallel()

	require.True(t, envelope.LooksEncrypted([]byte(envelope.Magic+"\x01restofheader")))
	require.False(t, envelope.LooksEncrypted([]byte("SQLite format 3\x00")))
	require.False(t, envelope.LooksEncrypted([]byte("x")))
}

func Test_LooksPlainSQLite_DetectsMagic(t *testing.T) {
	t.Parallel()

	require.True(t, envelope.LooksPlainSQLite([]byte("SQLite format 3\x00rest")))
	require.False(t, envelope.LooksPlainSQLite([]byte(envelope.Magic)))
}
