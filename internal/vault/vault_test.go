package vault_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/internal/vault"
	"github.com/keeply/keeply/pkg/fs"
)

func Test_Put_Get_RoundTrips(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	destDir := t.TempDir()
	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), destDir, s.DB())

	hash, err := v.Put(bytes.NewReader([]byte("hello keeply")), []byte("correct horse"))
	require.NoError(t, err)
	require.Len(t, hash, 64)

	out, err := v.Get(hash, []byte("correct horse"))
	require.NoError(t, err)
	require.Equal(t, "hello keeply", string(out))
}

func Test_Put_DuplicateContent_DoesNotError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), t.TempDir(), s.DB())

	h1, err := v.Put(bytes.NewReader([]byte("same bytes")), []byte("pw"))
	require.NoError(t, err)

	h2, err := v.Put(bytes.NewReader([]byte("same bytes")), []byte("pw"))
	require.NoError(t, err)

	require.Equal(t, h1, h2)

	has, err := v.Has(h1)
	require.NoError(t, err)
	require.True(t, has)
}

func Test_Get_WrongPassphrase_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), t.TempDir(), s.DB())

	hash, err := v.Put(bytes.NewReader([]byte("secret content")), []byte("right"))
	require.NoError(t, err)

	_, err = v.Get(hash, []byte("wrong"))
	require.Error(t, err)
}

func Test_EnsureVerifier_VerifyPassword_Roundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), t.TempDir(), s.DB())

	require.NoError(t, v.EnsureVerifier(ctx, []byte("the-password")))

	ok, err := v.VerifyPassword(ctx, []byte("the-password"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.VerifyPassword(ctx, []byte("not-the-password"))
	require.NoError(t, err)
	require.False(t, ok)

	stored, found, err := store.GetSetting(ctx, s.DB(), store.SettingPasswordVerifier)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, stored, 64)
}

func Test_EnsureVerifier_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := store.Open(ctx, t.TempDir(), []byte("pw"), false)
	require.NoError(t, err)

	defer func() { _ = s.Close(ctx) }()

	realFS := fs.NewReal()
	v := vault.New(realFS, fs.NewAtomicWriter(realFS), t.TempDir(), s.DB())

	require.NoError(t, v.EnsureVerifier(ctx, []byte("pw1")))
	require.NoError(t, v.EnsureVerifier(ctx, []byte("pw2")))

	// The verifier was sealed with pw1 and never overwritten; pw2 must not
	// decrypt it.
	ok, err := v.VerifyPassword(ctx, []byte("pw1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.VerifyPassword(ctx, []byte("pw2"))
	require.NoError(t, err)
	require.False(t, ok)
}
