package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"scanbox/internal/errs"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	require.NoError(t, s.Put("page-1", []byte("jpeg bytes")))
	got, err := s.Get("page-1")
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg bytes"), got)
	require.True(t, s.Exists("page-1"))
}

func TestPutOverwrites(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	require.NoError(t, s.Put("k", []byte("v1")))
	require.NoError(t, s.Put("k", []byte("v2")))
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.Get("never-written")
	require.ErrorIs(t, err, errs.ErrBlobMissing)
	require.False(t, s.Exists("never-written"))
}

func TestDeleteIdempotent(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	require.False(t, s.Exists("k"))

	// second delete observes the same absent state with no error
	require.NoError(t, s.Delete("k"))
	require.False(t, s.Exists("k"))

	_, err := s.Get("k")
	require.ErrorIs(t, err, errs.ErrBlobMissing)
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put("a", []byte("x")))
	require.NoError(t, s.Put("b", []byte("y")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotEqual(t, ".tmp", filepath.Ext(e.Name()))
	}
	require.Len(t, entries, 2)
}

func TestInvalidKeys(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	for _, key := range []string{"", "a/b", `a\b`, "..", "."} {
		require.Error(t, s.Put(key, []byte("x")), "key %q", key)
		_, err := s.Get(key)
		require.Error(t, err, "key %q", key)
	}
}
