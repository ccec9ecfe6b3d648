package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLite_ApplyAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)

	batch := []Record{
		{Keyspace: KeyspaceDocuments, Key: "d1", Value: []byte(`{"name":"taxes"}`)},
		{Keyspace: KeyspaceMutations, Key: "1", Value: []byte(`{"op":"create"}`)},
		{Keyspace: KeyspaceMeta, Key: "seq", Value: []byte("1")},
	}
	require.NoError(t, s.Apply(ctx, batch))
	require.NoError(t, s.Close())

	// reopen simulates a restart
	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	st, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"name":"taxes"}`), st.Documents["d1"])
	require.Equal(t, []byte(`{"op":"create"}`), st.Mutations["1"])
	require.Equal(t, []byte("1"), st.Meta["seq"])
	require.Empty(t, st.Folders)
}

func TestSQLite_UpsertAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Apply(ctx, []Record{
		{Keyspace: KeyspaceDocuments, Key: "d1", Value: []byte("v1")},
	}))
	require.NoError(t, s.Apply(ctx, []Record{
		{Keyspace: KeyspaceDocuments, Key: "d1", Value: []byte("v2")},
		{Keyspace: KeyspaceDocuments, Key: "d2", Value: []byte("x")},
	}))
	require.NoError(t, s.Apply(ctx, []Record{
		{Keyspace: KeyspaceDocuments, Key: "d2"}, // nil value deletes
	}))

	st, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), st.Documents["d1"])
	require.NotContains(t, st.Documents, "d2")
}

func TestSQLite_EmptyBatchIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Apply(context.Background(), nil))
}

func TestMemory_SurvivesClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Apply(ctx, []Record{
		{Keyspace: KeyspaceFolders, Key: "f1", Value: []byte("v")},
	}))
	require.NoError(t, m.Close())

	st, err := m.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), st.Folders["f1"])
	require.Equal(t, 1, m.Applies())
}
