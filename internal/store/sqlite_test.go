package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_LinkageRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	// Missing linkage reads as nil, not an error.
	got, err := s.GetSessionLinkage("a1")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = s.UpsertSessionLinkage("a1", Linkage{Name: "colabvibe-a1", Persistent: true, Status: "running"})
	require.NoError(t, err)

	got, err = s.GetSessionLinkage("a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "colabvibe-a1", got.Name)
	assert.True(t, got.Persistent)
	assert.Equal(t, "running", got.Status)

	// Upsert overwrites in place.
	err = s.UpsertSessionLinkage("a1", Linkage{Name: "colabvibe-a1", Persistent: true, Status: "stopped"})
	require.NoError(t, err)

	got, err = s.GetSessionLinkage("a1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.Status)

	require.NoError(t, s.DeleteSessionLinkage("a1"))
	got, err = s.GetSessionLinkage("a1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_AppendHistory(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.AppendHistory("a1", "hello", HistoryOutput))
	require.NoError(t, s.AppendHistory("a1", "done", HistoryResponse))

	var count int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM session_history WHERE agent_id = ?`, "a1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
