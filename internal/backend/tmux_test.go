package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/store"
)

// Persisted linkage records reference tmux sessions by this exact name;
// the mapping must never change.
func TestTmuxSessionName(t *testing.T) {
	assert.Equal(t, "colabvibe-", SessionPrefix)
	assert.Equal(t, "colabvibe-a1", TmuxSessionName("a1"))
	assert.Equal(t, "colabvibe-550e8400-e29b", TmuxSessionName("550e8400-e29b"))
}

// stubTmux puts a scripted tmux binary on PATH that logs every invocation.
// hasSessionExit controls the has-session answer: 0 reports the session
// alive, non-zero reports it missing.
func stubTmux(t *testing.T, hasSessionExit int) (logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "tmux.log")
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %s
case "$1" in
  has-session) exit %d ;;
  attach-session) exec cat ;;
esac
exit 0
`, logPath, hasSessionExit)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmux"), []byte(script), 0755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logPath
}

func testTmuxBackend(t *testing.T) (*TmuxBackend, *store.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.AgentCommand = "echo ready"
	st := store.NewMemoryStore()
	b := NewTmuxBackend(cfg, st)
	t.Cleanup(b.Shutdown)
	return b, st
}

func TestTmuxBackend_ReconnectSkipsProvisioning(t *testing.T) {
	logPath := stubTmux(t, 0)
	b, st := testTmuxBackend(t)

	sess, err := b.Spawn(context.Background(), SpawnRequest{AgentID: "a1", TeamID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sess.Status)
	assert.Equal(t, "true", sess.Metadata["reconnected"])
	assert.Equal(t, "colabvibe-a1", sess.Metadata["tmux_session"])

	// The attach-session stub runs in a process spawned asynchronously on a
	// pty, so give it a moment to log its invocation before asserting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if log, err := os.ReadFile(logPath); err == nil &&
			strings.Contains(string(log), "attach-session") {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	log, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "has-session -t colabvibe-a1")
	assert.Contains(t, string(log), "attach-session -t colabvibe-a1")
	assert.NotContains(t, string(log), "new-session", "surviving session must not be recreated")
	assert.NotContains(t, string(log), "send-keys", "startup commands belong to the fresh-session path only")

	linkage, err := st.GetSessionLinkage("a1")
	require.NoError(t, err)
	require.NotNil(t, linkage)
	assert.Equal(t, "colabvibe-a1", linkage.Name)
	assert.True(t, linkage.Persistent)
}

func TestTmuxBackend_FreshSpawnProvisionsSession(t *testing.T) {
	logPath := stubTmux(t, 1)
	b, st := testTmuxBackend(t)

	sess, err := b.Spawn(context.Background(), SpawnRequest{
		AgentID: "a1",
		TeamID:  "t1",
		UserID:  "u1",
		Env:     []string{"FOO=bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sess.Status)
	assert.Empty(t, sess.Metadata["reconnected"])

	log, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "new-session -d -s colabvibe-a1")
	assert.Contains(t, string(log), "send-keys -t colabvibe-a1 export FOO=bar Enter")
	assert.Contains(t, string(log), "send-keys -t colabvibe-a1 echo ready Enter")

	assert.True(t, b.Kill("a1"))
	linkage, err := st.GetSessionLinkage("a1")
	require.NoError(t, err)
	assert.Nil(t, linkage, "kill clears the persisted linkage")
}
