package backend

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colabvibe/colabvibe/internal/buffer"
	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/ports"
	"github.com/colabvibe/colabvibe/internal/store"
)

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0644)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	r := NewRegistry(cfg, store.NewMemoryStore(), buffer.NewManager(cfg.Buffering), ports.NewAllocator(cfg.Ports))
	t.Cleanup(r.Shutdown)
	return r
}

// waitForData drains the registry event stream until a data event for
// agentID contains want, or the deadline passes.
func waitForData(t *testing.T, r *Registry, agentID, want string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if ev.Type == models.EventData && ev.AgentID == agentID &&
				strings.Contains(string(ev.Data), want) {
				return
			}
		case <-deadline:
			t.Fatalf("no data event containing %q for agent %s", want, agentID)
		}
	}
}

func TestRegistry_ProcessSessionLifecycle(t *testing.T) {
	r := testRegistry(t)
	sel := Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess}

	sess, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sess.Status)
	assert.Equal(t, sel.Location, sess.Kind.Location)
	assert.Equal(t, sel.Isolation, sess.Kind.Isolation)

	require.NoError(t, r.Input("a1", []byte("echo hi\n")))
	waitForData(t, r, "a1", "hi")

	assert.True(t, r.Kill("a1"), "first kill terminates the live session")
	assert.False(t, r.Kill("a1"), "second kill is a no-op")

	_, found := r.GetSession("a1")
	assert.False(t, found)
}

func TestRegistry_DoubleSpawnReusesSession(t *testing.T) {
	r := testRegistry(t)
	sel := Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess}

	first, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.NoError(t, err)
	second, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "reuse, not a fresh session")
	assert.Len(t, r.ListAll(), 1)
}

func TestRegistry_UnknownBackendRejected(t *testing.T) {
	r := testRegistry(t)

	_, err := r.Get(Selector{Location: models.LocationRemote, Isolation: models.IsolationProcess})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnknownBackend)

	_, err = r.Get(Selector{Location: "moon", Isolation: models.IsolationTmux})
	assert.ErrorIs(t, err, models.ErrUnknownBackend)
}

func TestRegistry_ChatModeBypassesLocationIsolation(t *testing.T) {
	r := testRegistry(t)

	b, err := r.Get(Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess, Mode: "chat"})
	require.NoError(t, err)
	assert.Equal(t, models.ChatKind, b.Kind())

	again, err := r.Get(Selector{Mode: "chat"})
	require.NoError(t, err)
	assert.Same(t, b, again, "one cached instance per kind")
}

func TestRegistry_UnknownAgentOperations(t *testing.T) {
	r := testRegistry(t)

	assert.ErrorIs(t, r.Input("ghost", []byte("x")), models.ErrSessionNotFound)
	assert.ErrorIs(t, r.Resize("ghost", 80, 24), models.ErrSessionNotFound)
	assert.False(t, r.Kill("ghost"))
	_, found := r.GetSession("ghost")
	assert.False(t, found)
}

func TestRegistry_SpawnFailureIsRecorded(t *testing.T) {
	cfg := config.Default()
	// Point the workspace root at a regular file so workspace creation fails.
	dir := t.TempDir()
	bad := dir + "/not-a-dir"
	require.NoError(t, writeFile(bad))
	cfg.WorkspaceRoot = bad

	r := NewRegistry(cfg, store.NewMemoryStore(), buffer.NewManager(cfg.Buffering), ports.NewAllocator(cfg.Ports))
	t.Cleanup(r.Shutdown)

	sel := Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess}
	sess, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.Error(t, err)

	var provErr *models.ProvisioningError
	assert.ErrorAs(t, err, &provErr)

	// The failed session stays queryable with its error message.
	require.NotNil(t, sess)
	assert.Equal(t, models.StatusError, sess.Status)
	got, found := r.GetSession("a1")
	require.True(t, found)
	assert.Equal(t, models.StatusError, got.Status)
	assert.NotEmpty(t, got.Message)
}

func TestRegistry_Stats(t *testing.T) {
	r := testRegistry(t)
	sel := Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess}

	_, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Sessions["local/process"])
}

func TestRegistry_DataEventsFeedReconnectionBuffer(t *testing.T) {
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	buffers := buffer.NewManager(cfg.Buffering)
	r := NewRegistry(cfg, store.NewMemoryStore(), buffers, ports.NewAllocator(cfg.Ports))
	t.Cleanup(r.Shutdown)

	sel := Selector{Location: models.LocationLocal, Isolation: models.IsolationProcess}
	_, err := r.Spawn(context.Background(), sel, SpawnRequest{AgentID: "a1", TeamID: "t1"})
	require.NoError(t, err)
	require.NoError(t, r.Input("a1", []byte("echo buffered\n")))
	waitForData(t, r, "a1", "buffered")

	history := buffers.History("a1")
	require.NotEmpty(t, history)
	var joined strings.Builder
	for _, frag := range history {
		joined.WriteString(frag.Text)
	}
	assert.Contains(t, joined.String(), "buffered")
}
