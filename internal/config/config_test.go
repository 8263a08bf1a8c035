package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "claude", cfg.AgentCommand)
	assert.Equal(t, ":6369", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.ProcessStaleAfter)
	assert.Equal(t, 6*time.Hour, cfg.TmuxStaleAfter)
	assert.Equal(t, 20000, cfg.Ports.RangeStart)
	assert.Equal(t, 29999, cfg.Ports.RangeEnd)
	assert.Equal(t, 1000, cfg.Buffering.Capacity)
	assert.Equal(t, 30, cfg.Readiness.MaxAttempts)
	assert.True(t, cfg.Remote.LocalFallback)
}

func TestLoadOverlaysYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
agent_command: fake-agent
ports:
  range_start: 4000
  range_end: 4002
readiness:
  max_attempts: 5
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "fake-agent", cfg.AgentCommand)
	assert.Equal(t, 4000, cfg.Ports.RangeStart)
	assert.Equal(t, 4002, cfg.Ports.RangeEnd)
	assert.Equal(t, 5, cfg.Readiness.MaxAttempts)

	// Untouched keys keep their defaults.
	assert.Equal(t, "claude", Default().AgentCommand)
	assert.Equal(t, time.Hour, cfg.ProcessStaleAfter)
	assert.Equal(t, 1000, cfg.Buffering.Capacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":6369", cfg.ListenAddr)
}

func TestTeamWorkspace(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceRoot = "/srv/workspaces"
	assert.Equal(t, "/srv/workspaces/t1", cfg.TeamWorkspace("t1"))
}
