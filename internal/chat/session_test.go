package chat

import (
	"context"
	"errors"
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

// stubAgent writes a fake agent CLI that logs its argv and plays back a
// minimal structured-output turn.
func stubAgent(t *testing.T) (command, argsLog string) {
	t.Helper()
	dir := t.TempDir()
	argsLog = filepath.Join(dir, "args.log")
	command = filepath.Join(dir, "agent")

	script := `#!/bin/sh
echo "$@" >> "` + argsLog + `"
printf '{"type":"system","subtype":"init","session_id":"tok-real"}\n'
printf '{"type":"content_block_delta","delta":{"text":"hi "}}\n'
printf '{"type":"result","result":"hi there"}\n'
`
	require.NoError(t, os.WriteFile(command, []byte(script), 0755))
	return command, argsLog
}

func waitForComplete(t *testing.T, m *Manager, agentID string) models.SessionEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == models.EventChatStreamComplete && ev.AgentID == agentID {
				return ev
			}
		case <-deadline:
			t.Fatal("no stream-complete event")
		}
	}
}

func TestManager_TwoTurnConversation(t *testing.T) {
	command, argsLog := stubAgent(t)
	cfg := config.Default()
	cfg.AgentCommand = command

	m := NewManager(cfg, store.NewMemoryStore())
	defer m.Shutdown()

	require.NoError(t, m.SendTurn(context.Background(), TurnRequest{
		AgentID:      "a1",
		Prompt:       "first question",
		SystemPrompt: "be terse",
	}))

	ev := waitForComplete(t, m, "a1")
	assert.Equal(t, "hi there", ev.Text)
	assert.Equal(t, "tok-real", ev.Token, "token from the runtime's init event wins")

	// The streaming flag clears shortly after the completion event.
	require.Eventually(t, func() bool {
		err := m.SendTurn(context.Background(), TurnRequest{AgentID: "a1", Prompt: "second question"})
		return !errors.Is(err, models.ErrConcurrentTurn) && err == nil
	}, 10*time.Second, 50*time.Millisecond)

	waitForComplete(t, m, "a1")

	data, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	assert.Contains(t, lines[0], "--session-id")
	assert.Contains(t, lines[0], "--append-system-prompt be terse")
	assert.NotContains(t, lines[0], "--resume")

	assert.Contains(t, lines[1], "--resume tok-real")
	assert.NotContains(t, lines[1], "--session-id")
	assert.NotContains(t, lines[1], "--append-system-prompt")
}

func TestManager_CancelEmitsNoticeWithoutCompletion(t *testing.T) {
	dir := t.TempDir()
	command := filepath.Join(dir, "agent")
	// An agent that starts streaming and then hangs.
	script := `#!/bin/sh
printf '{"type":"content_block_delta","delta":{"text":"thinking"}}\n'
sleep 60
`
	require.NoError(t, os.WriteFile(command, []byte(script), 0755))

	cfg := config.Default()
	cfg.AgentCommand = command
	m := NewManager(cfg, store.NewMemoryStore())
	defer m.Shutdown()

	require.NoError(t, m.SendTurn(context.Background(), TurnRequest{AgentID: "a1", Prompt: "hi"}))

	// Wait until the first chunk proves the process is up.
	deadline := time.After(10 * time.Second)
	for waiting := true; waiting; {
		select {
		case ev := <-m.Events():
			if ev.Type == models.EventChatStreamChunk {
				waiting = false
			}
		case <-deadline:
			t.Fatal("no stream chunk")
		}
	}

	require.NoError(t, m.Cancel("a1"))

	sawCancel := false
	timeout := time.After(10 * time.Second)
	for !sawCancel {
		select {
		case ev := <-m.Events():
			require.NotEqual(t, models.EventChatStreamComplete, ev.Type, "cancellation must not complete the turn")
			if ev.Type == models.EventChatError && strings.Contains(ev.Err, "canceled") {
				sawCancel = true
			}
		case <-timeout:
			t.Fatal("no cancellation notice")
		}
	}
}

// A canceled turn's reader goroutine lingers while a background child of
// the stub keeps the stdout pipe open past the kill. Its late cleanup must
// not release the guard of the turn that replaced it.
func TestManager_StaleTurnCleanupKeepsSingleInFlightGuard(t *testing.T) {
	dir := t.TempDir()

	// Turn A: a background child inherits stdout and holds the pipe for
	// two seconds after the shell is killed.
	first := filepath.Join(dir, "agent-first")
	require.NoError(t, os.WriteFile(first, []byte(`#!/bin/sh
printf '{"type":"content_block_delta","delta":{"text":"a"}}\n'
sleep 2 &
sleep 60
`), 0755))

	// Turn B: streams one chunk and hangs.
	second := filepath.Join(dir, "agent-second")
	require.NoError(t, os.WriteFile(second, []byte(`#!/bin/sh
printf '{"type":"content_block_delta","delta":{"text":"b"}}\n'
sleep 60
`), 0755))

	cfg := config.Default()
	cfg.AgentCommand = first
	m := NewManager(cfg, store.NewMemoryStore())
	defer m.Shutdown()

	require.NoError(t, m.SendTurn(context.Background(), TurnRequest{AgentID: "a1", Prompt: "one"}))
	waitForChunk(t, m, "a1")
	require.NoError(t, m.Cancel("a1"))

	cfg.AgentCommand = second
	require.NoError(t, m.SendTurn(context.Background(), TurnRequest{AgentID: "a1", Prompt: "two"}))
	waitForChunk(t, m, "a1")

	// Let the first turn's reader goroutine run its cleanup.
	time.Sleep(3 * time.Second)

	err := m.SendTurn(context.Background(), TurnRequest{AgentID: "a1", Prompt: "three"})
	require.Error(t, err, "second turn is still in flight")
	assert.ErrorIs(t, err, models.ErrConcurrentTurn)

	// The live turn is still cancelable: its process handle survived the
	// stale cleanup.
	require.NoError(t, m.Cancel("a1"))
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == models.EventChatError && strings.Contains(ev.Err, "canceled") {
				return
			}
		case <-timeout:
			t.Fatal("no cancellation notice for the live turn")
		}
	}
}

func waitForChunk(t *testing.T, m *Manager, agentID string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == models.EventChatStreamChunk && ev.AgentID == agentID {
				return
			}
		case <-deadline:
			t.Fatal("no stream chunk")
		}
	}
}

func TestManager_PlainOutputAgentRelaysStdout(t *testing.T) {
	dir := t.TempDir()
	argsLog := filepath.Join(dir, "args.log")
	command := filepath.Join(dir, "agent")
	script := `#!/bin/sh
echo "$@" >> "` + argsLog + `"
printf 'plain answer\n'
`
	require.NoError(t, os.WriteFile(command, []byte(script), 0755))

	cfg := config.Default()
	cfg.AgentCommand = command
	cfg.AgentPlainOutput = true
	m := NewManager(cfg, store.NewMemoryStore())
	defer m.Shutdown()

	require.NoError(t, m.SendTurn(context.Background(), TurnRequest{
		AgentID:      "a1",
		Prompt:       "question",
		SystemPrompt: "ignored in plain mode",
	}))

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			require.NotEqual(t, models.EventChatError, ev.Type, ev.Err)
			if ev.Type == models.EventChatResponse {
				assert.Equal(t, "plain answer\n", ev.Text)
				assert.Empty(t, ev.Err)

				data, err := os.ReadFile(argsLog)
				require.NoError(t, err)
				line := strings.TrimSpace(string(data))
				assert.Contains(t, line, "-p question")
				assert.NotContains(t, line, "--output-format")
				assert.NotContains(t, line, "--session-id")
				assert.NotContains(t, line, "--append-system-prompt")
				return
			}
		case <-deadline:
			t.Fatal("no plain-text response event")
		}
	}
}

func TestManager_CancelWithoutTurnIsError(t *testing.T) {
	cfg := config.Default()
	m := NewManager(cfg, store.NewMemoryStore())
	defer m.Shutdown()

	assert.Error(t, m.Cancel("nobody"))
}
