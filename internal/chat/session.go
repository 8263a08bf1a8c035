package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
	"github.com/colabvibe/colabvibe/internal/store"
)

// Session is one multi-turn conversation with the agent CLI. Each turn is a
// separate process invocation; the correlation token stitches them into one
// conversation on the agent side.
type Session struct {
	AgentID   string
	CreatedAt time.Time

	mu        sync.Mutex
	token     string
	confirmed bool
	started   bool
	streaming bool
	cmd       *exec.Cmd
}

// TurnRequest describes one chat turn.
type TurnRequest struct {
	AgentID      string
	Prompt       string
	Token        string // optional caller-supplied correlation token
	SystemPrompt string // only honored on the first turn
	WorkDir      string
}

// Manager owns all chat sessions and the single event channel they publish
// on.
type Manager struct {
	cfg   *config.Config
	store store.Store

	mu       sync.RWMutex
	sessions map[string]*Session

	events chan models.SessionEvent
}

// NewManager builds the chat session manager.
func NewManager(cfg *config.Config, st store.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		sessions: make(map[string]*Session),
		events:   make(chan models.SessionEvent, 256),
	}
}

// Events is the manager's single outbound event channel.
func (m *Manager) Events() <-chan models.SessionEvent { return m.events }

// Get returns the chat session for an agent, if any.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// List returns every live chat session's agent id.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// SendTurn starts one conversation turn. Exactly one turn may be in flight
// per session; a second send is rejected with models.ErrConcurrentTurn, not
// queued. The call returns once the child process is started; decoded events
// arrive on the manager's event channel.
func (m *Manager) SendTurn(ctx context.Context, req TurnRequest) error {
	s := m.getOrCreate(req.AgentID)

	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return fmt.Errorf("agent %s: %w", req.AgentID, models.ErrConcurrentTurn)
	}

	resume := s.started
	if s.token == "" {
		if req.Token != "" {
			s.token = req.Token
		} else {
			s.token = uuid.NewString()
		}
	}
	token := s.token
	s.streaming = true
	s.mu.Unlock()

	argv := m.turnArgv(req, token, resume)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.TurnTimeout)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.clearStreaming(s)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		m.clearStreaming(s)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		m.clearStreaming(s)
		return &models.ProvisioningError{Resource: "agent process", Err: err}
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	dec := NewDecoder(req.AgentID, token, !m.cfg.AgentPlainOutput, m.publish)

	start := models.NewEvent(models.EventChatStreamStart, req.AgentID)
	start.Token = token
	m.publish(start)

	recovery.SafeGoWithCleanup(fmt.Sprintf("chat-turn-%s", req.AgentID), func() {
		defer cancel()

		stderrCh := make(chan string, 1)
		go func() {
			data, _ := io.ReadAll(stderr)
			stderrCh <- string(data)
		}()

		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				dec.Write(buf[:n])
			}
			if readErr != nil {
				break
			}
		}

		diag := <-stderrCh
		if waitErr := cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				procErr := &models.ProcessExitError{
					ExitCode: exitErr.ExitCode(),
					Stderr:   strings.TrimSpace(diag),
				}
				logger.Warnf("agent %s: %v", req.AgentID, procErr)
			} else {
				logger.Warnf("agent %s: turn process exited: %v", req.AgentID, waitErr)
			}
		}

		dec.Finalize(diag)

		// A canceled turn's goroutine can outlive the turn that replaced
		// it; only the goroutine still owning s.cmd may clear the
		// streaming state, otherwise it would release the newer turn's
		// single-in-flight guard.
		s.mu.Lock()
		if s.cmd == cmd {
			s.streaming = false
			s.cmd = nil
			if dec.ConversationStarted() {
				s.started = true
				if !s.confirmed && dec.Token() != "" {
					s.token = dec.Token()
					s.confirmed = true
				}
			}
		}
		s.mu.Unlock()

		if text := dec.Accumulated(); text != "" && m.store != nil {
			if err := m.store.AppendHistory(req.AgentID, text, store.HistoryResponse); err != nil {
				logger.Warnf("agent %s: failed to append history: %v", req.AgentID, err)
			}
		}
	}, nil)

	return nil
}

// Cancel terminates the in-flight turn, if any. A cancellation notice is
// emitted; no completion signal follows.
func (m *Manager) Cancel(agentID string) error {
	s, ok := m.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}

	s.mu.Lock()
	cmd := s.cmd
	streaming := s.streaming
	s.streaming = false
	s.mu.Unlock()

	if !streaming {
		return nil
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	ce := models.NewEvent(models.EventChatError, agentID)
	ce.Err = "turn canceled"
	m.publish(ce)
	return nil
}

// Clear forgets a session: the in-flight turn (if any) is killed and the
// correlation token is discarded.
func (m *Manager) Clear(agentID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()

	if !ok {
		return false
	}

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return true
}

// Shutdown kills every in-flight turn.
func (m *Manager) Shutdown() {
	for _, id := range m.List() {
		m.Clear(id)
	}
}

// turnArgv assembles the CLI invocation for one turn as a structured
// argument vector.
func (m *Manager) turnArgv(req TurnRequest, token string, resume bool) []string {
	argv := []string{
		m.cfg.AgentCommand,
		"-p", req.Prompt,
	}
	if m.cfg.AgentPlainOutput {
		// Plain-text agents speak no streaming protocol and keep no
		// server-side conversation state; the prompt is the whole contract.
		return argv
	}
	argv = append(argv, "--output-format", "stream-json", "--verbose")
	if resume {
		argv = append(argv, "--resume", token)
	} else {
		argv = append(argv, "--session-id", token)
		if req.SystemPrompt != "" {
			argv = append(argv, "--append-system-prompt", req.SystemPrompt)
		}
	}
	return argv
}

func (m *Manager) getOrCreate(agentID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[agentID]
	if !ok {
		s = &Session{AgentID: agentID, CreatedAt: time.Now()}
		m.sessions[agentID] = s
	}
	return s
}

func (m *Manager) clearStreaming(s *Session) {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
}

// publish never blocks session goroutines: if the channel is full the event
// is dropped with a warning, matching the at-most-once delivery the
// presentation layer expects.
func (m *Manager) publish(ev models.SessionEvent) {
	select {
	case m.events <- ev:
	default:
		logger.Warnf("chat event channel full, dropping %s for agent %s", ev.Type, ev.AgentID)
	}
}
