package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/colabvibe/colabvibe/internal/chat"
	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/store"
)

// ChatBackend adapts the streaming chat manager to the Backend interface.
// Chat sessions own no terminal resources; Input sends the payload as a
// conversation turn and the manager's child processes come and go per turn.
type ChatBackend struct {
	cfg     *config.Config
	manager *chat.Manager

	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewChatBackend(cfg *config.Config, st store.Store) *ChatBackend {
	return &ChatBackend{
		cfg:      cfg,
		manager:  chat.NewManager(cfg, st),
		sessions: make(map[string]*models.Session),
	}
}

func (b *ChatBackend) Kind() models.BackendKind { return models.ChatKind }

func (b *ChatBackend) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.sessions[req.AgentID]; ok && !existing.GetStatus().Terminal() {
		return existing.Clone(), nil
	}

	sess := models.NewSession(req.AgentID, models.ChatKind, req.TeamID, req.UserID)
	sess.SetStatus(models.StatusRunning)
	b.sessions[req.AgentID] = sess
	return sess.Clone(), nil
}

// Input sends data as one conversation turn. A turn already in flight is
// rejected with ErrConcurrentTurn.
func (b *ChatBackend) Input(agentID string, data []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}

	return b.manager.SendTurn(context.Background(), chat.TurnRequest{
		AgentID: agentID,
		Prompt:  string(data),
		WorkDir: b.cfg.TeamWorkspace(sess.TeamID),
	})
}

// SendTurn passes a full turn request through, for callers that carry a
// system prompt or an explicit token.
func (b *ChatBackend) SendTurn(ctx context.Context, req chat.TurnRequest) error {
	b.mu.Lock()
	_, ok := b.sessions[req.AgentID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", req.AgentID, models.ErrSessionNotFound)
	}
	return b.manager.SendTurn(ctx, req)
}

// Resize has no terminal to act on.
func (b *ChatBackend) Resize(agentID string, cols, rows uint16) error { return nil }

func (b *ChatBackend) Kill(agentID string) bool {
	b.mu.Lock()
	sess, ok := b.sessions[agentID]
	if ok {
		delete(b.sessions, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	wasLive := !sess.GetStatus().Terminal()
	sess.SetStatus(models.StatusStopped)
	_ = b.manager.Cancel(agentID)
	b.manager.Clear(agentID)
	return wasLive
}

func (b *ChatBackend) Get(agentID string) (*models.Session, bool) {
	b.mu.Lock()
	sess, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (b *ChatBackend) List() []*models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// Cleanup is a no-op: chat sessions are destroyed only by explicit clear or
// kill.
func (b *ChatBackend) Cleanup() int { return 0 }

func (b *ChatBackend) Events() <-chan models.SessionEvent { return b.manager.Events() }

func (b *ChatBackend) Shutdown() {
	for _, s := range b.List() {
		b.Kill(s.AgentID)
	}
	b.manager.Shutdown()
}
