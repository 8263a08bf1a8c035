// Package models defines the shared data model of the session orchestration
// layer: sessions, backend kinds, the event union, and the error taxonomy.
package models

import (
	"sync"
	"time"
)

// Location says where a session's execution resource lives.
type Location string

const (
	LocationLocal  Location = "local"
	LocationRemote Location = "remote"
)

// Isolation says what kind of execution resource realizes a session.
type Isolation string

const (
	IsolationProcess   Isolation = "process"
	IsolationTmux      Isolation = "tmux"
	IsolationContainer Isolation = "container"
)

// BackendKind identifies one session-realization strategy.
type BackendKind struct {
	Location  Location  `json:"location"`
	Isolation Isolation `json:"isolation"`
}

func (k BackendKind) String() string {
	return string(k.Location) + "/" + string(k.Isolation)
}

// ChatKind is the synthetic backend kind for streaming chat sessions. It is
// selected via mode="chat" and bypasses the (location, isolation) pair.
var ChatKind = BackendKind{Location: "chat", Isolation: "chat"}

// SessionStatus is monotonic (starting → running → stopped|error) except for
// the explicit reconnect path, which may move stopped back to running.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Session is a managed binding between an agentId and an execution resource.
// It is created by its owning backend's Spawn and mutated only by that
// backend; everyone else reads snapshots via Clone.
type Session struct {
	AgentID   string            `json:"agent_id"`
	Kind      BackendKind       `json:"kind"`
	Status    SessionStatus     `json:"status"`
	TeamID    string            `json:"team_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Message   string            `json:"message,omitempty"` // human-readable, set on error
	Metadata  map[string]string `json:"metadata,omitempty"`

	mu sync.Mutex
}

// NewSession returns a session in the starting state.
func NewSession(agentID string, kind BackendKind, teamID, userID string) *Session {
	return &Session{
		AgentID:   agentID,
		Kind:      kind,
		Status:    StatusStarting,
		TeamID:    teamID,
		UserID:    userID,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// SetStatus transitions the session status. Transitions out of a terminal
// state are ignored unless explicitly reconnecting (stopped → running).
func (s *Session) SetStatus(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() && !(s.Status == StatusStopped && status == StatusRunning) {
		return
	}
	s.Status = status
}

// SetError moves the session to the error state with a message.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusError
	s.Message = msg
}

// GetStatus returns the current status.
func (s *Session) GetStatus() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// SetMeta records a metadata key.
func (s *Session) SetMeta(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[key] = value
}

// Meta reads a metadata key.
func (s *Session) Meta(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Metadata[key]
}

// Clone returns a copy safe to hand across the API boundary.
func (s *Session) Clone() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return &Session{
		AgentID:   s.AgentID,
		Kind:      s.Kind,
		Status:    s.Status,
		TeamID:    s.TeamID,
		UserID:    s.UserID,
		CreatedAt: s.CreatedAt,
		Message:   s.Message,
		Metadata:  meta,
	}
}
