// Package buffer keeps a bounded per-session history of terminal output so a
// client reconnecting to a live session can be replayed recent frames. It
// also tracks which connections are watching which session, so disconnect
// handling can sweep by connection id alone.
package buffer

import (
	"sync"
	"time"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

// Fragment is one buffered piece of session output.
type Fragment struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Subscriber is a connection watching a session.
type Subscriber struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// session is the per-agent buffered state.
type session struct {
	fragments    []Fragment
	subscribers  map[string]Subscriber // connection id → subscriber
	lastActivity time.Time
	cols, rows   uint16
}

// Manager owns all buffered sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	capacity   int
	idleWindow time.Duration

	sweepStop chan struct{}
}

// NewManager builds a buffer manager from configuration.
func NewManager(cfg config.Buffering) *Manager {
	return &Manager{
		sessions:   make(map[string]*session),
		capacity:   cfg.Capacity,
		idleWindow: cfg.IdleWindow,
	}
}

// Append sanitizes text and pushes it onto the session's FIFO, trimming the
// oldest entries past capacity. The session is created on first write.
func (m *Manager) Append(agentID, text string) {
	clean := Sanitize(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(agentID)
	s.fragments = append(s.fragments, Fragment{Timestamp: time.Now(), Text: clean})
	if over := len(s.fragments) - m.capacity; over > 0 {
		s.fragments = s.fragments[over:]
	}
	s.lastActivity = time.Now()
}

// History returns the buffered fragments for a session, oldest first.
func (m *Manager) History(agentID string) []Fragment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[agentID]
	if !ok {
		return nil
	}
	out := make([]Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out
}

// Subscribe registers a connection as a watcher of a session. The session is
// created on first subscribe so history starts accumulating immediately.
func (m *Manager) Subscribe(agentID, connID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(agentID)
	s.subscribers[connID] = Subscriber{UserID: userID, JoinedAt: time.Now()}
	s.lastActivity = time.Now()
}

// Unsubscribe removes a connection from a specific session.
func (m *Manager) Unsubscribe(agentID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[agentID]; ok {
		delete(s.subscribers, connID)
	}
}

// DropConnection removes a connection from every session. Used at disconnect
// time, when the owning session is unknown.
func (m *Manager) DropConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		delete(s.subscribers, connID)
	}
}

// Subscribers returns the watcher set of a session.
func (m *Manager) Subscribers(agentID string) map[string]Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[agentID]
	if !ok {
		return nil
	}
	out := make(map[string]Subscriber, len(s.subscribers))
	for k, v := range s.subscribers {
		out[k] = v
	}
	return out
}

// SetDimensions records the terminal size attached to a session's buffer.
func (m *Manager) SetDimensions(agentID string, cols, rows uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(agentID)
	s.cols, s.rows = cols, rows
}

// Dimensions reads the recorded terminal size.
func (m *Manager) Dimensions(agentID string) (cols, rows uint16) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[agentID]; ok {
		return s.cols, s.rows
	}
	return 0, 0
}

// Remove drops a session and its history outright.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, agentID)
}

// SweepIdle removes sessions with zero subscribers and no activity inside
// the idle window. Returns how many were removed.
func (m *Manager) SweepIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if len(s.subscribers) == 0 && time.Since(s.lastActivity) > m.idleWindow {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugf("buffer sweep removed %d idle sessions", removed)
	}
	return removed
}

// StartSweeper runs SweepIdle on a ticker until StopSweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.mu.Lock()
	if m.sweepStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.sweepStop = stop
	m.mu.Unlock()

	recovery.SafeGo("buffer-sweeper", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.SweepIdle()
			}
		}
	})
}

// StopSweeper halts the idle sweep ticker.
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sweepStop != nil {
		close(m.sweepStop)
		m.sweepStop = nil
	}
}

// Len reports how many sessions the manager holds.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// getOrCreate must be called with the write lock held.
func (m *Manager) getOrCreate(agentID string) *session {
	s, ok := m.sessions[agentID]
	if !ok {
		s = &session{
			subscribers:  make(map[string]Subscriber),
			lastActivity: time.Now(),
		}
		m.sessions[agentID] = s
	}
	return s
}
