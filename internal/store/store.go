// Package store defines the persistence boundary of the orchestration layer
// and ships two implementations: sqlite for the server and an in-memory one
// for tests. The orchestrator only ever sees the Store interface.
package store

import "sync"

// Linkage records the binding between an agent and a host-resident resource
// (a tmux session name, a container id) that outlives the server process.
type Linkage struct {
	Name       string `json:"name"`
	Persistent bool   `json:"persistent"`
	Status     string `json:"status"`
}

// HistoryKind tags an appended history entry.
type HistoryKind string

const (
	HistoryOutput   HistoryKind = "output"
	HistoryResponse HistoryKind = "response"
	HistoryError    HistoryKind = "error"
)

// Store is the persistence contract consumed by the backends.
type Store interface {
	UpsertSessionLinkage(agentID string, linkage Linkage) error
	GetSessionLinkage(agentID string) (*Linkage, error)
	DeleteSessionLinkage(agentID string) error
	AppendHistory(agentID, text string, kind HistoryKind) error
	Close() error
}

// MemoryStore is a map-backed Store for tests and the local-only mode.
type MemoryStore struct {
	mu       sync.Mutex
	linkages map[string]Linkage
	history  map[string][]historyEntry
}

type historyEntry struct {
	text string
	kind HistoryKind
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		linkages: make(map[string]Linkage),
		history:  make(map[string][]historyEntry),
	}
}

func (m *MemoryStore) UpsertSessionLinkage(agentID string, linkage Linkage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkages[agentID] = linkage
	return nil
}

func (m *MemoryStore) GetSessionLinkage(agentID string) (*Linkage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.linkages[agentID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryStore) DeleteSessionLinkage(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.linkages, agentID)
	return nil
}

func (m *MemoryStore) AppendHistory(agentID, text string, kind HistoryKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[agentID] = append(m.history[agentID], historyEntry{text: text, kind: kind})
	return nil
}

// HistoryLen reports the number of history entries for an agent. Test helper.
func (m *MemoryStore) HistoryLen(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[agentID])
}

func (m *MemoryStore) Close() error { return nil }
