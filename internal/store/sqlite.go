package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_linkages (
	agent_id   TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	persistent INTEGER NOT NULL,
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id  TEXT NOT NULL,
	text      TEXT NOT NULL,
	kind      TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_agent ON session_history(agent_id);
`

// SQLiteStore persists linkages and history in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "colabvibe.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	// sqlite handles one writer at a time; serialize through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertSessionLinkage(agentID string, linkage Linkage) error {
	_, err := s.db.Exec(`
		INSERT INTO session_linkages (agent_id, name, persistent, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			persistent = excluded.persistent,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		agentID, linkage.Name, boolToInt(linkage.Persistent), linkage.Status,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert linkage for %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionLinkage(agentID string) (*Linkage, error) {
	row := s.db.QueryRow(
		`SELECT name, persistent, status FROM session_linkages WHERE agent_id = ?`, agentID)

	var l Linkage
	var persistent int
	if err := row.Scan(&l.Name, &persistent, &l.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load linkage for %s: %w", agentID, err)
	}
	l.Persistent = persistent != 0
	return &l, nil
}

func (s *SQLiteStore) DeleteSessionLinkage(agentID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_linkages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("failed to delete linkage for %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(agentID, text string, kind HistoryKind) error {
	_, err := s.db.Exec(
		`INSERT INTO session_history (agent_id, text, kind, created_at) VALUES (?, ?, ?, ?)`,
		agentID, text, string(kind), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to append history for %s: %w", agentID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
