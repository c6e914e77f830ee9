package thread

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cumulus/internal/logging"
)

// SessionStore persists per-thread session records in sqlite. A session
// links related turns; it is a retrieval key, not a security primitive.
type SessionStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSessions opens (or creates) the session database at path.
func OpenSessions(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", path, err)
	}

	schema := `CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		turns          INTEGER NOT NULL DEFAULT 0,
		last_user      TEXT,
		last_assistant TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions schema: %w", err)
	}

	return &SessionStore{db: db}, nil
}

// Current returns the most recently updated session id, creating a fresh
// session when none exists. A thread establishes its session once and keeps
// it for its lifetime.
func (s *SessionStore) Current() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(
		"SELECT session_id FROM sessions ORDER BY updated_at DESC LIMIT 1",
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query sessions: %w", err)
	}

	id = uuid.NewString()
	now := time.Now().UnixMilli()
	if _, err := s.db.Exec(
		"INSERT INTO sessions (session_id, created_at, updated_at) VALUES (?, ?, ?)",
		id, now, now,
	); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	logging.StoreDebug("Created session %s", id)
	return id, nil
}

// UpdateExchange records the latest user/assistant exchange for a session.
func (s *SessionStore) UpdateExchange(sessionID, user, assistant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Updating session %s exchange: user=%d assistant=%d bytes",
		sessionID, len(user), len(assistant))

	res, err := s.db.Exec(
		`UPDATE sessions
		 SET last_user = ?, last_assistant = ?, turns = turns + 1, updated_at = ?
		 WHERE session_id = ?`,
		user, assistant, time.Now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// Close releases the database handle.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
