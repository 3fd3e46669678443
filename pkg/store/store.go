// Package store persists minimal call snapshots so a process restart does
// not silently lose an in-progress call. The session machine saves on every
// status change, rehydrates on startup, and clears on terminal transitions.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Role identifies which in-flight call slot a snapshot occupies. At most one
// snapshot exists per role.
type Role string

const (
	RoleIncoming Role = "incoming"
	RoleOutgoing Role = "outgoing"
	RoleActive   Role = "active"
)

// Snapshot is the minimal durable record of one in-flight call
type Snapshot struct {
	CallID       string    `json:"callId"`
	ReceiverID   string    `json:"receiverId"`
	Type         string    `json:"type"`
	StartTime    time.Time `json:"startTime"`
	Status       string    `json:"status"`
	Participants []string  `json:"participants"`
}

// Store wraps a SQLite database holding call snapshots
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the snapshot database in the given directory
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL so a crash mid-write never corrupts the snapshot
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_snapshots (
			role       TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Save upserts the snapshot for a role
func (s *Store) Save(role Role, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO call_snapshots (role, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(role) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP
	`, string(role), string(data))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadAll returns every persisted snapshot keyed by role
func (s *Store) LoadAll() (map[Role]*Snapshot, error) {
	rows, err := s.db.Query(`SELECT role, data FROM call_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[Role]*Snapshot)
	for rows.Next() {
		var role, data string
		if err := rows.Scan(&role, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal %s snapshot: %w", role, err)
		}
		out[Role(role)] = &snap
	}
	return out, rows.Err()
}

// Delete removes the snapshot for a role. Safe when absent.
func (s *Store) Delete(role Role) error {
	if _, err := s.db.Exec(`DELETE FROM call_snapshots WHERE role = ?`, string(role)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Clear removes all snapshots
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM call_snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
