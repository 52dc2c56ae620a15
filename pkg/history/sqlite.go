package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps conversations as JSON blobs in a single SQLite table.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	// WAL for concurrent readers while a handler writes
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS conversations (
		agent_id   TEXT NOT NULL,
		room_id    TEXT NOT NULL,
		entries    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (agent_id, room_id)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	slog.Info("history store opened", "backend", "sqlite", "path", path)
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, agentID, roomID string) ([]Entry, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT entries FROM conversations WHERE agent_id = ? AND room_id = ?",
		agentID, roomID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Save(ctx context.Context, agentID, roomID string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (agent_id, room_id, entries, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id, room_id) DO UPDATE SET entries = excluded.entries, updated_at = excluded.updated_at`,
		agentID, roomID, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}
