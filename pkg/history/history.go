// Package history stores per-agent, per-room conversation logs.
//
// A conversation is an ordered, capped sequence of entries. Every write
// replaces the whole sequence: callers read the latest copy, append, and
// write it back. There is no locking between concurrent writers of the same
// conversation, so interleaved writers may drop each other's entries.
package history

import (
	"context"
	"fmt"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultMaxEntries caps a conversation when no limit is configured.
const DefaultMaxEntries = 50

// Entry is one turn of a conversation.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store persists whole conversations keyed by (agentID, roomID).
type Store interface {
	// Load returns the conversation, or an empty slice if none exists.
	Load(ctx context.Context, agentID, roomID string) ([]Entry, error)
	// Save replaces the conversation.
	Save(ctx context.Context, agentID, roomID string, entries []Entry) error
	// Name returns the backend identifier ("file", "sqlite", "postgres").
	Name() string
	Close() error
}

// Trim drops the oldest entries so at most max remain.
func Trim(entries []Entry, max int) []Entry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	return entries[len(entries)-max:]
}

// Append reads the latest conversation, appends e, trims to max and writes
// the result back. The returned slice is what was written.
func Append(ctx context.Context, s Store, agentID, roomID string, e Entry, max int) ([]Entry, error) {
	entries, err := s.Load(ctx, agentID, roomID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	entries = Trim(append(entries, e), max)
	if err := s.Save(ctx, agentID, roomID, entries); err != nil {
		return entries, fmt.Errorf("save history: %w", err)
	}
	return entries, nil
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // "file" (default), "sqlite", "postgres"
	Dir         string
	SQLitePath  string
	PostgresURL string
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
