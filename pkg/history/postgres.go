package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps conversations as JSONB rows. Useful when several bridge
// replicas share one history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and creates the table.
func OpenPostgres(ctx context.Context, pgURL string) (*PostgresStore, error) {
	if pgURL == "" {
		return nil, fmt.Errorf("postgres URL is required")
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bridge_conversations (
			agent_id   TEXT NOT NULL,
			room_id    TEXT NOT NULL,
			entries    JSONB NOT NULL DEFAULT '[]'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (agent_id, room_id)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	slog.Info("history store opened", "backend", "postgres")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, agentID, roomID string) ([]Entry, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT entries FROM bridge_conversations WHERE agent_id = $1 AND room_id = $2`,
		agentID, roomID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Save(ctx context.Context, agentID, roomID string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bridge_conversations (agent_id, room_id, entries, updated_at)
		VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (agent_id, room_id) DO UPDATE
		SET entries = EXCLUDED.entries,
			updated_at = now()
	`, agentID, roomID, string(data))
	if err != nil {
		return fmt.Errorf("upsert conversation %s/%s: %w", agentID, roomID, err)
	}
	return nil
}
