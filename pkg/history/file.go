package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per conversation under a root directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("history dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Close() error { return nil }

// Path returns the file backing a conversation.
func (s *FileStore) Path(agentID, roomID string) string {
	return filepath.Join(s.dir, FileName(agentID, roomID))
}

func (s *FileStore) Load(_ context.Context, agentID, roomID string) ([]Entry, error) {
	data, err := os.ReadFile(s.Path(agentID, roomID))
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse conversation %s: %w", s.Path(agentID, roomID), err)
	}
	return entries, nil
}

// Save writes to a temp file and renames it over the old one so readers never
// see a partial file.
func (s *FileStore) Save(_ context.Context, agentID, roomID string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	path := s.Path(agentID, roomID)
	tmp, err := os.CreateTemp(s.dir, ".conv-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close conversation: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace conversation: %w", err)
	}
	return nil
}

// FileName encodes an (agent, room) pair into a single safe file name.
// Room IDs contain "!" and ":", so both parts are base64url encoded.
func FileName(agentID, roomID string) string {
	enc := base64.RawURLEncoding
	return sanitize(agentID) + "__" + enc.EncodeToString([]byte(agentID)) + "__" +
		enc.EncodeToString([]byte(roomID)) + ".json"
}

// sanitize keeps a human-readable prefix for operators browsing the directory.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	return b.String()
}
