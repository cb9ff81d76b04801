package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
)

// Session ids become file names, so they must stay path-safe.
var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FileStore persists one JSON snapshot file per session under a root
// directory. Writes go through a temp file and rename so a crash mid-write
// never leaves a truncated snapshot behind.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{
		root:   root,
		logger: logger.With().Str("component", "filestore").Logger(),
	}, nil
}

func (s *FileStore) path(sessionID string) (string, error) {
	if !safeSessionID.MatchString(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.root, sessionID+".json"), nil
}

func (s *FileStore) Save(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil || snap.SessionID == "" {
		return errors.New("snapshot with session id is required")
	}
	path, err := s.path(snap.SessionID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Debug().Str("session_id", snap.SessionID).Int("bytes", len(data)).Msg("Snapshot saved")
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot for %s: %w", sessionID, err)
	}
	return &snap, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) Has(ctx context.Context, sessionID string) (bool, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
