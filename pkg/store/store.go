// Package store provides pluggable snapshot persistence backends for the
// session registry. All backends speak the same interface; the registry does
// not care whether snapshots live in memory, on disk or in SQLite.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/loomhq/loom/pkg/session"
)

// ErrNotFound is returned when no snapshot exists for a session id.
var ErrNotFound = errors.New("snapshot not found")

// Store persists session snapshots keyed by session id. Save overwrites any
// existing snapshot for the same id.
type Store interface {
	Save(ctx context.Context, snap *session.Snapshot) error
	Load(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
	Has(ctx context.Context, sessionID string) (bool, error)
}

// MemoryStore keeps snapshots in a mutex-guarded map. Used in tests and as
// the default backend when persistence is not configured.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*session.Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*session.Snapshot),
	}
}

func (s *MemoryStore) Save(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil || snap.SessionID == "" {
		return errors.New("snapshot with session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *snap
	s.snaps[snap.SessionID] = &copied
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) Has(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snaps[sessionID]
	return ok, nil
}
