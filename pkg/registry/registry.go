// Package registry tracks active sessions, bounds how many stay resident,
// and moves idle ones between memory and the snapshot store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
	"github.com/loomhq/loom/pkg/store"
)

const (
	// DefaultMaxActive bounds resident sessions before LRU eviction.
	DefaultMaxActive = 128

	// DefaultIdleTimeout is how long a session may sit untouched before the
	// sweep evicts it.
	DefaultIdleTimeout = 30 * time.Minute

	// Sweep interval bounds. Anything configured outside this window is
	// clamped, not rejected.
	minSweepInterval     = 1 * time.Second
	maxSweepInterval     = 30 * time.Second
	defaultSweepInterval = 15 * time.Second
)

// ErrNotFound is returned when a session exists neither in memory nor in the
// snapshot store.
var ErrNotFound = errors.New("session not found")

// Factory builds the session configuration for an id. The registry wires the
// persistence trigger itself; a Persist set by the factory is overwritten.
type Factory func(id string) (session.Config, error)

// Hooks observe and steer the hydrate/persist lifecycle. Before-hooks may
// veto by returning an error, or rewrite the snapshot (schema migration) by
// returning a replacement. After-hooks are notification only.
type Hooks struct {
	OnBeforeRestore func(ctx context.Context, snap *session.Snapshot) (*session.Snapshot, error)
	OnAfterRestore  func(ctx context.Context, sess *session.Session)
	OnBeforePersist func(ctx context.Context, snap *session.Snapshot) (*session.Snapshot, error)
	OnAfterPersist  func(ctx context.Context, snap *session.Snapshot)

	// OnSessionCreate fires once per brand-new session, after registration.
	// Hydrated sessions report through OnAfterRestore instead.
	OnSessionCreate func(ctx context.Context, sess *session.Session)

	// OnSessionClose fires after a session leaves memory for any reason
	// (eviction, sweep, delete, shutdown).
	OnSessionClose func(sessionID string)
}

// Config holds registry construction parameters.
type Config struct {
	// Factory is required.
	Factory Factory

	// Store is optional; without it eviction discards state.
	Store store.Store

	MaxActive     int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	Hooks  Hooks
	Logger zerolog.Logger
}

// Registry is the application-level session table.
type Registry struct {
	cfg    Config
	logger zerolog.Logger
	cron   *cron.Cron

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New creates a registry. The sweep does not run until Start.
func New(cfg Config) (*Registry, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.SweepInterval < minSweepInterval {
		cfg.SweepInterval = minSweepInterval
	}
	if cfg.SweepInterval > maxSweepInterval {
		cfg.SweepInterval = maxSweepInterval
	}

	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*session.Session),
	}, nil
}

// Start launches the periodic idle sweep.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry is closed")
	}
	if r.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.SweepInterval), r.Sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c

	r.logger.Info().
		Dur("interval", r.cfg.SweepInterval).
		Dur("idle_timeout", r.cfg.IdleTimeout).
		Msg("Registry sweep started")
	return nil
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Active returns ids of resident sessions.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a resident session without touching the store.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		s.Touch()
	}
	return s, ok
}

// Open returns the session for an id, hydrating from the store or creating a
// fresh one as needed.
func (r *Registry) Open(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}

	s, err := r.hydrate(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return r.create(ctx, id)
}

// Resume returns the session for an id only if it is resident or persisted.
func (r *Registry) Resume(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	return r.hydrate(ctx, id)
}

// Create builds a fresh session. Fails if the id is already resident.
func (r *Registry) Create(ctx context.Context, id string) (*session.Session, error) {
	if _, ok := r.Get(id); ok {
		return nil, fmt.Errorf("session %s already active", id)
	}
	return r.create(ctx, id)
}

func (r *Registry) create(ctx context.Context, id string) (*session.Session, error) {
	cfg, err := r.cfg.Factory(id)
	if err != nil {
		return nil, fmt.Errorf("session factory failed for %s: %w", id, err)
	}
	cfg.ID = id
	cfg.Persist = r.persistFunc()

	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := r.register(ctx, s); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	if r.cfg.Hooks.OnSessionCreate != nil {
		r.cfg.Hooks.OnSessionCreate(ctx, s)
	}
	return s, nil
}

// hydrate loads a snapshot and restores a live session from it.
func (r *Registry) hydrate(ctx context.Context, id string) (*session.Session, error) {
	if r.cfg.Store == nil {
		return nil, ErrNotFound
	}

	snap, err := r.cfg.Store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", id, err)
	}

	if r.cfg.Hooks.OnBeforeRestore != nil {
		migrated, err := r.cfg.Hooks.OnBeforeRestore(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("restore vetoed for %s: %w", id, err)
		}
		if migrated != nil {
			snap = migrated
		}
	}

	cfg, err := r.cfg.Factory(id)
	if err != nil {
		return nil, fmt.Errorf("session factory failed for %s: %w", id, err)
	}
	cfg.ID = id
	cfg.Persist = r.persistFunc()

	s, err := session.Restore(cfg, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session %s: %w", id, err)
	}
	if err := r.register(ctx, s); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	if r.cfg.Hooks.OnAfterRestore != nil {
		r.cfg.Hooks.OnAfterRestore(ctx, s)
	}

	r.logger.Debug().Str("session_id", id).Int("tick", s.Tick()).Msg("Session hydrated")
	return s, nil
}

// register inserts a session, evicting least-recently-used residents to make
// room. Races on the same id resolve to the first registration.
func (r *Registry) register(ctx context.Context, s *session.Session) (err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("registry is closed")
	}
	if _, exists := r.sessions[s.ID()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %s already active", s.ID())
	}
	r.sessions[s.ID()] = s

	var evict []*session.Session
	for len(r.sessions) > r.cfg.MaxActive {
		victim := r.lruLocked(s.ID())
		if victim == nil {
			break
		}
		delete(r.sessions, victim.ID())
		evict = append(evict, victim)
	}
	r.mu.Unlock()

	for _, victim := range evict {
		r.teardown(ctx, victim, "lru eviction")
	}
	return nil
}

// lruLocked picks the eviction victim: the least recently used idle session,
// falling back to the least recently used overall. Caller holds r.mu.
func (r *Registry) lruLocked(exclude string) *session.Session {
	var oldest, oldestIdle *session.Session
	for id, s := range r.sessions {
		if id == exclude {
			continue
		}
		if oldest == nil || s.LastAccess().Before(oldest.LastAccess()) {
			oldest = s
		}
		if s.Status() != session.StatusRunning {
			if oldestIdle == nil || s.LastAccess().Before(oldestIdle.LastAccess()) {
				oldestIdle = s
			}
		}
	}
	if oldestIdle != nil {
		return oldestIdle
	}
	return oldest
}

// Evict removes a session from memory, persisting its final state. The map
// removal is synchronous; the persist-and-close teardown runs in the
// background so callers never wait on a slow store.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	go r.teardown(context.Background(), s, "evicted")
	return true
}

// Delete removes a session from memory and the store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Str("session_id", id).Msg("Close during delete failed")
		}
		if r.cfg.Hooks.OnSessionClose != nil {
			r.cfg.Hooks.OnSessionClose(id)
		}
	}
	if r.cfg.Store != nil {
		if err := r.cfg.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete snapshot for %s: %w", id, err)
		}
	}
	return nil
}

// Persist snapshots a resident session through the persistence hooks.
func (r *Registry) Persist(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return r.persistSnapshot(ctx, s.Snapshot())
}

func (r *Registry) persistFunc() session.PersistFunc {
	return func(ctx context.Context, snap *session.Snapshot) error {
		return r.persistSnapshot(ctx, snap)
	}
}

func (r *Registry) persistSnapshot(ctx context.Context, snap *session.Snapshot) error {
	if r.cfg.Store == nil {
		return nil
	}

	if r.cfg.Hooks.OnBeforePersist != nil {
		replaced, err := r.cfg.Hooks.OnBeforePersist(ctx, snap)
		if err != nil {
			return fmt.Errorf("persist vetoed for %s: %w", snap.SessionID, err)
		}
		if replaced != nil {
			snap = replaced
		}
	}

	if err := r.cfg.Store.Save(ctx, snap); err != nil {
		return err
	}

	if r.cfg.Hooks.OnAfterPersist != nil {
		r.cfg.Hooks.OnAfterPersist(ctx, snap)
	}
	return nil
}

// teardown persists a departing session's state and closes it. All failures
// are logged and swallowed; teardown must never take the registry down.
func (r *Registry) teardown(ctx context.Context, s *session.Session, reason string) {
	if err := r.persistSnapshot(ctx, s.Snapshot()); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("Persist during teardown failed")
	}
	if err := s.Close(ctx); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("Close during teardown failed")
	}
	if r.cfg.Hooks.OnSessionClose != nil {
		r.cfg.Hooks.OnSessionClose(s.ID())
	}
	r.logger.Debug().Str("session_id", s.ID()).Str("reason", reason).Msg("Session torn down")
}

// Sweep evicts sessions idle past the timeout. Running sessions are skipped
// regardless of age. Failures are logged, never propagated.
func (r *Registry) Sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var victims []*session.Session
	for id, s := range r.sessions {
		if s.Status() == session.StatusRunning {
			continue
		}
		if s.LastAccess().Before(cutoff) {
			delete(r.sessions, id)
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		r.teardown(context.Background(), s, "idle sweep")
	}
	if len(victims) > 0 {
		r.logger.Info().Int("evicted", len(victims)).Msg("Idle sweep completed")
	}
}

// Shutdown stops the sweep and tears down every resident session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cron
	r.cron = nil
	sessions := make([]*session.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, s := range sessions {
		r.teardown(ctx, s, "shutdown")
	}

	r.logger.Info().Int("sessions", len(sessions)).Msg("Registry shut down")
	return nil
}
