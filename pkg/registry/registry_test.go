package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/session"
	"github.com/loomhq/loom/pkg/store"
)

type stubCompiler struct{}

func (stubCompiler) Compile(ctx context.Context, req session.CompileRequest) (*session.Compiled, error) {
	return &session.Compiled{Stop: true, StopReason: "noop"}, nil
}

func stubFactory(id string) (session.Config, error) {
	return session.Config{Compiler: stubCompiler{}, Logger: zerolog.Nop()}, nil
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Factory == nil {
		cfg.Factory = stubFactory
	}
	cfg.Logger = zerolog.Nop()
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func TestRegistry_OpenCreatesAndReuses(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	s1, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s1.ID())
	assert.Equal(t, 1, r.Len())

	s2, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ResumeUnknownFails(t *testing.T) {
	r := newTestRegistry(t, Config{Store: store.NewMemoryStore()})
	_, err := r.Resume(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CreateDuplicateFails(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	_, err := r.Create(ctx, "sess-1")
	require.NoError(t, err)
	_, err = r.Create(ctx, "sess-1")
	assert.Error(t, err)
}

func TestRegistry_EvictThenHydrate(t *testing.T) {
	backing := store.NewMemoryStore()
	r := newTestRegistry(t, Config{Store: backing})
	ctx := context.Background()

	s, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, s.SetState("topic", "tides"))
	require.NoError(t, r.Persist(ctx, "sess-1"))

	require.True(t, r.Evict("sess-1"))
	assert.False(t, r.Evict("sess-1"), "second evict is a no-op")

	// Teardown is asynchronous; wait for the session to close.
	require.Eventually(t, func() bool {
		return s.Status() == session.StatusClosed
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.Len())

	restored, err := r.Resume(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotSame(t, s, restored)
	topic, ok := restored.State("topic")
	require.True(t, ok)
	assert.Equal(t, "tides", topic)
}

func TestRegistry_LRUEvictionAtCapacity(t *testing.T) {
	backing := store.NewMemoryStore()
	r := newTestRegistry(t, Config{Store: backing, MaxActive: 2})
	ctx := context.Background()

	oldest, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Open(ctx, "sess-2")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = r.Open(ctx, "sess-3")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"sess-2", "sess-3"}, r.Active())
	assert.Equal(t, session.StatusClosed, oldest.Status())

	// The evicted session's state reached the store.
	ok, err := backing.Has(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_SweepEvictsIdleSessions(t *testing.T) {
	backing := store.NewMemoryStore()
	r := newTestRegistry(t, Config{Store: backing, IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	s, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.Sweep()

	assert.Equal(t, 0, r.Len())
	require.Eventually(t, func() bool {
		return s.Status() == session.StatusClosed
	}, time.Second, time.Millisecond)

	ok, err := backing.Has(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_SweepSkipsFreshSessions(t *testing.T) {
	r := newTestRegistry(t, Config{IdleTimeout: time.Hour})
	_, err := r.Open(context.Background(), "sess-1")
	require.NoError(t, err)

	r.Sweep()
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SweepIntervalClamped(t *testing.T) {
	r := newTestRegistry(t, Config{SweepInterval: 100 * time.Millisecond})
	assert.Equal(t, minSweepInterval, r.cfg.SweepInterval)

	r = newTestRegistry(t, Config{SweepInterval: 5 * time.Minute})
	assert.Equal(t, maxSweepInterval, r.cfg.SweepInterval)

	r = newTestRegistry(t, Config{})
	assert.Equal(t, defaultSweepInterval, r.cfg.SweepInterval)
}

func TestRegistry_RestoreHooks(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()

	var afterRestore int
	hooks := Hooks{
		OnBeforeRestore: func(ctx context.Context, snap *session.Snapshot) (*session.Snapshot, error) {
			// Rewrite on the way in, the way a schema migration would.
			migrated := *snap
			migrated.State = map[string]interface{}{"migrated": true}
			return &migrated, nil
		},
		OnAfterRestore: func(ctx context.Context, sess *session.Session) {
			afterRestore++
		},
	}
	r := newTestRegistry(t, Config{Store: backing, Hooks: hooks})

	s, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, r.Persist(ctx, "sess-1"))
	r.Evict("sess-1")
	require.Eventually(t, func() bool { return s.Status() == session.StatusClosed }, time.Second, time.Millisecond)

	restored, err := r.Resume(ctx, "sess-1")
	require.NoError(t, err)
	migrated, ok := restored.State("migrated")
	require.True(t, ok)
	assert.Equal(t, true, migrated)
	assert.Equal(t, 1, afterRestore)
}

func TestRegistry_RestoreVeto(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()

	veto := errors.New("snapshot too old")
	r := newTestRegistry(t, Config{Store: backing, Hooks: Hooks{
		OnBeforeRestore: func(ctx context.Context, snap *session.Snapshot) (*session.Snapshot, error) {
			return nil, veto
		},
	}})

	s, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, r.Persist(ctx, "sess-1"))
	r.Evict("sess-1")
	require.Eventually(t, func() bool { return s.Status() == session.StatusClosed }, time.Second, time.Millisecond)

	_, err = r.Resume(ctx, "sess-1")
	assert.ErrorIs(t, err, veto)
}

func TestRegistry_PersistHooks(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	var after []*session.Snapshot
	r := newTestRegistry(t, Config{Store: backing, Hooks: Hooks{
		OnBeforePersist: func(ctx context.Context, snap *session.Snapshot) (*session.Snapshot, error) {
			if snap.SessionID == "forbidden" {
				return nil, errors.New("persistence disabled for this session")
			}
			return nil, nil
		},
		OnAfterPersist: func(ctx context.Context, snap *session.Snapshot) {
			mu.Lock()
			after = append(after, snap)
			mu.Unlock()
		},
	}})

	_, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, r.Persist(ctx, "sess-1"))

	mu.Lock()
	require.Len(t, after, 1)
	assert.Equal(t, "sess-1", after[0].SessionID)
	mu.Unlock()

	_, err = r.Open(ctx, "forbidden")
	require.NoError(t, err)
	err = r.Persist(ctx, "forbidden")
	require.Error(t, err)

	ok, err := backing.Has(ctx, "forbidden")
	require.NoError(t, err)
	assert.False(t, ok, "vetoed snapshot never reaches the store")
}

func TestRegistry_LifecycleHooks(t *testing.T) {
	var (
		mu      sync.Mutex
		created []string
		closed  []string
	)
	r := newTestRegistry(t, Config{Store: store.NewMemoryStore(), Hooks: Hooks{
		OnSessionCreate: func(ctx context.Context, s *session.Session) {
			mu.Lock()
			created = append(created, s.ID())
			mu.Unlock()
		},
		OnSessionClose: func(id string) {
			mu.Lock()
			closed = append(closed, id)
			mu.Unlock()
		},
	}})
	ctx := context.Background()

	_, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	_, err = r.Open(ctx, "sess-1")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"sess-1"}, created, "create hook fires once per new session")
	mu.Unlock()

	require.True(t, r.Evict("sess-1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closed) == 1 && closed[0] == "sess-1"
	}, 2*time.Second, 10*time.Millisecond)

	// Hydrating an evicted session reports through the restore path, not
	// the create hook.
	_, err = r.Open(ctx, "sess-1")
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"sess-1"}, created)
	mu.Unlock()

	require.NoError(t, r.Delete(ctx, "sess-1"))
	mu.Lock()
	assert.Equal(t, []string{"sess-1", "sess-1"}, closed)
	mu.Unlock()
}

func TestRegistry_Delete(t *testing.T) {
	backing := store.NewMemoryStore()
	r := newTestRegistry(t, Config{Store: backing})
	ctx := context.Background()

	s, err := r.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, r.Persist(ctx, "sess-1"))

	require.NoError(t, r.Delete(ctx, "sess-1"))
	assert.Equal(t, session.StatusClosed, s.Status())
	assert.Equal(t, 0, r.Len())

	ok, err := backing.Has(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_ShutdownPersistsAll(t *testing.T) {
	backing := store.NewMemoryStore()
	r := newTestRegistry(t, Config{Store: backing})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Open(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, r.Start())
	require.NoError(t, r.Shutdown(ctx))
	require.NoError(t, r.Shutdown(ctx), "shutdown is idempotent")

	assert.Equal(t, 0, r.Len())
	ids, err := backing.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)

	_, err = r.Open(ctx, "d")
	assert.Error(t, err, "closed registry refuses new sessions")
}
