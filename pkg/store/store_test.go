package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/session"
)

func sampleSnapshot(id string, tick int) *session.Snapshot {
	return &session.Snapshot{
		Version:   session.SnapshotVersion,
		SessionID: id,
		Tick:      tick,
		Timeline: []session.Entry{
			{Kind: session.EntryUserInput, Role: "user", Content: "hello", Tick: 1},
			{Kind: session.EntryModelOutput, Role: "assistant", Content: "hi", Tick: 1},
		},
		State:   map[string]interface{}{"topic": "greetings"},
		Usage:   session.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Ticks: tick - 1},
		LastSeq: 42,
	}
}

func testBackends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), zerolog.Nop())
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "loom.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			snap := sampleSnapshot("sess-1", 5)

			require.NoError(t, backend.Save(ctx, snap))

			loaded, err := backend.Load(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, snap.SessionID, loaded.SessionID)
			assert.Equal(t, snap.Tick, loaded.Tick)
			assert.Equal(t, snap.Usage, loaded.Usage)
			assert.Equal(t, snap.LastSeq, loaded.LastSeq)
			require.Len(t, loaded.Timeline, 2)
			assert.Equal(t, "hello", loaded.Timeline[0].Content)
		})
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, sampleSnapshot("sess-1", 2)))
			require.NoError(t, backend.Save(ctx, sampleSnapshot("sess-1", 7)))

			loaded, err := backend.Load(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, 7, loaded.Tick)

			ids, err := backend.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"sess-1"}, ids)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.Load(context.Background(), "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteAndHas(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, sampleSnapshot("sess-1", 3)))

			ok, err := backend.Has(ctx, "sess-1")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, backend.Delete(ctx, "sess-1"))
			require.NoError(t, backend.Delete(ctx, "sess-1"), "delete is idempotent")

			ok, err = backend.Has(ctx, "sess-1")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = backend.Load(ctx, "sess-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	for _, id := range []string{"../escape", "a/b", "", "a b"} {
		snap := sampleSnapshot("x", 1)
		snap.SessionID = id
		err := s.Save(context.Background(), snap)
		assert.Error(t, err, "id %q", id)
	}
}
