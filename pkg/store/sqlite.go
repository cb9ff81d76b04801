package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
)

// SQLiteStore persists snapshots in a single SQLite database, one row per
// session. Suited to deployments where many sessions share one durable file.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database and its schema.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps concurrent readers off the writer's back.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlitestore").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON snapshots(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, snap *session.Snapshot) error {
	if snap == nil || snap.SessionID == "" {
		return errors.New("snapshot with session id is required")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, version, tick, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			tick = excluded.tick,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, snap.SessionID, snap.Version, snap.Tick, string(payload), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.logger.Debug().Str("session_id", snap.SessionID).Int("tick", snap.Tick).Msg("Snapshot saved")
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM snapshots WHERE session_id = ?", sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap session.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot for %s: %w", sessionID, err)
	}
	return &snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM snapshots ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Has(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM snapshots WHERE session_id = ?", sessionID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
