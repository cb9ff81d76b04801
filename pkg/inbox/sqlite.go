package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
)

// SQLiteInbox stores pending items in a SQLite database, one row per item.
// Items survive process restarts; notifications only fire for writes made
// through this process.
type SQLiteInbox struct {
	db     *sql.DB
	logger zerolog.Logger

	mu   sync.Mutex
	subs []Notify
}

// NewSQLiteInbox opens (or creates) the database and its schema.
func NewSQLiteInbox(dbPath string, logger zerolog.Logger) (*SQLiteInbox, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	in := &SQLiteInbox{
		db:     db,
		logger: logger.With().Str("component", "sqliteinbox").Logger(),
	}
	if err := in.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return in, nil
}

func (in *SQLiteInbox) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS inbox_items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_inbox_session ON inbox_items(session_id, created_at);
	`
	_, err := in.db.Exec(schema)
	return err
}

func (in *SQLiteInbox) Write(ctx context.Context, sessionID string, msg session.Message) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	id := uuid.NewString()
	_, err = in.db.ExecContext(ctx, `
		INSERT INTO inbox_items (id, session_id, message, created_at)
		VALUES (?, ?, ?, ?)
	`, id, sessionID, string(payload), time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to write inbox item: %w", err)
	}

	in.mu.Lock()
	subs := append([]Notify(nil), in.subs...)
	in.mu.Unlock()
	for _, fn := range subs {
		fn(sessionID)
	}
	return id, nil
}

func (in *SQLiteInbox) Pending(ctx context.Context, sessionID string) ([]Item, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT id, message, created_at FROM inbox_items
		WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inbox items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			id      string
			payload string
			created int64
		)
		if err := rows.Scan(&id, &payload, &created); err != nil {
			return nil, err
		}

		var msg session.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			in.logger.Warn().Err(err).Str("item_id", id).Msg("Skipping unreadable inbox item")
			continue
		}
		items = append(items, Item{
			ID:        id,
			SessionID: sessionID,
			Message:   msg,
			CreatedAt: time.Unix(0, created),
		})
	}
	return items, rows.Err()
}

func (in *SQLiteInbox) MarkDone(ctx context.Context, sessionID string, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := make([]interface{}, 0, len(itemIDs)+1)
	args = append(args, sessionID)
	for _, id := range itemIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		"DELETE FROM inbox_items WHERE session_id = ? AND id IN (%s)", placeholders)
	if _, err := in.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark items done: %w", err)
	}
	return nil
}

func (in *SQLiteInbox) SessionsWithPending(ctx context.Context) ([]string, error) {
	rows, err := in.db.QueryContext(ctx,
		"SELECT DISTINCT session_id FROM inbox_items ORDER BY session_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
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

func (in *SQLiteInbox) Subscribe(fn Notify) {
	in.mu.Lock()
	in.subs = append(in.subs, fn)
	in.mu.Unlock()
}

// Close releases the underlying database handle.
func (in *SQLiteInbox) Close() error {
	return in.db.Close()
}
