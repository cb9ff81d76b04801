package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
)

const fileDebounce = 200 * time.Millisecond

// FileInbox stores one JSON file per pending item under
// <root>/<session-id>/. External producers can drop files into a session's
// directory directly; a filesystem watcher turns those drops into
// notifications, so input written by another process still wakes the session.
type FileInbox struct {
	root   string
	logger zerolog.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu     sync.Mutex
	subs   []Notify
	timers map[string]*time.Timer
}

// NewFileInbox creates the root directory and starts the watcher.
func NewFileInbox(root string, logger zerolog.Logger) (*FileInbox, error) {
	if root == "" {
		return nil, errors.New("inbox root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch inbox root: %w", err)
	}

	in := &FileInbox{
		root:    root,
		logger:  logger.With().Str("component", "fileinbox").Logger(),
		watcher: watcher,
		stopCh:  make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}

	// Pick up session directories that already exist.
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(root, entry.Name()))
			}
		}
	}

	go in.run()
	return in, nil
}

func (in *FileInbox) run() {
	for {
		select {
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			in.handleEvent(event)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Error().Err(err).Msg("Inbox watcher error")
		case <-in.stopCh:
			return
		}
	}
}

func (in *FileInbox) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	rel, err := filepath.Rel(in.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// A new session directory appears: watch it for item drops.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := in.watcher.Add(event.Name); err != nil {
			in.logger.Warn().Err(err).Str("dir", rel).Msg("Failed to watch session inbox")
		}
		return
	}

	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	sessionID := filepath.Dir(rel)
	if sessionID == "." {
		return
	}

	in.logger.Debug().Str("session_id", sessionID).Str("file", filepath.Base(rel)).Msg("Inbox item detected")
	in.scheduleNotify(sessionID)
}

// scheduleNotify debounces per session so a burst of drops wakes it once.
func (in *FileInbox) scheduleNotify(sessionID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if timer, ok := in.timers[sessionID]; ok {
		timer.Stop()
	}
	in.timers[sessionID] = time.AfterFunc(fileDebounce, func() {
		in.mu.Lock()
		delete(in.timers, sessionID)
		subs := append([]Notify(nil), in.subs...)
		in.mu.Unlock()

		for _, fn := range subs {
			fn(sessionID)
		}
	})
}

func (in *FileInbox) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(in.root, sessionID), nil
}

func (in *FileInbox) Write(ctx context.Context, sessionID string, msg session.Message) (string, error) {
	dir, err := in.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session inbox: %w", err)
	}

	item := Item{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Message:   msg,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inbox item: %w", err)
	}

	// Nanosecond prefix keeps lexical order equal to arrival order.
	name := fmt.Sprintf("%020d-%s.json", item.CreatedAt.UnixNano(), item.ID)
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write inbox item: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit inbox item: %w", err)
	}

	// In-process writes notify directly; the watcher exists for files
	// dropped by external producers.
	in.scheduleNotify(sessionID)
	return item.ID, nil
}

func (in *FileInbox) Pending(ctx context.Context, sessionID string) ([]Item, error) {
	dir, err := in.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session inbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			in.logger.Warn().Err(err).Str("file", name).Msg("Failed to read inbox item")
			continue
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			in.logger.Warn().Err(err).Str("file", name).Msg("Malformed inbox item skipped")
			continue
		}
		if item.SessionID == "" {
			item.SessionID = sessionID
		}
		items = append(items, item)
	}
	return items, nil
}

func (in *FileInbox) MarkDone(ctx context.Context, sessionID string, itemIDs ...string) error {
	dir, err := in.sessionDir(sessionID)
	if err != nil {
		return err
	}

	done := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		done[id] = true
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session inbox: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		for id := range done {
			if strings.Contains(name, id) {
				if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to remove inbox item: %w", err)
				}
				break
			}
		}
	}
	return nil
}

func (in *FileInbox) SessionsWithPending(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(in.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		items, err := in.Pending(ctx, entry.Name())
		if err != nil {
			in.logger.Warn().Err(err).Str("session_id", entry.Name()).Msg("Failed to scan session inbox")
			continue
		}
		if len(items) > 0 {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (in *FileInbox) Subscribe(fn Notify) {
	in.mu.Lock()
	in.subs = append(in.subs, fn)
	in.mu.Unlock()
}

// Close stops the watcher. Pending items stay on disk.
func (in *FileInbox) Close() error {
	close(in.stopCh)
	return in.watcher.Close()
}
