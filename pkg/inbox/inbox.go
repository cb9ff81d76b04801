// Package inbox provides durable out-of-band input delivery: messages
// written for a session while it is evicted or offline are held as pending
// items until the application drains them into the session.
package inbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/session"
)

// Item is one pending message addressed to a session.
type Item struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notify is called when new input arrives for a session.
type Notify func(sessionID string)

// Inbox holds pending per-session input. Items stay pending until marked
// done, so a crash between drain and delivery never loses a message.
type Inbox interface {
	// Write appends a message for a session and returns the item id.
	Write(ctx context.Context, sessionID string, msg session.Message) (string, error)

	// Pending returns a session's undelivered items in arrival order.
	Pending(ctx context.Context, sessionID string) ([]Item, error)

	// MarkDone acknowledges delivered items.
	MarkDone(ctx context.Context, sessionID string, itemIDs ...string) error

	// SessionsWithPending returns ids of sessions with undelivered input.
	SessionsWithPending(ctx context.Context) ([]string, error)

	// Subscribe registers a notification callback for newly arrived input.
	Subscribe(fn Notify)
}

// MemoryInbox is the in-process inbox backend.
type MemoryInbox struct {
	mu    sync.Mutex
	items map[string][]Item
	subs  []Notify
}

// NewMemoryInbox creates an empty in-memory inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		items: make(map[string][]Item),
	}
}

func (in *MemoryInbox) Write(ctx context.Context, sessionID string, msg session.Message) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}

	item := Item{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Message:   msg,
		CreatedAt: time.Now(),
	}

	in.mu.Lock()
	in.items[sessionID] = append(in.items[sessionID], item)
	subs := append([]Notify(nil), in.subs...)
	in.mu.Unlock()

	for _, fn := range subs {
		fn(sessionID)
	}
	return item.ID, nil
}

func (in *MemoryInbox) Pending(ctx context.Context, sessionID string) ([]Item, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	items := append([]Item(nil), in.items[sessionID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (in *MemoryInbox) MarkDone(ctx context.Context, sessionID string, itemIDs ...string) error {
	done := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		done[id] = true
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	remaining := in.items[sessionID][:0]
	for _, item := range in.items[sessionID] {
		if !done[item.ID] {
			remaining = append(remaining, item)
		}
	}
	if len(remaining) == 0 {
		delete(in.items, sessionID)
	} else {
		in.items[sessionID] = remaining
	}
	return nil
}

func (in *MemoryInbox) SessionsWithPending(ctx context.Context) ([]string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	ids := make([]string, 0, len(in.items))
	for id, items := range in.items {
		if len(items) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (in *MemoryInbox) Subscribe(fn Notify) {
	in.mu.Lock()
	in.subs = append(in.subs, fn)
	in.mu.Unlock()
}
