package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/pkg/session"
)

// PendingApproval is one tool call waiting for a decision.
type PendingApproval struct {
	ID        string           `json:"id"`
	Call      session.ToolCall `json:"call"`
	CreatedAt time.Time        `json:"created_at"`
}

type decision struct {
	approved bool
	reason   string
}

// ApprovalBroker parks approval-flagged tool calls until an out-of-band
// decision arrives. Request blocks the calling tick; Resolve is called from
// whatever surface the operator answers on.
type ApprovalBroker struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan decision
	meta    map[string]PendingApproval
}

// NewApprovalBroker creates a broker with the given decision timeout.
func NewApprovalBroker(timeout time.Duration, logger zerolog.Logger) *ApprovalBroker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ApprovalBroker{
		timeout: timeout,
		logger:  logger.With().Str("component", "approvals").Logger(),
		pending: make(map[string]chan decision),
		meta:    make(map[string]PendingApproval),
	}
}

// Request registers the call and blocks until Resolve, timeout or ctx cancel.
func (b *ApprovalBroker) Request(ctx context.Context, call session.ToolCall) (bool, string, error) {
	id := uuid.NewString()
	ch := make(chan decision, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.meta[id] = PendingApproval{ID: id, Call: call, CreatedAt: time.Now()}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		delete(b.meta, id)
		b.mu.Unlock()
	}()

	b.logger.Info().
		Str("approval_id", id).
		Str("tool", call.Name).
		Msg("Approval requested")

	select {
	case d := <-ch:
		return d.approved, d.reason, nil
	case <-time.After(b.timeout):
		return false, "", fmt.Errorf("approval timed out after %v", b.timeout)
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Resolve answers a pending approval. Unknown ids return an error; double
// resolution of the same id is rejected the same way.
func (b *ApprovalBroker) Resolve(id string, approved bool, reason string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval %s", id)
	}

	ch <- decision{approved: approved, reason: reason}
	b.logger.Info().
		Str("approval_id", id).
		Bool("approved", approved).
		Msg("Approval resolved")
	return nil
}

// Pending lists calls awaiting a decision.
func (b *ApprovalBroker) Pending() []PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingApproval, 0, len(b.meta))
	for _, p := range b.meta {
		out = append(out, p)
	}
	return out
}
