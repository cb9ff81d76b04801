// Package stream provides the execution handle and event streaming contract:
// typed, sequenced session events fanned out to independently cancelable
// consumers, plus the observable result of one tick-loop execution.
package stream

import (
	"sync/atomic"
	"time"
)

// Kind identifies the type of stream event.
type Kind string

const (
	KindExecutionStart Kind = "execution_start"
	KindExecutionEnd   Kind = "execution_end"
	KindTickStart      Kind = "tick_start"
	KindTickEnd        Kind = "tick_end"
	KindModelRequest   Kind = "model_request"
	KindModelResponse  Kind = "model_response"
	KindToolCall       Kind = "tool_call"
	KindToolResult     Kind = "tool_result"
)

// Event is an ordered, timestamped notification emitted by a session's tick
// loop. Seq is strictly monotonically increasing per session and is assigned
// by the owning session, never by the handle, so replay order stays
// well-defined across reconnects.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Seq       uint64                 `json:"seq"`
	SessionID string                 `json:"session_id"`
	Tick      int                    `json:"tick"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sequencer hands out strictly increasing sequence numbers for one session.
type Sequencer struct {
	n uint64
}

// NewSequencer creates a sequencer starting after last. Pass 0 for a fresh
// session; pass the persisted high-water mark when restoring so numbers are
// never reused across resumed executions.
func NewSequencer(last uint64) *Sequencer {
	return &Sequencer{n: last}
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return atomic.AddUint64(&s.n, 1)
}

// Last returns the most recently issued sequence number.
func (s *Sequencer) Last() uint64 {
	return atomic.LoadUint64(&s.n)
}
