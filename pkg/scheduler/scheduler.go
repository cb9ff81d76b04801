// Package scheduler batches state-change notifications into single
// reconciliation passes.
//
// Invariants:
// - Notifications arriving before a pass runs are coalesced into one pass.
// - While a tick owns reconciliation (EnterTick/ExitTick) no pass runs on its own.
// - Flush is idempotent and safe to call to force synchronous settling.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State describes what the scheduler is currently doing.
type State string

const (
	StateIdle        State = "idle"
	StatePending     State = "pending"
	StateInTick      State = "in_tick"
	StateReconciling State = "reconciling"
)

// Pass records one completed reconciliation pass.
type Pass struct {
	Number   uint64
	Reasons  []string
	Duration time.Duration
	MidTick  bool
	At       time.Time
}

// Config holds scheduler configuration.
type Config struct {
	// Reconcile is invoked once per pass with the coalesced reasons.
	Reconcile func(reasons []string)
	Logger    zerolog.Logger
}

// Scheduler coalesces state-change notifications between ticks.
type Scheduler struct {
	mu        sync.Mutex
	pending   bool
	queued    bool
	inTick    bool
	flushing  bool
	reasons   []string
	passCount uint64
	lastPass  Pass
	reconcile func(reasons []string)
	logger    zerolog.Logger
}

// New creates a scheduler. Reconcile may be nil, in which case passes only
// update the pass statistics.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		reconcile: cfg.Reconcile,
		logger:    cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Schedule marks reconciliation work as pending. Unless a tick currently owns
// reconciliation, a deferred flush is enqueued; repeated calls before the
// flush runs are coalesced and their reasons collected.
func (s *Scheduler) Schedule(reason string) {
	s.mu.Lock()
	s.pending = true
	s.reasons = append(s.reasons, reason)

	if s.inTick || s.queued || s.flushing {
		s.mu.Unlock()
		return
	}

	s.queued = true
	s.mu.Unlock()

	go s.Flush()
}

// EnterTick marks the start of a tick's compile phase. While inside, the tick
// loop performs reconciliation itself and the scheduler defers.
func (s *Scheduler) EnterTick() {
	s.mu.Lock()
	s.inTick = true
	s.mu.Unlock()
}

// ExitTick marks the end of a tick's compile phase. If work is still pending
// a deferred flush is scheduled.
func (s *Scheduler) ExitTick() {
	s.mu.Lock()
	s.inTick = false
	pending := s.pending
	queue := pending && !s.queued && !s.flushing
	if queue {
		s.queued = true
	}
	s.mu.Unlock()

	if queue {
		go s.Flush()
	}
}

// Flush runs a reconciliation pass synchronously if work is pending. It is
// idempotent: with nothing pending it returns immediately.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.queued = false
	if !s.pending || s.flushing {
		s.mu.Unlock()
		return
	}
	midTick := s.inTick
	s.pending = false
	s.flushing = true
	reasons := s.reasons
	s.reasons = nil
	s.mu.Unlock()

	start := time.Now()
	if s.reconcile != nil {
		s.reconcile(reasons)
	}
	duration := time.Since(start)

	s.mu.Lock()
	s.passCount++
	s.lastPass = Pass{
		Number:   s.passCount,
		Reasons:  reasons,
		Duration: duration,
		MidTick:  midTick,
		At:       start,
	}
	s.flushing = false
	requeue := s.pending && !s.inTick && !s.queued
	if requeue {
		s.queued = true
	}
	s.mu.Unlock()

	s.logger.Debug().
		Strs("reasons", reasons).
		Dur("duration", duration).
		Bool("mid_tick", midTick).
		Msg("Reconciliation pass completed")

	// Work scheduled while the pass ran gets its own pass.
	if requeue {
		go s.Flush()
	}
}

// State reports the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.flushing:
		return StateReconciling
	case s.inTick:
		return StateInTick
	case s.pending:
		return StatePending
	default:
		return StateIdle
	}
}

// Pending reports whether work is waiting for a pass.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Passes returns the number of completed passes.
func (s *Scheduler) Passes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passCount
}

// LastPass returns the most recently completed pass, if any.
func (s *Scheduler) LastPass() (Pass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passCount == 0 {
		return Pass{}, false
	}
	return s.lastPass, true
}
