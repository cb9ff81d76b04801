package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrAborted is returned by Handle.Wait when the execution was canceled.
// Cancellation is deliberately distinguishable from ordinary execution errors.
var ErrAborted = errors.New("execution aborted")

// Status describes an execution's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Handle is the observable result of one tick-loop execution: live status, a
// cancellation method, a final-result accessor and an ordered event stream.
// A session has at most one active handle at a time; concurrent triggers
// against a running session join the same handle.
type Handle struct {
	traceID string

	mu       sync.Mutex
	status   Status
	value    interface{}
	err      error
	reason   string
	done     chan struct{}
	abortFns []func(reason string)

	broadcaster *Broadcaster
}

// NewHandle creates a handle in the running state.
func NewHandle(traceID string, logger zerolog.Logger) *Handle {
	return &Handle{
		traceID:     traceID,
		status:      StatusRunning,
		done:        make(chan struct{}),
		broadcaster: NewBroadcaster(logger),
	}
}

// TraceID returns the execution's trace identifier.
func (h *Handle) TraceID() string {
	return h.traceID
}

// Status returns the live execution status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Subscribe attaches a new consumer to the execution's event stream.
func (h *Handle) Subscribe() *Subscription {
	return h.broadcaster.Subscribe()
}

// Publish delivers an event to all subscribers. Called by the owning session.
func (h *Handle) Publish(ev Event) {
	h.broadcaster.Publish(ev)
}

// OnAbort registers a function invoked when Abort is called. The owning
// session uses this to trip its cancellation token; idempotent-join callers
// use it to merge additional tokens into the in-flight execution.
func (h *Handle) OnAbort(fn func(reason string)) {
	h.mu.Lock()
	if h.status == StatusAborted {
		reason := h.reason
		h.mu.Unlock()
		fn(reason)
		return
	}
	h.abortFns = append(h.abortFns, fn)
	h.mu.Unlock()
}

// Abort cancels the execution: the registered abort functions fire with the
// given reason, then Wait rejects with ErrAborted and the event sequence
// closes. The abort functions run before done closes so cascades (child
// teardown, the terminal event) finish before any Wait caller resumes.
// Aborting a settled handle is a no-op.
func (h *Handle) Abort(reason string) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = StatusAborted
	h.reason = reason
	h.err = fmt.Errorf("%w: %s", ErrAborted, reason)
	fns := h.abortFns
	h.abortFns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
	close(h.done)
	h.broadcaster.Close()
}

// Complete settles the handle with a final value. No-op once terminal.
func (h *Handle) Complete(value interface{}) {
	h.settle(StatusCompleted, value, nil)
}

// Fail settles the handle with a fatal execution error. No-op once terminal.
func (h *Handle) Fail(err error) {
	h.settle(StatusError, nil, err)
}

func (h *Handle) settle(status Status, value interface{}, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.value = value
	h.err = err
	h.abortFns = nil
	close(h.done)
	h.mu.Unlock()

	h.broadcaster.Close()
}

// Done returns a channel closed when the execution settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// AbortReason returns the reason passed to Abort, if the handle was aborted.
func (h *Handle) AbortReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Wait blocks until the execution settles or ctx expires, returning the final
// result. An aborted execution returns an error satisfying
// errors.Is(err, ErrAborted).
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.err
}
