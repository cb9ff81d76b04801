package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/pkg/scheduler"
	"github.com/loomhq/loom/pkg/stream"
)

const (
	// DefaultMaxTicks bounds the number of compile/model/tool cycles per
	// execution.
	DefaultMaxTicks = 24

	// DefaultMaxSpawnDepth caps how deep child sessions may nest.
	DefaultMaxSpawnDepth = 10
)

// PersistFunc saves a snapshot. The session fires it after each successfully
// completed (non-aborted) execution; failures are logged and swallowed.
type PersistFunc func(ctx context.Context, snap *Snapshot) error

// Config holds session construction parameters.
type Config struct {
	// ID is optional; a nanoid is generated when empty.
	ID string

	// Compiler is required.
	Compiler Compiler

	// Model is the session-level default, used when the compiler does not
	// resolve one.
	Model Model

	// BaseTools are application-level tools, lowest merge precedence.
	BaseTools []ToolDefinition

	// Tools are session-level tools, overriding BaseTools on name collision.
	Tools []ToolDefinition

	// Executor runs tool calls. Optional; without one every requested tool
	// fails into the timeline as an errored result.
	Executor ToolExecutor

	// Runner is the optional per-tree strategy object.
	Runner Runner

	// Persist is the optional persistence trigger, wired by the registry.
	Persist PersistFunc

	MaxTicks      int
	MaxSpawnDepth int

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() error {
	if c.Compiler == nil {
		return ErrNoCompiler
	}
	if c.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate session id: %w", err)
		}
		c.ID = id
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = DefaultMaxTicks
	}
	if c.MaxSpawnDepth <= 0 {
		c.MaxSpawnDepth = DefaultMaxSpawnDepth
	}
	return nil
}

// Session owns one conversation: its timeline, queued input, usage totals and
// the tick loop that advances them.
type Session struct {
	id     string
	cfg    Config
	logger zerolog.Logger

	sched *scheduler.Scheduler
	seq   *stream.Sequencer

	// baseCtx is the session-level cancellation token, tripped by Close.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	status     Status
	tick       int
	aborted    bool
	timeline   []Entry
	queued     []Message
	state      map[string]interface{}
	dataCache  map[string]interface{}
	usage      Usage
	handle     *stream.Handle
	execCancel context.CancelFunc
	lastAccess time.Time

	parent   *Session
	depth    int
	children map[string]*Session
}

// New creates an idle session at tick 1.
func New(cfg Config) (*Session, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Session{
		id:         cfg.ID,
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "session").Str("session_id", cfg.ID).Logger(),
		seq:        stream.NewSequencer(0),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		status:     StatusIdle,
		tick:       1,
		state:      make(map[string]interface{}),
		dataCache:  make(map[string]interface{}),
		children:   make(map[string]*Session),
		lastAccess: time.Now(),
	}
	s.sched = s.newScheduler()

	if cfg.Runner != nil {
		if err := cfg.Runner.OnSessionInit(baseCtx, s); err != nil {
			baseCancel()
			return nil, fmt.Errorf("runner OnSessionInit failed: %w", err)
		}
	}

	return s, nil
}

// Restore reconstructs a session from a snapshot. The restored session
// resumes at the snapshot's tick with an identical timeline and usage totals;
// its event sequence continues after the snapshot's high-water mark so
// sequence numbers are never reused.
func Restore(cfg Config, snap *Snapshot) (*Session, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	if cfg.ID == "" {
		cfg.ID = snap.SessionID
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Session{
		id:         cfg.ID,
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "session").Str("session_id", cfg.ID).Logger(),
		seq:        stream.NewSequencer(snap.LastSeq),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		status:     StatusIdle,
		tick:       snap.Tick,
		timeline:   append([]Entry(nil), snap.Timeline...),
		state:      cloneMap(snap.State),
		dataCache:  cloneMap(snap.DataCache),
		usage:      snap.Usage,
		children:   make(map[string]*Session),
		lastAccess: time.Now(),
	}
	if s.tick < 1 {
		s.tick = 1
	}
	s.sched = s.newScheduler()

	if cfg.Runner != nil {
		if err := cfg.Runner.OnRestore(baseCtx, snap); err != nil {
			baseCancel()
			return nil, fmt.Errorf("runner OnRestore failed: %w", err)
		}
		if err := cfg.Runner.OnSessionInit(baseCtx, s); err != nil {
			baseCancel()
			return nil, fmt.Errorf("runner OnSessionInit failed: %w", err)
		}
	}

	return s, nil
}

func (s *Session) newScheduler() *scheduler.Scheduler {
	var reconcile func([]string)
	if r, ok := s.cfg.Compiler.(Reconciler); ok {
		reconcile = r.Reconcile
	}
	return scheduler.New(scheduler.Config{
		Reconcile: reconcile,
		Logger:    s.logger,
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tick returns the current tick number.
func (s *Session) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Depth returns the spawn depth; 0 for root sessions.
func (s *Session) Depth() int {
	return s.depth
}

// Parent returns the spawning session, or nil for roots.
func (s *Session) Parent() *Session {
	return s.parent
}

// Aborted reports whether the most recent execution was aborted.
func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Usage returns the accumulated usage totals.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Timeline returns a copy of the timeline.
func (s *Session) Timeline() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.timeline...)
}

// Handle returns the active execution handle, or nil when idle.
func (s *Session) Handle() *stream.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Scheduler exposes the session's reconciliation scheduler; the compiler's
// reactive state primitives notify it between ticks.
func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// ActiveChildren returns the ids of currently tracked child sessions.
func (s *Session) ActiveChildren() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	return ids
}

// LastAccess returns when the session was last triggered or touched.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// SetState sets a session-level key/value and notifies the scheduler.
func (s *Session) SetState(key string, value interface{}) error {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state[key] = value
	s.mu.Unlock()

	s.sched.Schedule("state:" + key)
	return nil
}

// State returns a session-level value.
func (s *Session) State(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok
}

// CachePut stores a value in the durable data cache.
func (s *Session) CachePut(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return ErrSessionClosed
	}
	s.dataCache[key] = value
	return nil
}

// CacheGet reads a value from the durable data cache.
func (s *Session) CacheGet(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.dataCache[key]
	return v, ok
}

// Snapshot captures the session's persistent state. The runner's OnPersist
// hook runs later, on the persistence path, not here.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	return &Snapshot{
		Version:   SnapshotVersion,
		SessionID: s.id,
		Tick:      s.tick,
		Timeline:  append([]Entry(nil), s.timeline...),
		State:     cloneMap(s.state),
		DataCache: cloneMap(s.dataCache),
		Usage:     s.usage,
		LastSeq:   s.seq.Last(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// ExecOptions carries per-execution overrides.
type ExecOptions struct {
	// Tools are merged over application- and session-level tools.
	Tools []ToolDefinition

	// Model overrides the session default for this execution.
	Model Model
}

// Send queues a message and starts an execution, or joins the in-flight one.
func (s *Session) Send(ctx context.Context, msg Message) (*stream.Handle, error) {
	return s.trigger(ctx, &msg, ExecOptions{})
}

// SendOpts is Send with per-execution overrides.
func (s *Session) SendOpts(ctx context.Context, msg Message, opts ExecOptions) (*stream.Handle, error) {
	return s.trigger(ctx, &msg, opts)
}

// Render starts an execution without new input, recompiling the current
// description, or joins the in-flight one.
func (s *Session) Render(ctx context.Context) (*stream.Handle, error) {
	return s.trigger(ctx, nil, ExecOptions{})
}

// Queue enqueues a message. Against an idle session this starts an
// execution; against a running one the message is picked up by the current
// tick or triggers an automatic resume when the execution finishes.
func (s *Session) Queue(ctx context.Context, msg Message) error {
	_, err := s.trigger(ctx, &msg, ExecOptions{})
	return err
}

// trigger is the single entry point into the running state. It implements
// the idempotent join: a trigger against a running session merges its
// cancellation into the in-flight execution and returns the existing handle.
func (s *Session) trigger(ctx context.Context, input *Message, opts ExecOptions) (*stream.Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.lastAccess = time.Now()

	if input != nil {
		s.queued = append(s.queued, *input)
	}

	if s.status == StatusRunning {
		h := s.handle
		s.mu.Unlock()
		s.mergeCancellation(ctx, h)
		return h, nil
	}

	h := s.beginExecutionLocked(opts)
	s.mu.Unlock()

	s.mergeCancellation(ctx, h)
	return h, nil
}

// beginExecutionLocked transitions idle -> running and launches the tick
// loop. Caller holds s.mu.
func (s *Session) beginExecutionLocked(opts ExecOptions) *stream.Handle {
	traceID := tracing.NewTraceID()
	h := stream.NewHandle(traceID, s.logger)

	execCtx, execCancel := context.WithCancel(s.baseCtx)
	execCtx = tracing.WithTraceID(execCtx, traceID)
	execCtx = tracing.WithSessionID(execCtx, s.id)

	s.status = StatusRunning
	s.aborted = false
	s.handle = h
	s.execCancel = execCancel

	// Abort order matters: children first, then the terminal event, then
	// the cancellation token.
	h.OnAbort(func(reason string) {
		s.abortChildren(reason)

		s.mu.Lock()
		s.aborted = true
		tick := s.tick
		s.mu.Unlock()

		s.publish(h, stream.KindExecutionEnd, tick, map[string]interface{}{
			"status": string(stream.StatusAborted),
			"reason": reason,
		})
		execCancel()
	})

	go s.runLoop(execCtx, h, opts)
	return h
}

// mergeCancellation attaches a caller-supplied token to an in-flight
// execution: if the token trips before the execution settles, the execution
// aborts.
func (s *Session) mergeCancellation(ctx context.Context, h *stream.Handle) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			h.Abort(fmt.Sprintf("caller context: %v", context.Cause(ctx)))
		case <-h.Done():
		}
	}()
}

// Abort cancels the in-flight execution, recursively aborting all active
// children first. Idle sessions are unaffected.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	h := s.handle
	children := s.childrenLocked()
	s.mu.Unlock()

	for _, child := range children {
		child.Abort(reason)
	}
	if h != nil {
		h.Abort(reason)
	}
}

func (s *Session) abortChildren(reason string) {
	s.mu.Lock()
	children := s.childrenLocked()
	s.mu.Unlock()

	for _, child := range children {
		child.Abort(reason)
	}
}

func (s *Session) childrenLocked() []*Session {
	out := make([]*Session, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// Close terminates the session: children close first, then the in-flight
// execution aborts, the runner is destroyed and the session-level token
// trips. All subsequent operations fail with ErrSessionClosed. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusClosed
	h := s.handle
	children := s.childrenLocked()
	s.mu.Unlock()

	for _, child := range children {
		if err := child.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("child_id", child.ID()).Msg("Child close failed")
		}
	}

	if h != nil {
		h.Abort("session closed")
	}

	if s.cfg.Runner != nil {
		if err := s.cfg.Runner.OnDestroy(ctx, s); err != nil {
			s.logger.Warn().Err(err).Msg("Runner OnDestroy failed")
		}
	}

	s.baseCancel()
	s.logger.Debug().Msg("Session closed")
	return nil
}

func (s *Session) removeChild(id string) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
}

func (s *Session) publish(h *stream.Handle, kind stream.Kind, tick int, data map[string]interface{}) {
	h.Publish(stream.Event{
		Kind:      kind,
		Seq:       s.seq.Next(),
		SessionID: s.id,
		Tick:      tick,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
