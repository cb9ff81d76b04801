package session

import "context"

// CompileRequest is the input to one compile pass.
type CompileRequest struct {
	SessionID string
	Tick      int
	Timeline  []Entry
	Queued    []Message
}

// Compiled is the output of one compile pass: the structured context for the
// model plus the tools and model the description resolved for this tick. A
// compiler may instead signal an explicit stop, in which case no model call
// is made for the tick.
type Compiled struct {
	Input      *ModelInput
	Tools      []ToolDefinition
	Model      Model
	Stop       bool
	StopReason string
}

// Compiler turns (timeline, queued input, tick number) into a structured
// context. Any mechanism that can do so deterministically satisfies it.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest) (*Compiled, error)
}

// TimelineSink is an optional Compiler extension: after ingest the session
// commits the tick's new entries back into the compiler's working context.
type TimelineSink interface {
	Append(ctx context.Context, entries []Entry) error
}

// ExecutionObserver is an optional Compiler extension notified when an
// execution ends, regardless of outcome.
type ExecutionObserver interface {
	ExecutionEnd(ctx context.Context, sessionID string)
}

// Reconciler is an optional Compiler extension: when implemented, batched
// state-change notifications settle through it between ticks.
type Reconciler interface {
	Reconcile(reasons []string)
}

// Model is the external reasoning model. A model that returns an error is
// surfaced as an execution error; the core imposes no retry policy.
type Model interface {
	Name() string
	Generate(ctx context.Context, input *ModelInput) (*ModelOutput, error)
}

// StreamingModel is an optional Model extension delivering incremental
// deltas before the final output.
type StreamingModel interface {
	Model
	Stream(ctx context.Context, input *ModelInput, onDelta func(Delta)) (*ModelOutput, error)
}

// ToolExecutor resolves and runs one tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall, def ToolDefinition) (ToolResult, error)
}

// ToolInvoker is the continuation handed to a Runner's ExecuteToolCall hook;
// calling it performs normal tool execution.
type ToolInvoker func(ctx context.Context, call ToolCall, def ToolDefinition) (ToolResult, error)

// Runner is an optional strategy object intercepting session lifecycle,
// model-input shaping, tool dispatch and persistence. At most one Runner
// exists per session tree; children inherit it unless overridden at spawn.
// Embed NoopRunner to implement only the hooks you need.
type Runner interface {
	// OnSessionInit runs when a session is created or restored.
	OnSessionInit(ctx context.Context, sess *Session) error

	// OnDestroy runs when a session closes.
	OnDestroy(ctx context.Context, sess *Session) error

	// TransformModelInput may rewrite the structured context before the
	// model sees it.
	TransformModelInput(ctx context.Context, in *ModelInput) (*ModelInput, error)

	// ExecuteToolCall wraps tool execution. It may call invoke for normal
	// execution or substitute its own result without invoking it.
	ExecuteToolCall(ctx context.Context, call ToolCall, def ToolDefinition, invoke ToolInvoker) (ToolResult, error)

	// OnPersist may attach runner-private state to an outgoing snapshot.
	OnPersist(ctx context.Context, snap *Snapshot) error

	// OnRestore may recover runner-private state from an incoming snapshot.
	OnRestore(ctx context.Context, snap *Snapshot) error
}

// NoopRunner implements Runner with pass-through behavior for every hook.
type NoopRunner struct{}

func (NoopRunner) OnSessionInit(ctx context.Context, sess *Session) error { return nil }
func (NoopRunner) OnDestroy(ctx context.Context, sess *Session) error     { return nil }

func (NoopRunner) TransformModelInput(ctx context.Context, in *ModelInput) (*ModelInput, error) {
	return in, nil
}

func (NoopRunner) ExecuteToolCall(ctx context.Context, call ToolCall, def ToolDefinition, invoke ToolInvoker) (ToolResult, error) {
	return invoke(ctx, call, def)
}

func (NoopRunner) OnPersist(ctx context.Context, snap *Snapshot) error { return nil }
func (NoopRunner) OnRestore(ctx context.Context, snap *Snapshot) error { return nil }
