package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
)

// EntryKind tags a timeline entry with its provenance.
type EntryKind string

const (
	EntryUserInput   EntryKind = "user_input"
	EntryModelOutput EntryKind = "model_output"
	EntryToolOutput  EntryKind = "tool_output"
	EntrySystem      EntryKind = "system"
)

// Message is a queued input message before it is committed to the timeline.
type Message struct {
	Role     string                 `json:"role"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is an immutable record of one conversational event.
type Entry struct {
	Kind        EntryKind              `json:"kind"`
	Role        string                 `json:"role,omitempty"`
	Content     string                 `json:"content,omitempty"`
	ToolCalls   []ToolCall             `json:"tool_calls,omitempty"`
	ToolResults []ToolResult           `json:"tool_results,omitempty"`
	Tick        int                    `json:"tick"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is one action requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ToolDefinition describes an executable tool offered to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Usage accumulates token and tick totals for a session.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	Ticks        int `json:"ticks"`
}

// Add folds one model call's token usage into the totals.
func (u *Usage) Add(in TokenUsage) {
	u.InputTokens += in.InputTokens
	u.OutputTokens += in.OutputTokens
	u.TotalTokens += in.InputTokens + in.OutputTokens
}

// TokenUsage is the token count of a single model call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// PromptMessage is one message of the structured context sent to the model.
type PromptMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ModelInput is the structured context for one model call: what the model
// actually sees. Produced by the Compiler, optionally rewritten by a Runner's
// TransformModelInput hook.
type ModelInput struct {
	Model       string          `json:"model,omitempty"`
	System      string          `json:"system,omitempty"`
	Messages    []PromptMessage `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// ModelOutput is the model's reply for one tick.
type ModelOutput struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      TokenUsage `json:"usage"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// Delta is one increment of a streaming model reply.
type Delta struct {
	Content string `json:"content"`
}

// Stop reasons for a finished execution.
const (
	StopCompleted = "completed"
	StopMaxTicks  = "max_ticks"
	StopRequested = "stop_requested"
)

// Result is the final outcome of one execution.
type Result struct {
	SessionID  string `json:"session_id"`
	TraceID    string `json:"trace_id"`
	Content    string `json:"content"`
	StopReason string `json:"stop_reason"`
	Ticks      int    `json:"ticks"`
	Usage      Usage  `json:"usage"`
}

// SnapshotVersion is the current persisted snapshot format version.
const SnapshotVersion = 1

// Snapshot is a serializable projection of a session at a point in time,
// sufficient to restore a session identical to the one that produced it.
type Snapshot struct {
	Version     int                    `json:"version"`
	SessionID   string                 `json:"session_id"`
	Tick        int                    `json:"tick"`
	Timeline    []Entry                `json:"timeline"`
	State       map[string]interface{} `json:"session_state,omitempty"`
	DataCache   map[string]interface{} `json:"data_cache,omitempty"`
	Usage       Usage                  `json:"usage"`
	LastSeq     uint64                 `json:"last_seq"`
	Timestamp   int64                  `json:"timestamp"`
	RunnerState json.RawMessage        `json:"runner_state,omitempty"`
}
