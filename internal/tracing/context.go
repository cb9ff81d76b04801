package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ExecutionIDKey is the context key for execution ID
	ExecutionIDKey ContextKey = "execution_id"
	// SessionIDKey is the context key for session ID
	SessionIDKey ContextKey = "session_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	ExecutionID string
	SessionID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewExecutionID generates a new execution ID
func NewExecutionID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithExecutionID adds an execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetExecutionID retrieves the execution ID from the context
func GetExecutionID(ctx context.Context) string {
	if executionID, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return executionID
	}
	return ""
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		ExecutionID: GetExecutionID(ctx),
		SessionID:   GetSessionID(ctx),
	}
}

// NewExecutionContext creates a context carrying a fresh trace and execution ID.
// The parent's trace ID is kept when present so spawned child executions stay
// correlated with the execution that created them.
func NewExecutionContext(ctx context.Context, sessionID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, traceID)
	ctx = WithExecutionID(ctx, NewExecutionID())
	return WithSessionID(ctx, sessionID)
}
