package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithSessionID(ctx, "sess-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "exec-1", GetExecutionID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "sess-1", tc.SessionID)
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetExecutionID(ctx))
	assert.Empty(t, GetSessionID(ctx))
}

func TestNewExecutionContext(t *testing.T) {
	ctx := NewExecutionContext(context.Background(), "sess-1")

	require.NotEmpty(t, GetTraceID(ctx))
	require.NotEmpty(t, GetExecutionID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))

	// Child executions keep the parent trace ID but get a fresh execution ID.
	child := NewExecutionContext(ctx, "sess-2")
	assert.Equal(t, GetTraceID(ctx), GetTraceID(child))
	assert.NotEqual(t, GetExecutionID(ctx), GetExecutionID(child))
	assert.Equal(t, "sess-2", GetSessionID(child))
}
