package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/session"
)

func echoDef() session.ToolDefinition {
	return session.ToolDefinition{
		Name:        "echo",
		Description: "repeats its input",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
}

func echoHandler(ctx context.Context, args map[string]interface{}) (string, error) {
	text, _ := args["text"].(string)
	return text, nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(echoDef(), echoHandler))

	result, err := r.Execute(context.Background(), session.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "hello"},
	}, echoDef())
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "c1", result.CallID)
	assert.Equal(t, "echo", result.Name)
}

func TestRegistry_RejectsInvalidArguments(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(echoDef(), echoHandler))

	cases := []map[string]interface{}{
		nil,
		{"text": 42},
		{"text": "ok", "extra": true},
	}
	for _, args := range cases {
		_, err := r.Execute(context.Background(), session.ToolCall{Name: "echo", Arguments: args}, echoDef())
		assert.Error(t, err, "args %v", args)
	}
}

func TestRegistry_RejectsMalformedSchemaAtRegistration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	def := session.ToolDefinition{
		Name:        "bad",
		InputSchema: map[string]interface{}{"type": 12345},
	}
	err := r.Register(def, echoHandler)
	assert.Error(t, err)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(echoDef(), echoHandler))
	err := r.Register(echoDef(), echoHandler)
	assert.Error(t, err)
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	boom := errors.New("disk full")
	require.NoError(t, r.Register(session.ToolDefinition{Name: "fail"}, func(context.Context, map[string]interface{}) (string, error) {
		return "", boom
	}))

	_, err := r.Execute(context.Background(), session.ToolCall{Name: "fail"}, session.ToolDefinition{Name: "fail"})
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithTimeout(20*time.Millisecond))
	require.NoError(t, r.Register(session.ToolDefinition{Name: "slow"}, func(ctx context.Context, _ map[string]interface{}) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	_, err := r.Execute(context.Background(), session.ToolCall{Name: "slow"}, session.ToolDefinition{Name: "slow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRegistry_UnknownHandler(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Execute(context.Background(), session.ToolCall{Name: "ghost"}, session.ToolDefinition{Name: "ghost"})
	assert.Error(t, err)
}

func TestRegistry_ConcurrentExecuteAndRequireApproval(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Register(echoDef(), echoHandler))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			// Once the flag lands, Execute errors (no broker configured);
			// either way the flag read must not race the flag write.
			_, _ = r.Execute(context.Background(), session.ToolCall{
				ID:        "c1",
				Name:      "echo",
				Arguments: map[string]interface{}{"text": "hi"},
			}, echoDef())
		}
	}()

	require.NoError(t, r.RequireApproval("echo"))
	<-done

	_, err := r.Execute(context.Background(), session.ToolCall{
		ID:        "c2",
		Name:      "echo",
		Arguments: map[string]interface{}{"text": "hi"},
	}, echoDef())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires approval")
}

func TestApproval_GateAllowsAndDenies(t *testing.T) {
	broker := NewApprovalBroker(time.Second, zerolog.Nop())
	r := NewRegistry(zerolog.Nop(), WithApprovalBroker(broker))
	require.NoError(t, r.Register(session.ToolDefinition{Name: "deploy"}, func(context.Context, map[string]interface{}) (string, error) {
		return "deployed", nil
	}))
	require.NoError(t, r.RequireApproval("deploy"))

	type outcome struct {
		result session.ToolResult
		err    error
	}
	run := func() chan outcome {
		ch := make(chan outcome, 1)
		go func() {
			result, err := r.Execute(context.Background(), session.ToolCall{Name: "deploy"}, session.ToolDefinition{Name: "deploy"})
			ch <- outcome{result, err}
		}()
		return ch
	}

	// Approved path.
	done := run()
	var pending []PendingApproval
	require.Eventually(t, func() bool {
		pending = broker.Pending()
		return len(pending) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, broker.Resolve(pending[0].ID, true, "looks fine"))
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "deployed", out.result.Output)

	// Denied path.
	done = run()
	require.Eventually(t, func() bool {
		pending = broker.Pending()
		return len(pending) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, broker.Resolve(pending[0].ID, false, "not now"))
	out = <-done
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "denied")
}

func TestApproval_ResolveUnknownID(t *testing.T) {
	broker := NewApprovalBroker(time.Second, zerolog.Nop())
	assert.Error(t, broker.Resolve("nope", true, ""))
}

func TestApproval_CallerCancelUnblocks(t *testing.T) {
	broker := NewApprovalBroker(time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := broker.Request(ctx, session.ToolCall{Name: "deploy"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(broker.Pending()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("request did not unblock on cancel")
	}
}
