package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pkg/session"
)

// passCompiler forwards queued input straight to the model context.
type passCompiler struct{}

func (passCompiler) Compile(ctx context.Context, req session.CompileRequest) (*session.Compiled, error) {
	input := &session.ModelInput{System: "test"}
	for _, entry := range req.Timeline {
		if entry.Kind == session.EntryUserInput || entry.Kind == session.EntryModelOutput {
			input.Messages = append(input.Messages, session.PromptMessage{Role: entry.Role, Content: entry.Content})
		}
	}
	for _, msg := range req.Queued {
		input.Messages = append(input.Messages, session.PromptMessage{Role: msg.Role, Content: msg.Content})
	}
	return &session.Compiled{Input: input}, nil
}

// echoModel replies with the last user message.
type echoModel struct{}

func (echoModel) Name() string { return "echo" }

func (echoModel) Generate(ctx context.Context, input *session.ModelInput) (*session.ModelOutput, error) {
	last := ""
	for _, msg := range input.Messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	return &session.ModelOutput{Content: "echo: " + last, StopReason: "end_turn"}, nil
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(Options{
		Config:    cfg,
		Compilers: func(string) (session.Compiler, error) { return passCompiler{}, nil },
		Model:     echoModel{},
		Logger:    nopLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestApp_RequiresCompilerFactory(t *testing.T) {
	_, err := New(Options{Logger: nopLogger()})
	assert.Error(t, err)
}

func TestApp_BuildsRootLoggerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "warn"

	a, err := New(Options{
		Config:    cfg,
		Compilers: func(string) (session.Compiler, error) { return passCompiler{}, nil },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.Equal(t, zerolog.WarnLevel, a.logger.GetLevel())
}

func TestApp_SendRoundTrip(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	h, err := a.Send(ctx, "sess-1", session.Message{Role: "user", Content: "hello"})
	require.NoError(t, err)

	value, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", value.(*session.Result).Content)
	assert.Equal(t, []string{"sess-1"}, a.ActiveSessions())
}

func TestApp_DeliverDrainsIntoSession(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	_, err := a.Deliver(ctx, "sess-1", session.Message{Role: "user", Content: "offline input"})
	require.NoError(t, err)

	// The inbox notification opens the session and feeds it the message.
	require.Eventually(t, func() bool {
		s, ok := a.Get("sess-1")
		if !ok {
			return false
		}
		for _, entry := range s.Timeline() {
			if entry.Kind == session.EntryUserInput && entry.Content == "offline input" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApp_PersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.StoreBackend = "file"
	cfg.StorePath = dir

	ctx := context.Background()

	first := newTestApp(t, cfg)
	h, err := first.Send(ctx, "sess-1", session.Message{Role: "user", Content: "remember me"})
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Persist(ctx, "sess-1"))
	require.NoError(t, first.Shutdown(ctx))

	second := newTestApp(t, cfg)
	s, err := second.Resume(ctx, "sess-1")
	require.NoError(t, err)

	found := false
	for _, entry := range s.Timeline() {
		if entry.Kind == session.EntryUserInput && entry.Content == "remember me" {
			found = true
		}
	}
	assert.True(t, found, "timeline survives restart")
}

func TestApp_ResumeUnknownSession(t *testing.T) {
	a := newTestApp(t, nil)
	_, err := a.Resume(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestApp_DeleteSession(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.Open(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, a.DeleteSession(ctx, "sess-1"))
	assert.Empty(t, a.ActiveSessions())
	_, err = a.Resume(ctx, "sess-1")
	assert.Error(t, err)
}
