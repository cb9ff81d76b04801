package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/pkg/stream"
)

// runLoop drives one execution: compile -> model -> tools -> ingest, tick by
// tick, until a stop condition, a fatal error or an abort.
func (s *Session) runLoop(ctx context.Context, h *stream.Handle, opts ExecOptions) {
	ctx, span := tracing.StartSpan(
		ctx,
		"loom.session",
		"session.execute",
		attribute.String("session_id", s.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.publish(h, stream.KindExecutionStart, s.Tick(), map[string]interface{}{
		"trace_id": h.TraceID(),
	})

	var (
		lastContent string
		stopReason  = StopCompleted
		runErr      error
	)

	for execTick := 1; ; execTick++ {
		if ctx.Err() != nil {
			break
		}
		// The bound is per execution; the session tick number keeps
		// counting across executions and restores.
		if execTick > s.cfg.MaxTicks {
			stopReason = StopMaxTicks
			break
		}

		tickStop, tickContent, err := s.runTick(ctx, h, opts, logger)
		if err != nil {
			runErr = err
			break
		}
		if tickContent != "" {
			lastContent = tickContent
		}
		if tickStop != "" {
			stopReason = tickStop
			break
		}
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	s.finish(ctx, h, lastContent, stopReason, runErr, opts, logger)
}

// runTick performs one compile/model/tools/ingest cycle. A non-empty stop
// reason ends the loop normally; an error ends it fatally. Cancellation
// surfaces through ctx, never through the error return.
func (s *Session) runTick(ctx context.Context, h *stream.Handle, opts ExecOptions, logger zerolog.Logger) (stopReason, content string, err error) {
	s.mu.Lock()
	tick := s.tick
	consumed := s.queued
	s.queued = nil
	timeline := append([]Entry(nil), s.timeline...)
	s.mu.Unlock()

	s.publish(h, stream.KindTickStart, tick, map[string]interface{}{
		"queued_messages": len(consumed),
	})

	// Compile. The tick owns reconciliation for its duration.
	s.sched.EnterTick()
	compiled, compileErr := s.cfg.Compiler.Compile(ctx, CompileRequest{
		SessionID: s.id,
		Tick:      tick,
		Timeline:  timeline,
		Queued:    consumed,
	})
	s.sched.ExitTick()
	if compileErr != nil {
		if ctx.Err() != nil {
			return "", "", nil
		}
		return "", "", fmt.Errorf("compile failed at tick %d: %w", tick, compileErr)
	}

	if compiled.Stop {
		// Explicit compiler stop: no model call this tick. Consumed user
		// input still lands on the timeline.
		s.ingest(ctx, h, tick, consumed, nil, nil, logger)
		reason := compiled.StopReason
		if reason == "" {
			reason = StopRequested
		}
		return reason, "", nil
	}

	tools := mergeTools(s.cfg.BaseTools, s.cfg.Tools, opts.Tools, compiled.Tools)

	model := compiled.Model
	if model == nil {
		model = opts.Model
	}
	if model == nil {
		model = s.cfg.Model
	}
	if model == nil {
		return "", "", fmt.Errorf("tick %d: %w", tick, ErrNoModel)
	}

	input := compiled.Input
	if input == nil {
		input = &ModelInput{}
	}
	if len(input.Tools) == 0 {
		input.Tools = toolList(tools)
	}
	if input.Model == "" {
		input.Model = model.Name()
	}

	if s.cfg.Runner != nil {
		input, err = s.cfg.Runner.TransformModelInput(ctx, input)
		if err != nil {
			return "", "", fmt.Errorf("runner TransformModelInput failed: %w", err)
		}
	}

	s.publish(h, stream.KindModelRequest, tick, map[string]interface{}{
		"model":    input.Model,
		"messages": len(input.Messages),
		"tools":    len(input.Tools),
	})

	output, modelErr := s.callModel(ctx, model, input)
	if modelErr != nil {
		if ctx.Err() != nil {
			return "", "", nil
		}
		// A model error is fatal to the execution but not to the session.
		return "", "", fmt.Errorf("model call failed at tick %d: %w", tick, modelErr)
	}

	s.mu.Lock()
	s.usage.Add(output.Usage)
	s.mu.Unlock()

	s.publish(h, stream.KindModelResponse, tick, map[string]interface{}{
		"stop_reason":   output.StopReason,
		"tool_calls":    len(output.ToolCalls),
		"input_tokens":  output.Usage.InputTokens,
		"output_tokens": output.Usage.OutputTokens,
	})

	results := s.executeTools(ctx, h, tick, output.ToolCalls, tools, logger)

	s.ingest(ctx, h, tick, consumed, output, results, logger)

	s.mu.Lock()
	s.tick++
	s.usage.Ticks++
	newlyQueued := len(s.queued) > 0
	s.mu.Unlock()

	s.publish(h, stream.KindTickEnd, tick, map[string]interface{}{
		"continue": len(output.ToolCalls) > 0 || newlyQueued,
	})

	if len(output.ToolCalls) == 0 && !newlyQueued {
		return StopCompleted, output.Content, nil
	}
	return "", output.Content, nil
}

func (s *Session) callModel(ctx context.Context, model Model, input *ModelInput) (*ModelOutput, error) {
	if sm, ok := model.(StreamingModel); ok {
		return sm.Stream(ctx, input, func(Delta) {})
	}
	return model.Generate(ctx, input)
}

// executeTools runs requested tool calls strictly sequentially, in the order
// requested. Per-call failures become errored results fed back into the
// timeline; they never end the execution.
func (s *Session) executeTools(ctx context.Context, h *stream.Handle, tick int, calls []ToolCall, tools map[string]ToolDefinition, logger zerolog.Logger) []ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			break
		}

		s.publish(h, stream.KindToolCall, tick, map[string]interface{}{
			"call_id": call.ID,
			"name":    call.Name,
		})

		result := s.executeTool(ctx, call, tools)
		if result.Error != "" {
			logger.Warn().
				Str("tool", call.Name).
				Str("error", result.Error).
				Msg("Tool call failed")
		}

		s.publish(h, stream.KindToolResult, tick, map[string]interface{}{
			"call_id": call.ID,
			"name":    call.Name,
			"failed":  result.Error != "",
		})

		results = append(results, result)
	}
	return results
}

func (s *Session) executeTool(ctx context.Context, call ToolCall, tools map[string]ToolDefinition) ToolResult {
	def, ok := tools[call.Name]
	if !ok {
		return ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Error:  fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name),
		}
	}

	invoke := ToolInvoker(func(ctx context.Context, call ToolCall, def ToolDefinition) (ToolResult, error) {
		if s.cfg.Executor == nil {
			return ToolResult{}, fmt.Errorf("no tool executor configured")
		}
		return s.cfg.Executor.Execute(ctx, call, def)
	})

	var (
		result ToolResult
		err    error
	)
	if s.cfg.Runner != nil {
		result, err = s.cfg.Runner.ExecuteToolCall(ctx, call, def, invoke)
	} else {
		result, err = invoke(ctx, call, def)
	}
	if err != nil {
		return ToolResult{CallID: call.ID, Name: call.Name, Error: err.Error()}
	}

	if result.CallID == "" {
		result.CallID = call.ID
	}
	if result.Name == "" {
		result.Name = call.Name
	}
	return result
}

// ingest appends the tick's new entries in fixed order: queued user entries,
// then model output, then the tool-result bundle. Entries land on the
// session's durable timeline and, when supported, in the compiler's working
// context.
func (s *Session) ingest(ctx context.Context, h *stream.Handle, tick int, consumed []Message, output *ModelOutput, results []ToolResult, logger zerolog.Logger) {
	now := time.Now()
	entries := make([]Entry, 0, len(consumed)+2)

	for _, msg := range consumed {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		entries = append(entries, Entry{
			Kind:      EntryUserInput,
			Role:      role,
			Content:   msg.Content,
			Tick:      tick,
			Timestamp: now,
			Metadata:  msg.Metadata,
		})
	}

	if output != nil {
		entries = append(entries, Entry{
			Kind:      EntryModelOutput,
			Role:      "assistant",
			Content:   output.Content,
			ToolCalls: output.ToolCalls,
			Tick:      tick,
			Timestamp: now,
		})
	}

	if len(results) > 0 {
		entries = append(entries, Entry{
			Kind:        EntryToolOutput,
			ToolResults: results,
			Tick:        tick,
			Timestamp:   now,
		})
	}

	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	s.timeline = append(s.timeline, entries...)
	s.mu.Unlock()

	if sink, ok := s.cfg.Compiler.(TimelineSink); ok {
		if err := sink.Append(ctx, entries); err != nil {
			logger.Warn().Err(err).Msg("Compiler timeline append failed")
		}
	}
}

// finish runs the loop-exit sequence: clear residual input, notify the
// compiler, emit the terminal event, persist, settle the handle, return to
// idle and auto-resume when input arrived during the run.
func (s *Session) finish(ctx context.Context, h *stream.Handle, lastContent, stopReason string, runErr error, opts ExecOptions, logger zerolog.Logger) {
	aborted := h.Status() == stream.StatusAborted

	s.mu.Lock()
	if aborted || runErr != nil {
		// Residual buffer of a failed or aborted run is dropped.
		s.queued = nil
	}
	resume := !aborted && runErr == nil && s.status == StatusRunning && len(s.queued) > 0
	if s.status == StatusRunning {
		s.status = StatusIdle
	}
	s.handle = nil
	s.execCancel = nil
	tick := s.tick
	usage := s.usage
	s.mu.Unlock()

	if obs, ok := s.cfg.Compiler.(ExecutionObserver); ok {
		obs.ExecutionEnd(ctx, s.id)
	}

	status := stream.StatusCompleted
	switch {
	case aborted:
		status = stream.StatusAborted
	case runErr != nil:
		status = stream.StatusError
	}

	// On abort this publish is a no-op: the terminal event was already
	// delivered before the sequence closed.
	s.publish(h, stream.KindExecutionEnd, tick, map[string]interface{}{
		"status":      string(status),
		"stop_reason": stopReason,
	})

	if !aborted && s.cfg.Persist != nil {
		s.persistAsync(logger)
	}

	switch {
	case aborted:
		// Handle settled inside Abort.
	case runErr != nil:
		logger.Error().Err(runErr).Msg("Execution failed")
		h.Fail(runErr)
	default:
		h.Complete(&Result{
			SessionID:  s.id,
			TraceID:    h.TraceID(),
			Content:    lastContent,
			StopReason: stopReason,
			Ticks:      usage.Ticks,
			Usage:      usage,
		})
	}

	if s.parent != nil {
		s.parent.removeChild(s.id)
	}

	logger.Debug().
		Str("status", string(status)).
		Str("stop_reason", stopReason).
		Int("tick", tick).
		Msg("Execution finished")

	if resume {
		s.mu.Lock()
		if s.status == StatusIdle && len(s.queued) > 0 {
			logger.Debug().Int("queued", len(s.queued)).Msg("Auto-resuming with queued input")
			s.beginExecutionLocked(opts)
		}
		s.mu.Unlock()
	}
}

// persistAsync saves a snapshot fire-and-forget. The runner's OnPersist hook
// runs first so runner-private state rides along; all failures here are
// logged and swallowed.
func (s *Session) persistAsync(logger zerolog.Logger) {
	snap := s.Snapshot()
	go func() {
		ctx := context.Background()
		if s.cfg.Runner != nil {
			if err := s.cfg.Runner.OnPersist(ctx, snap); err != nil {
				logger.Warn().Err(err).Msg("Runner OnPersist failed")
			}
		}
		if err := s.cfg.Persist(ctx, snap); err != nil {
			logger.Warn().Err(err).Msg("Snapshot save failed")
		}
	}()
}

func mergeTools(sets ...[]ToolDefinition) map[string]ToolDefinition {
	merged := make(map[string]ToolDefinition)
	for _, set := range sets {
		for _, def := range set {
			// Last writer wins on name collision.
			merged[def.Name] = def
		}
	}
	return merged
}

func toolList(tools map[string]ToolDefinition) []ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolDefinition, 0, len(tools))
	for _, def := range tools {
		out = append(out, def)
	}
	return out
}
