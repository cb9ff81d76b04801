// Package session implements the conversation execution engine: a per-session
// tick state machine that repeatedly compiles the accumulated timeline into a
// structured model input, calls the model, executes requested tools and
// ingests the results, until a stop is reached.
//
// Invariants:
// - Exactly one tick loop is ever active per session; concurrent triggers
//   against a running session join the in-flight execution handle.
// - The timeline is append-only and is the single source of truth; per tick,
//   entries land in the order user input, model output, tool results.
// - Tool calls execute strictly sequentially within a tick, in request order.
// - Abort and close propagate top-down through spawned children, never up.
//
// Usage:
//
//	sess, _ := session.New(session.Config{
//		Compiler: myCompiler,
//		Model:    myModel,
//		Executor: myExecutor,
//	})
//	handle, _ := sess.Send(ctx, session.Message{Role: "user", Content: "hello"})
//	result, _ := handle.Wait(ctx)
//	_ = result
package session
