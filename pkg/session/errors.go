package session

import "errors"

var (
	// ErrSessionClosed is returned by any operation on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrDepthExceeded is returned by Spawn when the spawn depth cap is hit.
	// The spawn attempt fails; the parent session is unaffected.
	ErrDepthExceeded = errors.New("spawn depth exceeded")

	// ErrNoModel is returned when a tick resolves no model to call.
	ErrNoModel = errors.New("no model resolved for tick")

	// ErrNoCompiler is returned by New when no compiler is configured.
	ErrNoCompiler = errors.New("compiler is required")

	// ErrToolNotFound marks a requested tool with no matching definition.
	// It is fed back into the timeline as a failed tool result, never fatal.
	ErrToolNotFound = errors.New("tool not found")
)
