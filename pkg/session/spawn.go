package session

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/stream"
)

// SpawnSpec describes a child session. The compiler is required and is the
// child's own behavior description; everything else is inherited from the
// parent unless set.
type SpawnSpec struct {
	Compiler Compiler

	// Input is the child's initial message. Optional: without it the child
	// starts with a plain render of its description.
	Input *Message

	// Overrides. Zero values inherit from the parent.
	Model    Model
	Tools    []ToolDefinition
	Executor ToolExecutor
	Runner   Runner
	MaxTicks int
}

// Spawn creates an isolated, ephemeral child session bound to its own
// behavior description and starts its execution. The child's context is
// invisible to the parent; only the final result crosses back through the
// returned handle. Children are never registered in the application-level
// registry and are torn down when their execution settles.
func (s *Session) Spawn(ctx context.Context, spec SpawnSpec) (*stream.Handle, error) {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	depth := s.depth
	s.mu.Unlock()

	if depth+1 > s.cfg.MaxSpawnDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds cap %d", ErrDepthExceeded, depth+1, s.cfg.MaxSpawnDepth)
	}
	if spec.Compiler == nil {
		return nil, ErrNoCompiler
	}

	childCfg := Config{
		Compiler:      spec.Compiler,
		Model:         s.cfg.Model,
		BaseTools:     s.cfg.BaseTools,
		Tools:         s.cfg.Tools,
		Executor:      s.cfg.Executor,
		Runner:        s.cfg.Runner,
		MaxTicks:      s.cfg.MaxTicks,
		MaxSpawnDepth: s.cfg.MaxSpawnDepth,
		Logger:        s.cfg.Logger,
	}
	if spec.Model != nil {
		childCfg.Model = spec.Model
	}
	if spec.Tools != nil {
		childCfg.Tools = spec.Tools
	}
	if spec.Executor != nil {
		childCfg.Executor = spec.Executor
	}
	if spec.Runner != nil {
		childCfg.Runner = spec.Runner
	}
	if spec.MaxTicks > 0 {
		childCfg.MaxTicks = spec.MaxTicks
	}

	child, err := New(childCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create child session: %w", err)
	}
	child.parent = s
	child.depth = depth + 1

	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		_ = child.Close(ctx)
		return nil, ErrSessionClosed
	}
	s.children[child.id] = child
	s.mu.Unlock()

	var h *stream.Handle
	if spec.Input != nil {
		h, err = child.Send(ctx, *spec.Input)
	} else {
		h, err = child.Render(ctx)
	}
	if err != nil {
		s.removeChild(child.id)
		_ = child.Close(ctx)
		return nil, fmt.Errorf("failed to start child execution: %w", err)
	}

	s.logger.Debug().
		Str("child_id", child.id).
		Int("depth", child.depth).
		Msg("Spawned child session")

	// The owning execution's completion handler tears the child down; the
	// parent's active-children entry is removed exactly once, by the
	// child's own finish path, when its execution settles.
	go func() {
		<-h.Done()
		_ = child.Close(context.Background())
	}()

	return h, nil
}
