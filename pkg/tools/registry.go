// Package tools provides the default tool executor: a registry of named
// handlers with JSON-Schema argument validation, per-call timeouts and an
// optional human approval gate.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomhq/loom/pkg/session"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// Handler executes one tool call and returns its textual output.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

type registration struct {
	def              session.ToolDefinition
	handler          Handler
	schema           *gojsonschema.Schema
	requiresApproval bool
}

// Registry is the default session.ToolExecutor. Calls are validated against
// the tool's input schema before the handler runs; the session layer already
// serializes calls, so handlers never run concurrently within one session.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*registration
	approver *ApprovalBroker
	timeout  time.Duration
	logger   zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithApprovalBroker gates approval-flagged tools behind the broker.
func WithApprovalBroker(b *ApprovalBroker) Option {
	return func(r *Registry) { r.approver = b }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*registration),
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. The input schema is compiled here so a malformed
// schema fails registration, not a live tick.
func (r *Registry) Register(def session.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	var schema *gojsonschema.Schema
	if def.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid input schema for %s: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &registration{def: def, handler: handler, schema: schema}

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// RequireApproval flags a registered tool as needing approval before running.
func (r *Registry) RequireApproval(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}
	reg.requiresApproval = true
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Definitions returns all registered tool definitions, for handing to a
// session's tool configuration.
func (r *Registry) Definitions() []session.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]session.ToolDefinition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, reg.def)
	}
	return defs
}

// Execute implements session.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, call session.ToolCall, def session.ToolDefinition) (session.ToolResult, error) {
	r.mu.RLock()
	reg := r.tools[call.Name]
	approver := r.approver
	timeout := r.timeout
	needsApproval := reg != nil && reg.requiresApproval
	r.mu.RUnlock()

	if reg == nil {
		return session.ToolResult{}, fmt.Errorf("tool %s has no registered handler", call.Name)
	}

	if err := r.validateArgs(reg, call.Arguments); err != nil {
		return session.ToolResult{}, err
	}

	if needsApproval {
		if approver == nil {
			return session.ToolResult{}, fmt.Errorf("tool %s requires approval but no broker is configured", call.Name)
		}
		approved, reason, err := approver.Request(ctx, call)
		if err != nil {
			return session.ToolResult{}, fmt.Errorf("approval for %s failed: %w", call.Name, err)
		}
		if !approved {
			return session.ToolResult{}, fmt.Errorf("tool %s denied: %s", call.Name, reason)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := reg.handler(callCtx, call.Arguments)
	duration := time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return session.ToolResult{}, fmt.Errorf("tool %s timed out after %v", call.Name, timeout)
		}
		return session.ToolResult{}, err
	}

	r.logger.Debug().
		Str("tool", call.Name).
		Dur("duration", duration).
		Msg("Tool executed")

	return session.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Output: output,
	}, nil
}

func (r *Registry) validateArgs(reg *registration, args map[string]interface{}) error {
	if reg.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation for %s errored: %w", reg.def.Name, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", reg.def.Name, strings.Join(msgs, "; "))
	}
	return nil
}
