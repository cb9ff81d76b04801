// Package app assembles the runtime: configuration, snapshot store, inbox,
// tool registry and session registry, wired together behind one facade.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/tracing"
	"github.com/loomhq/loom/pkg/inbox"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/session"
	"github.com/loomhq/loom/pkg/store"
	"github.com/loomhq/loom/pkg/stream"
	"github.com/loomhq/loom/pkg/tools"
)

// CompilerFactory builds the behavior description compiler for a session id.
type CompilerFactory func(sessionID string) (session.Compiler, error)

// Options holds application construction parameters.
type Options struct {
	// Config supplies runtime settings; nil uses the defaults.
	Config *config.Config

	// Compilers is required: every session needs a behavior description.
	Compilers CompilerFactory

	// Model is the application-wide default model. Optional; sessions can
	// still resolve models per execution.
	Model session.Model

	// Tools is the shared tool registry. Optional.
	Tools *tools.Registry

	// Runner is the optional application-wide strategy object.
	Runner session.Runner

	// Hooks observe the registry's hydrate/persist lifecycle.
	Hooks registry.Hooks

	// Logger overrides the root logger. Nil builds one from the configured
	// log level.
	Logger *zerolog.Logger
}

// serviceName identifies the process in traces.
const serviceName = "loom"

// Application owns the full runtime. Construct with New, call Start, and
// Shutdown when done.
type Application struct {
	cfg    *config.Config
	logger zerolog.Logger

	store    store.Store
	inbox    inbox.Inbox
	registry *registry.Registry
	tools    *tools.Registry
}

// New wires the application together from options and configuration.
func New(opts Options) (*Application, error) {
	if opts.Compilers == nil {
		return nil, errors.New("compiler factory is required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	root := logger.FromLevel(cfg.LogLevel)
	if opts.Logger != nil {
		root = *opts.Logger
	}
	appLogger := root.With().Str("component", "app").Logger()

	backing, err := buildStore(cfg, root)
	if err != nil {
		return nil, err
	}
	box, err := buildInbox(cfg, root)
	if err != nil {
		return nil, err
	}

	app := &Application{
		cfg:    cfg,
		logger: appLogger,
		store:  backing,
		inbox:  box,
		tools:  opts.Tools,
	}

	factory := func(id string) (session.Config, error) {
		compiler, err := opts.Compilers(id)
		if err != nil {
			return session.Config{}, err
		}
		sessCfg := session.Config{
			Compiler:      compiler,
			Model:         opts.Model,
			Runner:        opts.Runner,
			MaxTicks:      cfg.MaxTicks,
			MaxSpawnDepth: cfg.MaxSpawnDepth,
			Logger:        root,
		}
		if opts.Tools != nil {
			sessCfg.Executor = opts.Tools
			sessCfg.BaseTools = opts.Tools.Definitions()
		}
		return sessCfg, nil
	}

	reg, err := registry.New(registry.Config{
		Factory:       factory,
		Store:         backing,
		MaxActive:     cfg.MaxActiveSessions,
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Hooks:         opts.Hooks,
		Logger:        root,
	})
	if err != nil {
		return nil, err
	}
	app.registry = reg

	// Input arriving out of band wakes the target session.
	box.Subscribe(func(sessionID string) {
		go func() {
			if err := app.DrainSession(context.Background(), sessionID); err != nil {
				appLogger.Warn().Err(err).Str("session_id", sessionID).Msg("Inbox drain failed")
			}
		}()
	})

	return app, nil
}

func buildStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(cfg.StorePath, logger)
	case "sqlite":
		return store.NewSQLiteStore(cfg.StorePath, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func buildInbox(cfg *config.Config, logger zerolog.Logger) (inbox.Inbox, error) {
	switch cfg.InboxBackend {
	case "":
		return inbox.NewMemoryInbox(), nil
	case "file":
		return inbox.NewFileInbox(cfg.InboxPath, logger)
	case "sqlite":
		return inbox.NewSQLiteInbox(cfg.InboxPath, logger)
	default:
		return nil, fmt.Errorf("unknown inbox backend %q", cfg.InboxBackend)
	}
}

// Start launches background work: tracing, the registry sweep and delivery
// of any input that accumulated while the application was down.
func (a *Application) Start(ctx context.Context) error {
	if err := tracing.Init(serviceName); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := a.registry.Start(); err != nil {
		return err
	}
	if err := a.DrainInbox(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Startup inbox drain failed")
	}
	a.logger.Info().Msg("Application started")
	return nil
}

// Open returns the session for an id, hydrating or creating as needed.
func (a *Application) Open(ctx context.Context, id string) (*session.Session, error) {
	return a.registry.Open(ctx, id)
}

// Resume returns an existing session, from memory or the store.
func (a *Application) Resume(ctx context.Context, id string) (*session.Session, error) {
	return a.registry.Resume(ctx, id)
}

// Get returns a resident session without touching the store.
func (a *Application) Get(id string) (*session.Session, bool) {
	return a.registry.Get(id)
}

// Send opens the target session and sends a message to it.
func (a *Application) Send(ctx context.Context, sessionID string, msg session.Message) (*stream.Handle, error) {
	s, err := a.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, msg)
}

// Deliver writes a message to the session's inbox. Unlike Send this is
// durable: if the process dies before delivery, the message survives and is
// drained on the next start.
func (a *Application) Deliver(ctx context.Context, sessionID string, msg session.Message) (string, error) {
	return a.inbox.Write(ctx, sessionID, msg)
}

// DrainSession delivers a session's pending inbox items into the session.
// Items are acknowledged only after the session accepts them.
func (a *Application) DrainSession(ctx context.Context, sessionID string) error {
	items, err := a.inbox.Pending(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	s, err := a.Open(ctx, sessionID)
	if err != nil {
		return err
	}

	delivered := make([]string, 0, len(items))
	for _, item := range items {
		if err := s.Queue(ctx, item.Message); err != nil {
			// Leave the rest in place; they stay pending for a later drain.
			break
		}
		delivered = append(delivered, item.ID)
	}
	if len(delivered) == 0 {
		return nil
	}

	if err := a.inbox.MarkDone(ctx, sessionID, delivered...); err != nil {
		return fmt.Errorf("failed to acknowledge inbox items: %w", err)
	}

	a.logger.Debug().
		Str("session_id", sessionID).
		Int("delivered", len(delivered)).
		Msg("Inbox drained")
	return nil
}

// DrainInbox drains every session with pending input.
func (a *Application) DrainInbox(ctx context.Context) error {
	ids, err := a.inbox.SessionsWithPending(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		if err := a.DrainSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Persist snapshots a resident session to the store.
func (a *Application) Persist(ctx context.Context, sessionID string) error {
	return a.registry.Persist(ctx, sessionID)
}

// CloseSession evicts a session from memory, persisting its state.
func (a *Application) CloseSession(sessionID string) bool {
	return a.registry.Evict(sessionID)
}

// DeleteSession removes a session from memory and the store.
func (a *Application) DeleteSession(ctx context.Context, sessionID string) error {
	return a.registry.Delete(ctx, sessionID)
}

// Tools exposes the shared tool registry, or nil when none was configured.
func (a *Application) Tools() *tools.Registry {
	return a.tools
}

// ActiveSessions returns ids of resident sessions.
func (a *Application) ActiveSessions() []string {
	return a.registry.Active()
}

// Shutdown tears down every session and releases backend resources.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.registry.Shutdown(ctx)

	if closer, ok := a.inbox.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if terr := tracing.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}

	a.logger.Info().Msg("Application stopped")
	return err
}
