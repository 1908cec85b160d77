// Package app is the composition root: it builds every service from
// configuration, wires them over the event bus, and owns startup and
// teardown ordering. No package-level singletons; everything flows through
// App.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/devices"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/gateway"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/rpc"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/token"
	"github.com/parley-ai/parley/internal/tracks"
	"github.com/parley-ai/parley/internal/transcript"
	"github.com/parley-ai/parley/internal/transport"
	"github.com/parley-ai/parley/internal/transport/room"
)

const shutdownGrace = 5 * time.Second

// Options carries construction parameters for the App.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger

	// Adapter overrides the transport (tests). Nil selects the room adapter.
	Adapter transport.Adapter
	// Tokens overrides the credential source (tests). Nil selects the HTTP
	// token client.
	Tokens session.TokenProvider
}

// App owns the orchestrator's object graph.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus      *eventbus.Bus
	adapter  transport.Adapter
	opener   *devices.Opener
	tracks   *tracks.Manager
	recon    *transcript.Reconciler
	router   *rpc.Router
	machine  *session.Machine
	store    *history.Store
	recorder *history.Recorder
	gateway  *gateway.Server
}

// New builds the object graph. Nothing is started yet.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: configuration required")
	}
	logger := opts.Logger

	bus := eventbus.New(eventbus.WithLogger(logger.With().Str("component", "eventbus").Logger()))

	adapter := opts.Adapter
	if adapter == nil {
		adapter = room.New(room.WithLogger(logger.With().Str("component", "room").Logger()))
	}

	opener := devices.NewOpener()
	trackMgr := tracks.New(adapter, opener, bus,
		tracks.WithLogger(logger.With().Str("component", "tracks").Logger()),
		tracks.WithGracefulReleaser(opener.ReleaseGracefully),
		tracks.WithGracefulTimeout(cfg.Media.GracefulTimeout),
		tracks.WithSettleDelay(cfg.Media.SettleDelay),
	)

	recon := transcript.New(bus,
		transcript.WithLogger(logger.With().Str("component", "transcript").Logger()),
		transcript.WithProgressiveReveal(cfg.Transcript.ProgressiveReveal),
	)

	router := rpc.New(adapter, bus,
		rpc.WithLogger(logger.With().Str("component", "rpc").Logger()),
		rpc.WithCallTimeout(cfg.Session.CallTimeout),
	)

	tokens := opts.Tokens
	if tokens == nil {
		tokens = token.New(cfg.Server.TokenEndpoint, cfg.Server.Room, cfg.Server.Identity,
			token.WithLogger(logger.With().Str("component", "token").Logger()))
	}

	machine := session.New(adapter, tokens, trackMgr, recon, router, bus,
		session.WithLogger(logger.With().Str("component", "session").Logger()),
		session.WithMaxConnectAttempts(cfg.Session.MaxConnectAttempts),
		session.WithBackoffBase(cfg.Session.BackoffBase),
	)

	dbPath := cfg.History.DBPath
	if dbPath == "" {
		dbPath = defaultHistoryPath()
	}
	store, err := history.Open(history.Options{DBPath: dbPath})
	if err != nil {
		return nil, fmt.Errorf("app: open history: %w", err)
	}
	recorder := history.NewRecorder(store, bus, logger.With().Str("component", "history").Logger())

	app := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		adapter:  adapter,
		opener:   opener,
		tracks:   trackMgr,
		recon:    recon,
		router:   router,
		machine:  machine,
		store:    store,
		recorder: recorder,
	}
	app.gateway = gateway.NewServer(machine, bus,
		logger.With().Str("component", "gateway").Logger(), nil)
	return app, nil
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "parley", "history.db")
	}
	return filepath.Join(home, ".local", "share", "parley", "history.db")
}

// Bus exposes the event bus for embedding callers.
func (a *App) Bus() *eventbus.Bus {
	return a.bus
}

// Machine exposes the session state machine.
func (a *App) Machine() *session.Machine {
	return a.machine
}

// Devices exposes the capture source opener for the platform capture layer.
func (a *App) Devices() *devices.Opener {
	return a.opener
}

// GatewayAddr returns the bound gateway address, empty before Start.
func (a *App) GatewayAddr() string {
	return a.gateway.Addr()
}

// Start brings the services up: history recorder, gateway, then the session
// itself. It returns once the session is connected or has exhausted its
// retry budget.
func (a *App) Start(ctx context.Context) error {
	a.recorder.Start(ctx)
	if err := a.gateway.Start(ctx, a.cfg.Gateway.ListenAddr); err != nil {
		return fmt.Errorf("app: start gateway: %w", err)
	}
	if err := a.machine.Start(ctx); err != nil {
		return err
	}
	a.logger.Info().Msg("orchestrator running")
	return nil
}

// Run starts everything and blocks until the session ends or ctx is
// cancelled, then tears down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Shutdown(context.WithoutCancel(ctx))
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.machine.Done():
	}
	return a.Shutdown(context.WithoutCancel(ctx))
}

// Shutdown tears services down in reverse dependency order: session first so
// devices release through the full ladder, then the presentation gateway,
// then persistence, then the bus.
func (a *App) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	var firstErr error
	if err := a.machine.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.gateway.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.recorder.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.bus.Shutdown()
	a.logger.Info().Msg("orchestrator stopped")
	return firstErr
}
