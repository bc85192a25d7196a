// Package app runs the host API server and its background jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ctrlsam/rigour/pkg/config"
	"github.com/ctrlsam/rigour/pkg/server/api"
	"github.com/ctrlsam/rigour/pkg/server/httpx"
	"github.com/ctrlsam/rigour/pkg/server/jobs"
	"github.com/ctrlsam/rigour/pkg/storage"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server and jobs.
const ShutdownTimeout = 10 * time.Second

// Deps are the runtime dependencies of the server.
type Deps struct {
	Store  storage.HostStore
	Logger zerolog.Logger
	// Jobs is optional; when nil and cfg.Retention > 0 a retention job is
	// created over Store.
	Jobs jobs.Manager
}

// App is a bound, not yet serving, API server.
type App struct {
	cfg      config.ServerConfig
	server   *http.Server
	listener net.Listener
	jobs     jobs.Manager
	ready    *atomic.Bool
	logger   zerolog.Logger
}

// New binds the listen address and builds the handler tree. Binding here
// lets a port conflict fail before any job starts.
func New(ctx context.Context, cfg config.ServerConfig, deps *Deps) (*App, error) {
	if deps == nil {
		return nil, errors.New("server dependencies are required")
	}

	ready := &atomic.Bool{}
	apiDeps := &api.Deps{
		Store:  deps.Store,
		Config: api.DefaultConfig(),
		Ready:  ready,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}

	jobMgr := deps.Jobs
	if jobMgr == nil {
		var group jobs.Group
		if cfg.Retention > 0 && deps.Store != nil {
			group = append(group, jobs.NewRetention(deps.Store, cfg.Retention, cfg.RetentionInterval).
				WithLogger(deps.Logger.With().Str("component", "jobs.retention").Logger()))
		}
		if len(group) > 0 {
			jobMgr = group
		}
	}

	return &App{
		cfg:      cfg,
		listener: ln,
		jobs:     jobMgr,
		ready:    ready,
		logger:   deps.Logger,
		server: &http.Server{
			Handler:           httpx.NewRouter(cfg, apiDeps),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}, nil
}

// Addr returns the bound address.
func (a *App) Addr() net.Addr {
	return a.listener.Addr()
}

// Ready reports whether the server accepts traffic.
func (a *App) Ready() bool {
	return a.ready.Load()
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// stops the jobs. A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	if a.jobs != nil {
		if err := a.jobs.Start(ctx); err != nil {
			_ = a.listener.Close()
			return fmt.Errorf("start jobs: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", a.Addr().String()).Msg("API server listening")
		a.ready.Store(true)
		if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.logger.Info().Msg("API server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if a.jobs != nil {
			if err := a.jobs.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("stop jobs: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	a.logger.Info().Msg("API server stopped")
	return err
}
