package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Gthulhu/mmcontainers/cache"
	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/logger"
	"github.com/Gthulhu/mmcontainers/rest"
	"github.com/Gthulhu/mmcontainers/service"
	"github.com/Gthulhu/mmcontainers/watcher"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// Stdio carries the filter's input and output streams.
type Stdio struct {
	In  io.Reader
	Out io.Writer
}

// NewMonitorApp watches the configured sources and serves the REST endpoints.
func NewMonitorApp(cfg config.Config) *fx.App {
	return fx.New(
		fxLogger(),
		ConfigModule(cfg),
		StoreModule(),
		MetricsModule(),
		WatcherModule(),
		HandlerModule(),
		fx.Invoke(StartMonitor),
		fx.Invoke(StartRestApp),
	)
}

// NewFilterApp enriches stdio lines from the store written by a separate monitor process.
func NewFilterApp(cfg config.Config, stdio Stdio) *fx.App {
	return fx.New(
		fxLogger(),
		ConfigModule(cfg),
		StoreModule(),
		FilterModule(),
		fx.Supply(stdio),
		fx.Invoke(StartFilter),
	)
}

// NewRunApp runs the monitor and the filter in one process sharing one store handle.
// The app stops when the filter input ends.
func NewRunApp(cfg config.Config, stdio Stdio) *fx.App {
	return fx.New(
		fxLogger(),
		ConfigModule(cfg),
		StoreModule(),
		MetricsModule(),
		WatcherModule(),
		HandlerModule(),
		FilterModule(),
		fx.Supply(stdio),
		fx.Invoke(StartMonitor),
		fx.Invoke(StartRestApp),
		fx.Invoke(StartFilter),
	)
}

// fxLogger routes fx's own events through zerolog at debug level.
func fxLogger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		if zerolog.GlobalLevel() > zerolog.DebugLevel {
			return fxevent.NopLogger
		}
		return &fxevent.ConsoleLogger{W: os.Stderr}
	})
}

// StartMonitor clears entries left by a previous run, then starts the watchers. A fatal
// watcher error shuts the app down with exit code 1.
func StartMonitor(lc fx.Lifecycle, shutdowner fx.Shutdowner, store domain.Store, supervisor *watcher.Supervisor) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := store.Clear(startCtx); err != nil {
				return fmt.Errorf("clearing store: %w", err)
			}
			supervisor.Start(ctx)
			go func() {
				select {
				case err := <-supervisor.Failed():
					logger.Logger(ctx).Error().Err(err).Msg("watcher failed, shutting down")
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				case <-ctx.Done():
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			supervisor.Stop()
			done := make(chan error, 1)
			go func() { done <- supervisor.Wait() }()
			select {
			case err := <-done:
				if err != nil {
					logger.Logger(stopCtx).Debug().Err(err).Msg("watchers exited with errors")
				}
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// StartRestApp serves the REST endpoints on server.host. An empty host disables the server.
func StartRestApp(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.ServerConfig, handler *rest.Handler) error {
	if cfg.Host == "" {
		return nil
	}
	engine := echo.New()
	engine.HideBanner = true
	engine.HidePort = true
	handler.SetupRoutes(engine)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log := logger.Logger(context.Background())
				log.Info().Msgf("starting rest server on %s", cfg.Host)
				if err := engine.Start(cfg.Host); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msgf("start rest server fail on %s", cfg.Host)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Logger(ctx).Info().Msg("shutting down rest server")
			return engine.Shutdown(ctx)
		},
	})
	return nil
}

// StartFilter runs the line filter over stdio and shuts the app down when the input ends.
func StartFilter(lc fx.Lifecycle, shutdowner fx.Shutdowner, filter *service.LineFilter, stdio Stdio) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := 0
				if err := filter.Run(ctx, stdio.In, stdio.Out); err != nil {
					logger.Logger(ctx).Error().Err(err).Msg("filter stopped")
					code = 1
				}
				if ctx.Err() == nil {
					_ = shutdowner.Shutdown(fx.ExitCode(code))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// Dump writes the store entries under prefix to out.
func Dump(ctx context.Context, cfg config.CacheConfig, prefix string, out io.Writer) error {
	if cfg.Backend == cache.BackendMemory {
		return errors.New("the memory backend lives inside the monitor process and cannot be dumped")
	}
	var store domain.Store
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		StoreModule(),
		fx.Populate(&store),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	n, err := service.DumpStore(ctx, store, prefix, out)
	if err != nil {
		return err
	}
	logger.Logger(ctx).Info().Int("entries", n).Msg("dumped store")
	return nil
}
