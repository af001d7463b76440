package httpapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"authservice/internal/config"
)

// App owns the HTTP server lifecycle.
type App struct {
	logger *slog.Logger
	server *http.Server
}

func New(logger *slog.Logger, handler http.Handler, cfg config.HTTPConfig) *App {
	return &App{
		logger: logger,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	log := a.logger.With(
		slog.String("op", op),
		slog.String("address", a.server.Addr),
	)

	log.Info("HTTP server is running")

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Stop drains in-flight requests until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	const op = "httpapp.Stop"

	log := a.logger.With(slog.String("op", op))
	log.Info("stopping HTTP server", slog.String("address", a.server.Addr))

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
