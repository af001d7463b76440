package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	httpapp "authservice/internal/app/http"
	"authservice/internal/config"
	authhttp "authservice/internal/http/auth"
	jwtlib "authservice/internal/lib/jwt"
	"authservice/internal/lib/password"
	"authservice/internal/services/auth"
	"authservice/internal/storage/mongodb"
	"authservice/internal/storage/sqlite"
)

// Storage is the union of what the auth service needs from a backend.
type Storage interface {
	auth.UserSaver
	auth.UserProvider
	auth.TokenLedger
}

type App struct {
	HTTPSrv *httpapp.App

	closeStorage func(ctx context.Context) error
}

func New(logger *slog.Logger, cfg *config.Config) *App {
	storage, closeStorage, err := newStorage(cfg.Storage)
	if err != nil {
		panic(err)
	}

	codec := jwtlib.NewCodec(cfg.JWT.Secret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	authService := auth.New(
		logger,
		storage,
		storage,
		storage,
		password.NewVerifier(),
		codec,
		cfg.JWT.RefreshPepper,
	)

	server := authhttp.NewServer(logger, authService)
	httpApp := httpapp.New(logger, server.Router(), cfg.HTTP)

	return &App{
		HTTPSrv:      httpApp,
		closeStorage: closeStorage,
	}
}

// Shutdown closes the storage backend after the HTTP server has stopped.
func (a *App) Shutdown(ctx context.Context) error {
	return a.closeStorage(ctx)
}

func newStorage(cfg config.StorageConfig) (Storage, func(ctx context.Context) error, error) {
	const op = "app.newStorage"

	switch cfg.Type {
	case "", "sqlite":
		storage, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		return storage, func(context.Context) error { return storage.Close() }, nil
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		storage, err := mongodb.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		return storage, storage.Close, nil
	default:
		return nil, nil, fmt.Errorf("%s: unknown storage type %q", op, cfg.Type)
	}
}
