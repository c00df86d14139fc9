package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"wheelauth/internal/app/httpapp"
	"wheelauth/internal/config"
	authhandler "wheelauth/internal/http/auth"
	"wheelauth/internal/lib/password"
	"wheelauth/internal/services/auth"
	"wheelauth/internal/services/cleanup"
	"wheelauth/internal/storage/mongodb"
	"wheelauth/internal/storage/sqlite"
)

type App struct {
	HTTPSrv *httpapp.App
	Sweeper *cleanup.Sweeper

	closeStorage func(ctx context.Context) error
}

// store is the union of what the auth service and the sweeper need; both
// backends satisfy it.
type store interface {
	auth.UserStorage
	auth.TokenStorage
	cleanup.TokenPurger
}

func New(logger *slog.Logger, cfg *config.Config) (*App, error) {
	var (
		st           store
		closeStorage func(ctx context.Context) error
	)

	switch cfg.Storage.Backend {
	case "sqlite", "":
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite storage: %w", err)
		}
		st = s
		closeStorage = func(context.Context) error { return s.Close() }
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s, err := mongodb.New(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("init mongodb storage: %w", err)
		}
		st = s
		closeStorage = s.Close
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	authService := auth.New(
		logger,
		st,
		st,
		password.NewHasher(),
		cfg.Tokens.JWTSecret,
		cfg.Tokens.AccessTTL,
		cfg.Tokens.RefreshTTL,
		cfg.Tokens.RefreshPepper,
		cfg.Storage.OpTimeout,
	)

	router := NewRouter(logger, authService, cfg)

	return &App{
		HTTPSrv:      httpapp.New(logger, router, cfg.HTTP),
		Sweeper:      cleanup.New(logger, st, cfg.Sweeper.Interval, cfg.Sweeper.Timeout),
		closeStorage: closeStorage,
	}, nil
}

// NewRouter builds the gin engine with all auth routes mounted.
func NewRouter(logger *slog.Logger, authService *auth.Auth, cfg *config.Config) *gin.Engine {
	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	authhandler.NewHandler(logger, authService).RegisterRoutes(router, cfg.Tokens.JWTSecret)

	return router
}

// Close releases the storage backend.
func (a *App) Close(ctx context.Context) error {
	return a.closeStorage(ctx)
}
