// Package app wires a workspace into a running engine: database,
// migrations, site config, document storage, and the notify dispatcher.
// Both the CLI and the API server bootstrap through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"doorline/internal/audit"
	"doorline/internal/certificate"
	"doorline/internal/config"
	"doorline/internal/db"
	"doorline/internal/migrate"
	"doorline/internal/notify"
	"doorline/internal/repo"
	"doorline/internal/storage"
	"doorline/internal/workflow"
)

type App struct {
	Conn       *sql.DB
	Config     *config.Config
	Engine     *workflow.Engine
	Dispatcher *notify.Dispatcher
	Log        *zap.SugaredLogger

	logger *zap.Logger
}

// Open bootstraps the workspace. A missing doorline.yml falls back to
// the default site config keyed on the workspace directory name.
func Open(ctx context.Context, workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		siteID := filepath.Base(absOrSelf(workspace))
		cfg = config.Default(siteID)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := logger.Sugar()

	store, err := openStorage(ctx, workspace, cfg)
	if err != nil {
		logger.Sync()
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	engine := &workflow.Engine{
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Store:  store,
		Docs: certificate.Generator{
			Renderer: certificate.Renderer{FontPath: cfg.Certificate.FontPath},
			Store:    store,
		},
		Audit: audit.Writer{DB: conn},
		Log:   log,
		Now:   time.Now,
	}

	return &App{
		Conn:       conn,
		Config:     cfg,
		Engine:     engine,
		Dispatcher: notify.New(r, cfg, log),
		Log:        log,
		logger:     logger,
	}, nil
}

func (a *App) Close() error {
	if a.logger != nil {
		a.logger.Sync()
	}
	return a.Conn.Close()
}

func openStorage(ctx context.Context, workspace string, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "", "fs":
		return storage.NewFS(filepath.Join(workspace, ".doorline", "store"))
	case "s3":
		return storage.NewS3(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.Region)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
