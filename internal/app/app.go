// Package app builds the long-lived pieces of a sprintline process from a
// workspace and its config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"sprintline/internal/config"
	"sprintline/internal/db"
	"sprintline/internal/engine"
	"sprintline/internal/metrics"
	"sprintline/internal/migrate"
	"sprintline/internal/project"
	"sprintline/internal/repo"
)

// Name prefixes every log line.
const Name = "sprintline"

// NewLogger builds the process logger. An empty level means info.
func NewLogger(level string, w io.Writer) (*log.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          Name,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.TextFormatter,
	}), nil
}

// Options configure Open.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *log.Logger
	// Ephemeral skips the SQLite store; contexts then live only in memory.
	Ephemeral bool
}

// App holds the wired components of one process.
type App struct {
	Config   *config.Config
	Logger   *log.Logger
	DB       *sql.DB
	Repo     repo.Repo
	Metrics  *metrics.PrometheusRecorder
	Registry *project.Registry
	Engine   engine.Engine
}

// Open migrates the workspace store, builds the registry and engine, and
// recovers every project persisted by a previous run.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		l, err := NewLogger(cfg.Log.Level, nil)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewPrometheusRecorder()}

	var store project.Store
	if !opts.Ephemeral {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Repo = repo.Repo{DB: conn}
		store = project.SQLStore{Repo: a.Repo}
	}

	a.Registry = project.NewRegistry(project.Options{
		Config:  cfg,
		Store:   store,
		Logger:  logger,
		Metrics: a.Metrics,
	})
	a.Engine = engine.New(a.Registry, cfg, logger, a.Metrics)

	if _, err := a.Registry.Recover(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("recover projects: %w", err)
	}
	return a, nil
}

// Close stops every project context, keeping snapshots, and closes the store.
func (a *App) Close() error {
	a.Registry.Shutdown()
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
