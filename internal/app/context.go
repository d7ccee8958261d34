package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"healthboard/internal/broadcast"
	"healthboard/internal/cache"
	"healthboard/internal/config"
	"healthboard/internal/db"
	"healthboard/internal/engine"
	"healthboard/internal/events"
	"healthboard/internal/migrate"
	"healthboard/internal/repo"
	"healthboard/internal/upstream"
)

// Runtime is the wired set of components for one workspace.
type Runtime struct {
	Config    *config.Config
	Engine    engine.Engine
	Clock     clockwork.Clock
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      *repo.Repo
	Broadcast *broadcast.Redis
}

// New builds the engine for cfg. The audit database is opened when
// cfg.Audit.Enabled is set and the Redis broadcaster when a URL is set.
func New(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := clockwork.NewRealClock()
	client := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Username, cfg.Upstream.Password)
	client.Timeout = cfg.Timeout()
	client.HTTPClient = &http.Client{Timeout: client.Timeout}

	rt := &Runtime{
		Config: cfg,
		Engine: engine.New(client, cfg, clock, logger),
		Clock:  clock,
		Logger: logger,
	}
	if cfg.Audit.Enabled {
		conn, err := OpenAudit(ctx, workspace)
		if err != nil {
			return nil, err
		}
		rt.DB = conn
		rt.Repo = &repo.Repo{DB: conn}
		rt.Engine.Audit = events.Writer{DB: conn}
	}
	if cfg.Broadcast.RedisURL != "" {
		b, err := broadcast.NewRedis(cfg.Broadcast.RedisURL, cfg.Broadcast.Channel)
		if err != nil {
			rt.Close()
			return nil, err
		}
		b.Logger = logger
		rt.Broadcast = b
		rt.Engine.Broadcast = b
	}
	return rt, nil
}

// OpenAudit opens the workspace audit database and applies migrations.
func OpenAudit(ctx context.Context, workspace string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return conn, nil
}

// Sweeper returns the background sweeper for the engine's cache.
func (r *Runtime) Sweeper() *cache.Sweeper {
	interval := r.Config.Cache.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &cache.Sweeper{Store: r.Engine.Cache, Interval: interval, Clock: r.Clock, Logger: r.Logger}
}

// RunBackground runs the sweeper and, when configured, the invalidation
// subscriber until ctx is done.
func (r *Runtime) RunBackground(ctx context.Context) {
	go r.Sweeper().Run(ctx)
	if r.Broadcast == nil {
		return
	}
	go func() {
		if err := r.Broadcast.Run(ctx, r.Engine.Cache); err != nil {
			r.Logger.Error("invalidation subscriber stopped", "error", err)
		}
	}()
}

func (r *Runtime) Close() error {
	var firstErr error
	if r.Broadcast != nil {
		if err := r.Broadcast.Close(); err != nil {
			firstErr = err
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
