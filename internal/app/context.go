package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"lexline/internal/config"
	"lexline/internal/db"
	"lexline/internal/engine"
	"lexline/internal/migrate"
)

// Options configure Setup.
type Options struct {
	Workspace string
	Config    *config.Config
	Log       *slog.Logger
}

// Setup opens the workspace database, applies pending migrations, loads
// lexline.yml and assembles an engine. The caller owns closing the returned
// handle. A missing config file falls back to the built-in default catalog.
func Setup(opts Options) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			conn.Close()
			return engine.Engine{}, nil, err
		}
	}
	if cfg == nil {
		cfg = config.Default("lexline")
	}
	eng := engine.New(conn, cfg)
	if opts.Log != nil {
		eng.Log = opts.Log
	}
	return eng, conn, nil
}
