package app

import (
	"context"
	"database/sql"
	"fmt"

	"bugline/internal/config"
	"bugline/internal/db"
	"bugline/internal/domain"
	"bugline/internal/engine"
	"bugline/internal/migrate"
)

// Runtime bundles the opened database, loaded config and engine for one
// workspace. The CLI builds it once per invocation.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the workspace database, applies pending migrations and loads
// configuration. An explicit configPath wins over the workspace bugline.yml;
// with neither present, defaults apply.
func Open(workspace, configPath string) (*Runtime, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.FromFile(configPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Runtime{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

// EnsureAdmin registers a bootstrap admin account when the user table is
// empty. Returns the admin user and whether it was created.
func (r *Runtime) EnsureAdmin(ctx context.Context, username, email, password string) (domain.User, bool, error) {
	var count int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&count); err != nil {
		return domain.User{}, false, err
	}
	if count > 0 {
		return domain.User{}, false, nil
	}
	u, err := r.Engine.Register(ctx, username, email, password, domain.RoleAdmin)
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
