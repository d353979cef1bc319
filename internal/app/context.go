// Package app wires the workspace together: config resolution, database
// opening, and the external clients the engine talks to.
package app

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/engine"
	"clockline/internal/export"
	"clockline/internal/linear"
	"clockline/internal/migrate"
)

// ResolveConfig loads the workspace config, applying the user override when
// given. A missing file falls back to defaults so first runs work without
// any setup.
func ResolveConfig(workspace, userOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if userOverride != "" {
		cfg.User.ID = userOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenEngine opens the workspace database, migrates it, and builds an engine
// with the spreadsheet mirror attached. The caller owns the returned DB.
func OpenEngine(ctx context.Context, workspace string, cfg *config.Config) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng := engine.New(conn, cfg)
	eng.Export = SheetNotifier(ctx, cfg)
	return eng, conn, nil
}

// SheetNotifier builds the spreadsheet mirror client from config. Returns nil
// when export is disabled or the token is absent; a nil notifier turns every
// mirror call into a no-op.
func SheetNotifier(ctx context.Context, cfg *config.Config) export.Notifier {
	if cfg == nil || !cfg.Export.Enabled {
		return nil
	}
	token := strings.TrimSpace(os.Getenv(cfg.Export.TokenEnv))
	if token == "" {
		return nil
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return export.NewSheetClient(ctx, cfg.Export.URL, cfg.Export.SpreadsheetID, cfg.Export.Sheet, ts)
}

// IssueClient builds the tracker client from config. Returns nil when no API
// key is available, which disables issue sync.
func IssueClient(cfg *config.Config) *linear.Client {
	if cfg == nil || cfg.Linear.APIKeyEnv == "" {
		return nil
	}
	key := strings.TrimSpace(os.Getenv(cfg.Linear.APIKeyEnv))
	if key == "" {
		return nil
	}
	c := linear.NewClient(key)
	if cfg.Linear.Endpoint != "" {
		c.Endpoint = cfg.Linear.Endpoint
	}
	return c
}
