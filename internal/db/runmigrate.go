package db

import (
	"log/slog"

	"github.com/diewo77/school-billing/internal/config"
)

// RunMigrations is a lightweight entry point you can invoke from the CLI.
// It respects MIGRATIONS just like server startup: SQL files when enabled,
// AutoMigrate otherwise.
func RunMigrations(cfg *config.Config) error {
	db, err := Connect(cfg.Database)
	if err != nil {
		return err
	}
	if !cfg.App.Migrations {
		slog.Info("MIGRATIONS not set; using AutoMigrate")
	} else {
		slog.Info("running explicit SQL migrations")
	}
	return Migrate(db, cfg.App.Migrations, ToURLDSN(NormalizeDSN(cfg.Database.DSN())))
}
