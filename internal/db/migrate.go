package db

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/school-billing/internal/config"
	"github.com/diewo77/school-billing/internal/models"
	migrate "github.com/golang-migrate/migrate/v4"
	// The following blank imports register the postgres driver and file source for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MigrationsDir is where golang-migrate looks for SQL files.
var MigrationsDir = "file://migrations"

// GormConfig returns the shared GORM settings. TranslateError turns driver
// unique violations into gorm.ErrDuplicatedKey.
func GormConfig(debug bool) *gorm.Config {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// Connect opens the Postgres database, retrying while the server starts up.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := NormalizeDSN(cfg.DSN())
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is empty, check DATABASE_DSN or DB_* settings")
	}
	slog.Info("connecting to database", "dsn", maskDSN(dsn))
	var db *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = gorm.Open(postgres.Open(dsn), GormConfig(cfg.Debug))
		if err == nil {
			break
		}
		slog.Warn("retrying DB connection", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect database after retries: %w", err)
	}

	// Basic connectivity test
	if pingErr := db.Exec("SELECT 1").Error; pingErr != nil {
		return nil, fmt.Errorf("db ping failed: %w", pingErr)
	}
	return db, nil
}

// Migrate applies the schema. With sqlMigrations it runs golang-migrate against
// url, otherwise it falls back to AutoMigrate (dev convenience).
func Migrate(db *gorm.DB, sqlMigrations bool, url string) error {
	if sqlMigrations {
		if err := runSQLMigrations(url); err != nil {
			return fmt.Errorf("sql migrations failed: %w", err)
		}
	} else if err := AutoMigrate(db); err != nil {
		return err
	}

	// sanity check: ensure required core tables exist
	for _, table := range []string{"tenants", "challans", "payment_records", "jobs"} {
		if !db.Migrator().HasTable(table) {
			return errors.New("missing table after migration: " + table)
		}
	}
	return nil
}

// AutoMigrate creates or updates every model table.
func AutoMigrate(db *gorm.DB) error {
	for _, m := range models.All() {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("automigrate %T: %w", m, err)
		}
	}
	return nil
}

// runSQLMigrations executes migrations in ./migrations using golang-migrate file source.
func runSQLMigrations(url string) error {
	m, err := migrate.New(MigrationsDir, url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err = m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

