package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/notifyd/config"
	"github.com/migadu/notifyd/consts"
	"github.com/migadu/notifyd/db"
	"github.com/migadu/notifyd/logger"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Usage:
  notifyd-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  notifyd-admin migrate up
  notifyd-admin migrate down --limit 1
  notifyd-admin migrate down --all
  notifyd-admin migrate force 1
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	m, sqlDB := mustMigrateInstance(ctx, *configPath)
	defer sqlDB.Close()
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Info("Applying UP migrations")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to apply UP migrations", "error", err)
	}
	logger.Info("Migrations applied successfully")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Parse(os.Args[3:])

	m, sqlDB := mustMigrateInstance(ctx, *configPath)
	defer sqlDB.Close()
	defer releaseExclusiveLock(context.Background(), sqlDB)

	steps := *limit
	if *all {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("No migrations to revert")
			return
		}
		if err != nil {
			logger.Fatal("Failed to get current migration version", "error", err)
		}
		if dirty {
			logger.Fatal("Database is in a dirty state, fix it with 'force'", "version", version)
		}
		steps = int(version)
	}

	logger.Info("Reverting migrations", "steps", steps)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to revert migrations", "error", err)
	}
	logger.Info("Migrations reverted successfully")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Parse(os.Args[3:])

	cfg := loadConfig(*configPath)
	m, sqlDB, err := getMigrateInstance(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize migration tool", "error", err)
	}
	defer sqlDB.Close()
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: notifyd-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatal("Invalid version number", "error", err)
	}

	m, sqlDB := mustMigrateInstance(ctx, *configPath)
	defer sqlDB.Close()
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Info("Forcing database version", "version", version)
	if err := m.Force(version); err != nil {
		logger.Fatal("Failed to force version", "error", err)
	}
	showVersion(m)
}

// mustMigrateInstance returns a migrator holding the exclusive migration lock.
func mustMigrateInstance(ctx context.Context, configPath string) (*migrate.Migrate, *sql.DB) {
	cfg := loadConfig(configPath)
	m, sqlDB, err := getMigrateInstance(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize migration tool", "error", err)
	}
	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		sqlDB.Close()
		logger.Fatal("Failed to acquire exclusive lock", "error", err)
	}
	return m, sqlDB
}

func getMigrateInstance(ctx context.Context, cfg config.Config) (*migrate.Migrate, *sql.DB, error) {
	dsn, display, err := db.ConnectionString(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connecting to database for migrations", "dsn", display)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(db.MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, sqlDB, nil
}

func acquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrationLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("could not acquire exclusive database lock, is another migration running?")
	}
	logger.Info("Acquired exclusive database lock for migration")
	return nil
}

func releaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrationLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("Failed to release advisory lock after migration", "error", err)
	case !unlocked:
		logger.Warn("pg_advisory_unlock reported the lock was not held")
	default:
		logger.Info("Released exclusive database lock")
	}
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("Current migration version: none")
			return
		}
		logger.Warn("Failed to get migration version", "error", err)
		return
	}
	logger.Info("Current migration version", "version", version, "dirty", dirty)
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
