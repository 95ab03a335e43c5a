package db

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/migadu/notifyd/config"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the PostgreSQL described by the [database]
// section of config-test.toml, applies the up migrations and truncates all
// tables. Tests are skipped when no config-test.toml is found.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping PostgreSQL tests")
	}

	var cfg struct {
		Database config.DatabaseConfig `toml:"database"`
	}
	cfg.Database = config.NewDefaultConfig().Database
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	ctx := context.Background()
	database, err := NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Database.Name)
	t.Cleanup(func() { database.Close() })

	applyUpMigrations(t, database)
	_, err = database.Pool.Exec(ctx, `TRUNCATE journal, accounts RESTART IDENTITY`)
	require.NoError(t, err)
	_, err = database.Pool.Exec(ctx, `UPDATE journal_meta SET low_water = 0`)
	require.NoError(t, err)
	return database
}

func applyUpMigrations(t *testing.T, database *Database) {
	t.Helper()
	files, err := fs.Glob(MigrationsFS, "migrations/*.up.sql")
	require.NoError(t, err)
	sort.Strings(files)
	for _, f := range files {
		body, err := MigrationsFS.ReadFile(f)
		require.NoError(t, err)
		_, err = database.Pool.Exec(context.Background(), string(body))
		require.NoError(t, err, "migration %s", f)
	}
}

// findTestConfig walks up the directory tree to find config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
