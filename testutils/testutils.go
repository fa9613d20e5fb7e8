// Package testutils bootstraps integration tests against a local Postgres.
// Tests that use it are skipped in -short mode and fail with a pointer to
// config-test.toml when no test database is reachable.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/db"
)

// testConfig is the minimal shape of config-test.toml.
type testConfig struct {
	Database config.DatabaseConfig `toml:"database"`
}

// SetupTestDatabase connects to the test database described by
// config-test.toml in the repository root. The schema is applied on connect.
func SetupTestDatabase(t *testing.T) *db.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("config-test.toml not found, skipping: %v", err)
	}

	var cfg testConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "failed to parse %s", configPath)
	require.NotNil(t, cfg.Database.Write, "config-test.toml must define [database.write]")

	database, err := db.NewDatabaseFromConfig(context.Background(), &cfg.Database)
	require.NoError(t, err,
		"failed to connect to test database; ensure PostgreSQL is running and %q exists",
		cfg.Database.Write.Name)

	t.Cleanup(database.Close)
	return database
}

// CleanAccount removes every row belonging to the given account so tests
// with fixed account ids start from a blank slate.
func CleanAccount(t *testing.T, database *db.Database, accountID int64) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"server_mail_records", "local_mail_records", "sync_runs"} {
		_, err := database.GetWritePool().Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE account_id = $1", table), accountID)
		require.NoError(t, err)
	}
}

// findTestConfig walks up from the working directory looking for
// config-test.toml, so tests can run from any package directory.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config-test.toml not found in any parent of the working directory")
		}
		dir = parent
	}
}
