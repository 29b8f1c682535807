// Package dbtest opens migrated databases for tests. By default each test
// gets its own SQLite file in WAL mode behind a multi-connection pool. When
// DONATIONS_TEST_POSTGRES_DSN is set, each test gets a private schema on that
// server instead.
package dbtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"example.com/backstage/services/donations/config"
	"example.com/backstage/services/donations/internal/database"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// PostgresDSNEnv names the variable that switches tests to PostgreSQL
const PostgresDSNEnv = "DONATIONS_TEST_POSTGRES_DSN"

// PoolSize is the connection pool size of every test database
const PoolSize = 8

// Open returns a migrated database that is removed when the test ends
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	if dsn := os.Getenv(PostgresDSNEnv); dsn != "" {
		return openPostgres(t, dsn)
	}
	return openSQLite(t)
}

func openSQLite(t testing.TB) *gorm.DB {
	// Immediate transactions take the write lock at BEGIN and wait up to the
	// busy timeout for it.
	dsn := "file:" + filepath.Join(t.TempDir(), "donations.db") +
		"?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate"

	return open(t, config.DatabaseConfig{
		Driver:       database.DriverSQLite,
		DSN:          dsn,
		MaxOpenConns: PoolSize,
		MaxIdleConns: PoolSize,
	})
}

func openPostgres(t testing.TB, dsn string) *gorm.DB {
	admin, err := database.Connect(config.DatabaseConfig{Driver: database.DriverPostgres, DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, admin.Exec(fmt.Sprintf("CREATE SCHEMA %s", schema)).Error)
	t.Cleanup(func() {
		_ = admin.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)).Error
		_ = database.Close(admin)
	})

	return open(t, config.DatabaseConfig{
		Driver:       database.DriverPostgres,
		DSN:          withParam(dsn, "search_path", schema),
		MaxOpenConns: PoolSize,
		MaxIdleConns: PoolSize,
	})
}

func open(t testing.TB, cfg config.DatabaseConfig) *gorm.DB {
	db, err := database.Connect(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	require.NoError(t, database.Migrate(db))
	return db
}

// withParam appends a connection parameter to a URL or key/value DSN
func withParam(dsn, key, value string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + key + "=" + value
	}
	return dsn + " " + key + "=" + value
}
