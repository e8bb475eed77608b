// Package testutil provides a throwaway Postgres database for tests that
// exercise the credential store.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/justinmoon/pocketide/internal/db"
	"github.com/stretchr/testify/require"
)

// EnvTestDatabaseURL names a postgres URL with CREATE DATABASE privileges.
const EnvTestDatabaseURL = "POCKETIDE_TEST_DATABASE_URL"

// OpenTestDB creates a migrated database that is dropped when t finishes.
// The test is skipped when EnvTestDatabaseURL is unset.
func OpenTestDB(t *testing.T) *db.DB {
	t.Helper()

	adminURL := os.Getenv(EnvTestDatabaseURL)
	if adminURL == "" {
		t.Skipf("%s not set; skipping postgres-backed test", EnvTestDatabaseURL)
	}

	admin, err := sql.Open("pgx", adminURL)
	require.NoError(t, err, "open admin database")
	t.Cleanup(func() { admin.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, admin.PingContext(ctx), "ping admin database")

	name := fmt.Sprintf("pocketide_test_%d", time.Now().UnixNano())
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(name))
	require.NoError(t, err, "create test database")
	t.Cleanup(func() {
		admin.Exec("DROP DATABASE IF EXISTS " + quoteIdent(name))
	})

	u, err := url.Parse(adminURL)
	require.NoError(t, err, "parse %s", EnvTestDatabaseURL)
	u.Path = "/" + name

	database, err := db.Open(u.String())
	require.NoError(t, err, "open test database")
	// Registered last so it runs before the DROP.
	t.Cleanup(func() { database.Close() })

	return database
}

// Reset empties every application table, for tests that share one
// database across subtests.
func Reset(t *testing.T, database *db.DB) {
	t.Helper()
	quoted := make([]string, len(db.Tables))
	for i, table := range db.Tables {
		quoted[i] = quoteIdent(table)
	}
	_, err := database.Exec("TRUNCATE " + strings.Join(quoted, ", "))
	require.NoError(t, err, "truncate tables")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
