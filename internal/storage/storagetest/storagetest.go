// Package storagetest opens throwaway SQLite databases carrying the service schema.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/cuongbtq/sc-remote/shared/database"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewDB returns a migrated in-memory database closed at test cleanup
func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()

	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   ":memory:",
	}, logger.NewNop().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Migrate(context.Background(), storage.Schema(database.DriverSQLite)))
	return client.GetDB()
}

// InsertAccount adds an account row without going through the ledger
func InsertAccount(t testing.TB, db *sqlx.DB, username string, minutes float64, bandwidth int64) {
	t.Helper()

	now := time.Now().UTC()
	_, err := db.Exec(db.Rebind(`
		INSERT INTO accounts (username, secret_hash, minutes_remaining, bandwidth_remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), username, "", minutes, bandwidth, now, now)
	require.NoError(t, err)
}
