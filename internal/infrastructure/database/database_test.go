package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", Postgres.Rebind(q))
}

func TestSnapshotRead(t *testing.T) {
	assert.Equal(t, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}, Postgres.SnapshotRead())
	assert.Equal(t, &sql.TxOptions{ReadOnly: true}, SQLite.SnapshotRead())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect(" Postgres ")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestMillisRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 123_000_000, time.FixedZone("x", 3600))
	assert.True(t, at.Equal(FromMillis(Millis(at))))
	assert.Equal(t, int64(0), Millis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())
}

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, MigrateSQLite(db, zap.NewNop()))
	require.NoError(t, MigrateSQLite(db, zap.NewNop()))

	ctx := context.Background()
	for _, table := range []string{"orders", "order_items", "order_status_history", "outbox_messages", "processed_events"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	var version int
	var dirty bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Equal(t, 1, version)
	assert.False(t, dirty)
}
