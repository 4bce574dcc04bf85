package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", db.Driver)
	require.NoError(t, Up(ctx, db, "sqlite"))

	for _, table := range []string{"lti_registrations", "lti_resource_links", "lti_replay", "lti_replay_marks", "lti_audit", "assignments", "submissions"} {
		var name string
		err := db.SQL.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=$1`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestUpRejectsUnknownDriver(t *testing.T) {
	db, err := Connect(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	assert.Error(t, Up(context.Background(), db, "oracle"))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	err = WithTx(ctx, db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO assignments (id, tenant_id, title) VALUES ('a1','t1','x')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments`).Scan(&n))
	assert.Zero(t, n)
}

func TestSplitSQL(t *testing.T) {
	parts := splitSQL("CREATE TABLE a (x INT);\n\n CREATE TABLE b (y INT);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT);", "CREATE TABLE b (y INT);"}, parts)
}
