package tx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS items (name TEXT)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func TestRun_CommitsOnSuccess(t *testing.T) {
	db := openDB(t)

	err := Run(context.Background(), db, func(ctx context.Context) error {
		tx, ok := From(ctx)
		require.True(t, ok)
		_, err := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 1, count(t, db))
}

func TestRun_RollsBackOnError(t *testing.T) {
	db := openDB(t)
	boom := errors.New("boom")

	err := Run(context.Background(), db, func(ctx context.Context) error {
		tx, _ := From(ctx)
		_, execErr := tx.ExecContext(ctx, `INSERT INTO items (name) VALUES ('a')`)
		require.NoError(t, execErr)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, db))
}

func TestRun_JoinsOuterTransaction(t *testing.T) {
	db := openDB(t)
	outer, err := db.Begin()
	require.NoError(t, err)
	defer func() { _ = outer.Rollback() }()

	ctx := WithTx(context.Background(), outer)
	err = Run(ctx, db, func(inner context.Context) error {
		tx, _ := From(inner)
		assert.Same(t, outer, tx)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTx_NilLeavesContext(t *testing.T) {
	ctx := WithTx(context.Background(), nil)
	_, ok := From(ctx)
	assert.False(t, ok)
}
