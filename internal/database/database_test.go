package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/syncerr"
)

func openSQLite(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(config.DatabaseConnection{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDSN(t *testing.T) {
	driver, dsn, err := DSN(config.DatabaseConnection{Type: "mysql", User: "u", Password: "p", Host: "db", Port: 3306, Database: "sync"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "u:p@tcp(db:3306)/sync?parseTime=true&multiStatements=true", dsn)

	driver, _, err = DSN(config.DatabaseConnection{Type: "sqlite"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", driver)

	_, _, err = DSN(config.DatabaseConnection{Type: "oracle"})
	assert.Error(t, err)
}

func TestExecTx(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx, []string{`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`}))

	err := db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', '1')`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.ExecTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('b', '2')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.DB.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n, "rolled back")

	res, err := db.DB.Exec(db.Rebind(`INSERT IGNORE INTO kv (k, v) VALUES ('a', '3')`))
	require.NoError(t, err)
	affected, _ := res.RowsAffected()
	assert.Zero(t, affected)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("x", nil))
	assert.True(t, syncerr.IsRetryable(Classify("x", mysql.ErrInvalidConn)))
	assert.True(t, syncerr.IsRetryable(Classify("x", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"})))
	assert.False(t, syncerr.IsRetryable(Classify("x", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})))
	assert.True(t, syncerr.IsRetryable(Classify("x", sqlite3.Error{Code: sqlite3.ErrBusy})))
	assert.Equal(t, "INSERT IGNORE INTO t", (&Database{Dialect: MySQL}).Rebind("INSERT IGNORE INTO t"))
}
