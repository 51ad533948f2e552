package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoomTest = errors.New("boom")

func TestOpenRunsMigrationsAndSeedsReservedIDs(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "account.db"))
	require.NoError(t, err)
	defer db.Close()

	var selfName string
	require.NoError(t, db.QueryRow("SELECT authorized_name FROM contacts WHERE id = 1").Scan(&selfName))
	require.Equal(t, "Me", selfName)

	var deaddropBlocked int
	require.NoError(t, db.QueryRow("SELECT blocked FROM chats WHERE id = 1").Scan(&deaddropBlocked))
	require.Equal(t, 2, deaddropBlocked)

	var version int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version))
	require.Equal(t, len(migrations), version)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account.db")

	db1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	var count int
	require.NoError(t, db2.QueryRow("SELECT COUNT(*) FROM contacts").Scan(&count))
	require.Equal(t, 2, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "account.db"))
	require.NoError(t, err)
	defer db.Close()

	err = db.WithTx(func(tx *sql.Tx) error {
		if _, execErr := tx.Exec("UPDATE config SET value = 'x' WHERE key = 'nope'"); execErr != nil {
			return execErr
		}
		if _, execErr := tx.Exec("INSERT INTO config (key, value) VALUES ('k', 'v')"); execErr != nil {
			return execErr
		}
		return errBoomTest
	})
	require.ErrorIs(t, err, errBoomTest)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM config WHERE key = 'k'").Scan(&count))
	require.Equal(t, 0, count)
}
