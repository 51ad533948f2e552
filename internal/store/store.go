// Package store provides the schema-versioned SQLite-backed relational
// store backing one account context: chats, contacts, messages, jobs,
// peer-states, locations and configuration all live in a single database
// file per account.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/corelog"
	_ "modernc.org/sqlite"
)

// Connection pool constants. SQLite in WAL mode allows only one writer at a
// time, so a large open-connection ceiling just adds lock contention; keep
// it modest and let idle connections absorb concurrent readers.
const (
	MaxOpenConns        = 8
	BaseIdleConns       = 2
	MaxIdleConns        = 4
	CheckpointInterval  = 5 * time.Minute
)

// DB wraps the SQL database connection for one account context.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at path and runs all pending
// migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, coreerr.New(coreerr.IOError, "store.Open", fmt.Errorf("create directory: %w", err))
	}

	// PRAGMAs are per-connection; embedding them in the DSN ensures every
	// pooled connection gets identical settings, avoiding SQLITE_BUSY on a
	// connection that lacks busy_timeout.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)",
		path,
	)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, coreerr.New(coreerr.IOError, "store.Open", fmt.Errorf("open: %w", err))
	}

	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(BaseIdleConns)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, coreerr.New(coreerr.CorruptDatabase, "store.Open", fmt.Errorf("ping: %w", err))
	}

	if err := os.Chmod(path, 0600); err != nil {
		sqlDB.Close()
		return nil, coreerr.New(coreerr.IOError, "store.Open", fmt.Errorf("chmod: %w", err))
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, coreerr.New(coreerr.CorruptDatabase, "store.Open", fmt.Errorf("migrate: %w", err))
	}
	if err := db.integrityCheck(); err != nil {
		sqlDB.Close()
		return nil, coreerr.New(coreerr.CorruptDatabase, "store.Open", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database connection.
func (db *DB) Close() error { return db.DB.Close() }

// integrityCheck verifies the database is readable after open, surfacing
// failures as a stable CorruptDatabase error kind per the storage layer's
// open contract.
func (db *DB) integrityCheck() error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check reported: %s", result)
	}
	return nil
}

// Checkpoint runs a passive WAL checkpoint, merging the write-ahead log
// into the main file without blocking readers/writers.
func (db *DB) Checkpoint() error {
	_, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	if err != nil {
		return fmt.Errorf("checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs periodic WAL checkpoints until ctx is
// cancelled. The host is expected to start this once per open context.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := corelog.WithComponent("store")
	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Warn().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// WithTx runs fn inside a short transaction, rolling back on error or
// panic and committing on success. This generalizes the inline
// Begin/defer-Rollback/Commit pattern used throughout the storage layer
// into one helper so every caller gets the same discipline.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.Version, err)
			}
		}
	}
	return nil
}

func (db *DB) applyMigration(m Migration) error {
	return db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration SQL: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}
