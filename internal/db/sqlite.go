package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database at dbPath and runs schema migrations.
//
// Each store operation checks a connection out of the pool for the duration of
// one statement or transaction, so no lock is held across notification work.
func Open(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", dbPath)
	return open(dsn)
}

// OpenExclusive opens the database like Open but holds an exclusive file lock
// until the database is closed, so no other connection can read or write it.
// The lock is taken before returning. It uses the rollback journal.
func OpenExclusive(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=DELETE&_locking_mode=EXCLUSIVE&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL", dbPath)
	db, err := open(dsn)
	if err != nil {
		return nil, err
	}

	if err := claim(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lock database: %w", err)
	}
	return db, nil
}

// claim runs an empty write transaction; in exclusive locking mode the write
// lock it takes is kept after commit.
func claim(db *sql.DB) error {
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

// IsBusy reports whether err comes from a database locked by another
// connection.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; queueing in the pool beats SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sequences (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		location_count INTEGER NOT NULL DEFAULT 0,
		locations TEXT NOT NULL DEFAULT '[]',
		friendly_name TEXT,
		external_link TEXT NOT NULL,
		structure TEXT,
		position_map TEXT,
		tertiary_blocks TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sequences_friendly_name ON sequences(friendly_name);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// NewTestDB creates a new in-memory database for testing.
// Every call returns an independent database.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	testDB.SetMaxOpenConns(1)

	if err := runMigrations(testDB); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}
