package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL mode supports many readers beside the single writer; four read
	// connections is plenty for a single-node hub.
	sqliteReaderConns = 4
)

// OpenSQLite opens the embedded database for writes. The pool is pinned to
// one connection so writes serialize instead of hitting SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	normalized := normalizeSQLitePath(path)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	// foreign_keys enforces the schema's references; WAL plus
	// synchronous=NORMAL is the standard single-writer setup; busy_timeout
	// absorbs transient lock contention from the reader pool.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens a read-only pool against the same file. Readers see
// WAL snapshots and never block the writer.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	normalized := normalizeSQLitePath(path)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

func ensureSQLiteDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizeSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
