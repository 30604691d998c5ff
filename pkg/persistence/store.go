// Package persistence provides the SQLite-backed store that is the single
// source of truth for teams, agents, stories, pull requests, escalations,
// messages, and the append-only event log.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"hive/pkg/logx"
)

// ErrDatabaseCorruption indicates the database file exists and has size but
// carries none of our schema. The .bak sibling holds the last good snapshot.
var ErrDatabaseCorruption = errors.New("database corruption detected")

// corruptionSizeThreshold is the minimum file size at which an empty schema
// is treated as corruption rather than a fresh database.
const corruptionSizeThreshold = 50 * 1024

const (
	openRetries      = 3
	openRetryBackoff = 100 * time.Millisecond
)

// Store wraps the database handle with typed operations for every entity.
type Store struct {
	db          *sql.DB
	path        string
	journalMode string
	logger      *logx.Logger
}

// Options tunes how the store opens its database.
type Options struct {
	// JournalMode is the SQLite journal mode; empty defaults to WAL.
	// Non-WAL engines persist through SnapshotToDisk after each transaction.
	JournalMode string
}

// Open opens (or creates) the database at path with WAL journaling and runs
// all pending migrations. A corrupt file fails with ErrDatabaseCorruption,
// retried a few times to tolerate a concurrent atomic rename.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens the database with explicit options.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	journalMode := opts.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}

	var lastErr error
	for attempt := 0; attempt < openRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(openRetryBackoff)
		}
		store, err := open(path, journalMode)
		if err == nil {
			return store, nil
		}
		lastErr = err
		if !errors.Is(err, ErrDatabaseCorruption) {
			return nil, err
		}
	}
	return nil, lastErr
}

func open(path, journalMode string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)",
		path, journalMode,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; serialize all access on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := detectCorruption(db, path); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:          db,
		path:        path,
		journalMode: strings.ToLower(journalMode),
		logger:      logx.NewLogger("persistence"),
	}, nil
}

// detectCorruption fails the open when the file is large enough to have
// held data but none of the core tables has rows and no migration was ever
// recorded. Queries against missing tables count as zero rows.
func detectCorruption(db *sql.DB, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.Size() < corruptionSizeThreshold {
		return nil
	}

	if countRows(db, "migrations") > 0 {
		return nil
	}
	for _, table := range []string{"teams", "agents", "stories"} {
		if countRows(db, table) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %d bytes but holds no recognizable data (backup: %s.bak)",
		ErrDatabaseCorruption, path, info.Size(), path)
}

func countRows(db *sql.DB, table string) int {
	var n int
	//nolint:gosec // table names come from a fixed internal list
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0
	}
	return n
}

// DB exposes the raw handle for read-only diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a BEGIN IMMEDIATE transaction. The pool is
// capped at one connection, so store operations issued inside fn execute on
// the same connection as the BEGIN. On success the transaction is committed
// and, for snapshot engines, the database is persisted to disk. On failure
// the transaction is rolled back; rollback errors are swallowed in favor of
// the original error.
func (s *Store) WithTransaction(fn func() error) error {
	// database/sql has no BEGIN IMMEDIATE knob, so the transaction is driven
	// through Exec on the single pooled connection.
	if _, err := s.db.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(); err != nil {
		_, _ = s.db.Exec("ROLLBACK")
		return err
	}

	if _, err := s.db.Exec("COMMIT"); err != nil {
		_, _ = s.db.Exec("ROLLBACK")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.journalMode != "wal" {
		if err := s.SnapshotToDisk(); err != nil {
			s.logger.Warn("Post-commit snapshot failed: %v", err)
		}
	}
	return nil
}

// SnapshotToDisk persists the database with crash consistency: a VACUUM INTO
// a sibling temp file, the previous live file preserved as .bak, then an
// atomic rename over the live file. For WAL engines this is a no-op because
// SQLite already guarantees durability through the write-ahead log.
func (s *Store) SnapshotToDisk() error {
	if s.journalMode == "wal" {
		return nil
	}

	tmpPath := s.path + ".tmp"
	bakPath := s.path + ".bak"

	_ = os.Remove(tmpPath)
	if _, err := s.db.Exec("VACUUM INTO ?", tmpPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	if err := copyFile(s.path, bakPath); err != nil {
		s.logger.Warn("Failed to preserve backup copy: %v", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace database file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}
