package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for directories created for a new file.
	dirPermissions = 0750

	// filePermissions is the permission mode for files created by Open.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout bounds the initial verification query.
	connectionTimeout = 5 * time.Second
)

// DB is one user-selected SQLite file behind a single pinned connection.
//
// The pool is limited to one connection and that connection is held for
// the lifetime of the DB, so session state (BEGIN, temp tables, pragmas)
// is never split across engine handles. Callers serialise access; DB does
// not.
type DB struct {
	pool     *sql.DB
	conn     *sql.Conn
	path     string
	readOnly bool
	header   Header
}

// Config contains the options for opening a user database.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// Create allows a missing file to be created (with parent directories).
	// An existing file is opened as is.
	Create bool

	// ReadOnly opens the file with mode=ro.
	ReadOnly bool

	// BusyTimeout is how long the engine waits for a lock held by another
	// process (seconds).
	BusyTimeout int

	// ForeignKeys turns on foreign key enforcement for the session.
	ForeignKeys bool
}

// Open opens an existing SQLite file, or creates one when cfg.Create is set.
//
// It performs the following setup:
//  1. Validates the file header so a non-database file fails fast
//  2. Opens the file through a file: URI (journal mode is left untouched)
//  3. Pins the pool's single connection
//  4. Reads sqlite_master to prove the file is readable by the engine
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: ErrNotFound, ErrPermissionDenied, ErrNotADatabase, or an engine error
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}

	created := false
	if _, err := os.Stat(cfg.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || !cfg.Create || cfg.ReadOnly {
			return nil, openError(err)
		}
		if err := createFile(cfg.Path); err != nil {
			return nil, err
		}
		created = true
	}

	header, err := ValidateHeader(cfg.Path)
	if err != nil {
		return nil, err
	}

	if !cfg.ReadOnly {
		f, err := os.OpenFile(cfg.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, openError(err)
		}
		f.Close()
	}

	pool, err := sql.Open("sqlite3", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	pool.SetConnMaxLifetime(0)
	pool.SetConnMaxIdleTime(0)

	verifyCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	conn, err := pool.Conn(verifyCtx)
	if err != nil {
		pool.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("connecting to database: %w", engineOpenError(err))
	}

	db := &DB{
		pool:     pool,
		conn:     conn,
		path:     cfg.Path,
		readOnly: cfg.ReadOnly,
		header:   header,
	}

	var objects int
	if err := conn.QueryRowContext(verifyCtx, "SELECT count(*) FROM sqlite_master").Scan(&objects); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database: %w", engineOpenError(err))
	}

	if created {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // The file is ours; a failure only loosens permissions
	}

	return db, nil
}

// DSN builds the sqlite3 data source name for cfg.
// See: https://github.com/mattn/go-sqlite3#connection-string
func DSN(cfg Config) string {
	q := url.Values{}
	if cfg.ReadOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("mode", "rw")
	}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*msPerSecond))
	if cfg.ForeignKeys {
		q.Set("_foreign_keys", "1")
	} else {
		q.Set("_foreign_keys", "0")
	}

	p := filepath.ToSlash(cfg.Path)
	if len(p) > 0 && p[0] != '/' {
		// Windows drive paths become file:///C:/...
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: q.Encode()}
	return u.String()
}

func createFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("creating database directory: %w", openError(err))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		return fmt.Errorf("creating database file: %w", openError(err))
	}
	return f.Close()
}

// engineOpenError maps the result codes the engine gives for unusable
// files onto the package sentinels.
func engineOpenError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.Code {
	case sqlite3.ErrNotADB:
		return fmt.Errorf("%w: %v", ErrNotADatabase, err)
	case sqlite3.ErrPerm, sqlite3.ErrReadonly, sqlite3.ErrAuth, sqlite3.ErrCantOpen:
		// The file itself was checked before the engine saw it; CANTOPEN
		// here means a journal or directory the engine may not touch.
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// Close releases the pinned connection and the pool. Any open rows must
// be closed first; database/sql blocks the connection close until they are.
func (db *DB) Close() error {
	var errs []error
	if db.conn != nil {
		if err := db.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	if db.pool != nil {
		if err := db.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Conn returns the pinned connection.
func (db *DB) Conn() *sql.Conn {
	return db.conn
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// ReadOnly reports whether the file was opened read-only.
func (db *DB) ReadOnly() bool {
	return db.readOnly
}

// Header returns the header read when the file was opened.
func (db *DB) Header() Header {
	return db.header
}

// AutoCommit reports whether the engine is outside an explicit transaction.
// The engine can end a transaction on its own (some errors, interrupts);
// this is how callers find out.
func (db *DB) AutoCommit() (bool, error) {
	var auto bool
	err := db.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return ErrNotSQLiteDriver
		}
		auto = c.AutoCommit()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading autocommit state: %w", err)
	}
	return auto, nil
}

// HealthCheck verifies the pinned connection still answers.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	if err := db.conn.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
