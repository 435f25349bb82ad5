package database

import "errors"

// Errors returned by Open and ValidateHeader.
//
//	if errors.Is(err, database.ErrNotADatabase) {
//	    // the user picked something that is not a SQLite file
//	}
var (
	// ErrEmptyPath is returned when no path is given.
	ErrEmptyPath = errors.New("database: empty path")

	// ErrNotFound is returned when the file does not exist and creation was not requested.
	ErrNotFound = errors.New("database: file not found")

	// ErrPermissionDenied is returned when the file cannot be opened with the requested access.
	ErrPermissionDenied = errors.New("database: permission denied")

	// ErrNotADatabase is returned when the file is not a SQLite database.
	ErrNotADatabase = errors.New("database: not a SQLite database")

	// ErrNotSQLiteDriver is returned when the pinned connection is not backed by the sqlite3 driver.
	ErrNotSQLiteDriver = errors.New("database: connection is not a sqlite3 connection")
)
