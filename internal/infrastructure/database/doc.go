// Package database opens user-selected SQLite files for LiteLens Core.
//
// This package manages:
//   - Header validation before the engine sees a file
//   - Opening through a file: URI with the session pragmas in the DSN
//   - One pinned engine connection per file
//   - The engine's autocommit flag, for transaction bookkeeping
//   - Seed scripts for the bundled sample database
//
// It never changes a file's journal mode and never writes to a file it did
// not create unless a caller executes SQL against it.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: path, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	rows, err := db.Conn().QueryContext(ctx, "SELECT name FROM sqlite_master")
package database
