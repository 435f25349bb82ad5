package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Seed script filename parsing constants.
const (
	// scriptFilenameParts is the expected number of parts in a script filename.
	// Format: YYYYMMDD_HHMMSS_description.up.sql (3 parts when split by "_")
	scriptFilenameParts = 3

	// minVersionParts is the minimum parts needed to extract a version.
	minVersionParts = 2
)

// Script is one ordered SQL file used to build a sample database.
type Script struct {
	// Version orders scripts. Format: YYYYMMDD_HHMMSS.
	Version string

	// Name is the human-readable description from the filename.
	Name string

	SQL string
}

// LoadScripts reads the *.up.sql files in dir of fsys, oldest version first.
// Files that do not follow the naming scheme are ignored.
func LoadScripts(fsys fs.FS, dir string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading script directory: %w", err)
	}

	var scripts []Script
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseScriptFilename(entry.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		scripts = append(scripts, Script{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(scripts, func(i, j int) bool {
		return scripts[i].Version < scripts[j].Version
	})
	return scripts, nil
}

// Seed applies every script in dir of fsys to the database.
//
// # Atomicity
//
// Each script runs in its own transaction. If script N fails, scripts
// before it stay committed, N is rolled back and later scripts are not
// attempted.
//
// Seed is for the bundled demo database and test fixtures. It is never
// run against a file the user opened.
func (db *DB) Seed(ctx context.Context, fsys fs.FS, dir string) error {
	scripts, err := LoadScripts(fsys, dir)
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if err := db.applyScript(ctx, s); err != nil {
			return fmt.Errorf("applying script %s (%s): %w", s.Version, s.Name, err)
		}
	}
	return nil
}

// applyScript runs one script between BEGIN and COMMIT on the pinned
// connection.
func (db *DB) applyScript(ctx context.Context, s Script) error {
	if _, err := db.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, s.SQL); err != nil {
		_, _ = db.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK") //nolint:errcheck // The script error is the one to report
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = db.conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK") //nolint:errcheck // The commit error is the one to report
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// parseScriptFilename extracts version and description from
// "YYYYMMDD_HHMMSS_description.up.sql".
func parseScriptFilename(filename string) (version, name string, ok bool) {
	base, found := strings.CutSuffix(filename, ".up.sql")
	if !found {
		return "", "", false
	}

	parts := strings.SplitN(base, "_", scriptFilenameParts)
	if len(parts) < minVersionParts {
		return "", "", false
	}

	version = parts[0] + "_" + parts[1]
	if len(parts) == scriptFilenameParts {
		name = parts[minVersionParts]
	}
	return version, name, true
}
