package schema

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/migrations"
)

// openSample opens a new file seeded with the sample catalog.
func openSample(t *testing.T) (*connection.Manager, *connection.Connection) {
	t.Helper()
	ctx := context.Background()

	m := connection.NewManager(connection.Options{MaxOpen: 2, BusyTimeout: 1, ForeignKeys: true, CloseTimeout: time.Second})
	t.Cleanup(func() { m.CloseAll(context.Background()) }) //nolint:errcheck // Test cleanup

	c, err := m.Open(ctx, connection.OpenOptions{Path: filepath.Join(t.TempDir(), "sample.db"), Create: true})
	require.NoError(t, err)

	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()
	require.NoError(t, lease.DB().Seed(ctx, migrations.FS, migrations.Dir))
	return m, c
}

func exec(t *testing.T, c *connection.Connection, sql string) {
	t.Helper()
	lease, err := c.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	_, err = lease.Conn().ExecContext(context.Background(), sql)
	require.NoError(t, err)
}

func TestRefresh_SampleCatalog(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)

	snap, err := insp.Refresh(ctx, c.ID)
	require.NoError(t, err)

	// Table count matches an independent catalog query.
	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	var want int
	require.NoError(t, lease.Conn().QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'`).Scan(&want))
	lease.Release()
	assert.Len(t, snap.Tables, want)

	assert.Equal(t, c.ID, snap.ConnectionID)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, []string{"authors", "books", "notes", "price_history", "tags", "book_list"}, snap.TableNames())

	books, ok := snap.Table("BOOKS")
	require.True(t, ok)
	assert.Equal(t, TypeTable, books.Type)
	assert.Equal(t, []string{"id"}, books.PrimaryKey)
	require.Len(t, books.ForeignKeys, 1)
	assert.Equal(t, "authors", books.ForeignKeys[0].Table)
	assert.Equal(t, []string{"author_id"}, books.ForeignKeys[0].From)
	assert.Equal(t, []string{"id"}, books.ForeignKeys[0].To)
	assert.Equal(t, "CASCADE", books.ForeignKeys[0].OnDelete)

	title, ok := books.Column("title")
	require.True(t, ok)
	assert.True(t, title.NotNull)
	assert.Equal(t, "TEXT", title.DeclaredType)

	var indexNames []string
	for _, ix := range books.Indexes {
		indexNames = append(indexNames, ix.Name)
		if ix.Name == "books_by_author" {
			assert.Equal(t, []string{"author_id"}, ix.Columns)
			assert.False(t, ix.Unique)
			assert.Contains(t, ix.SQL, "CREATE INDEX")
		}
	}
	assert.Contains(t, indexNames, "books_by_author")
	assert.Len(t, books.Indexes, 2, "explicit index plus the UNIQUE(isbn) autoindex")

	authors, _ := snap.Table("authors")
	country, _ := authors.Column("country")
	require.NotNil(t, country.Default)
	assert.Equal(t, "'unknown'", *country.Default)

	tags, _ := snap.Table("tags")
	assert.True(t, tags.WithoutRowID)
	assert.Equal(t, []string{"book_id", "tag"}, tags.PrimaryKey)
	key, ok := tags.RowKey()
	assert.True(t, ok)
	assert.Equal(t, []string{"book_id", "tag"}, key)

	notes, _ := snap.Table("notes")
	assert.True(t, notes.UsesRowID())

	view, _ := snap.Table("book_list")
	assert.Equal(t, TypeView, view.Type)
	assert.Equal(t, []string{"id", "title", "author", "price"}, view.ColumnNames())
	_, ok = view.RowKey()
	assert.False(t, ok)

	require.Len(t, snap.Triggers, 1)
	assert.Equal(t, "books_price_audit", snap.Triggers[0].Name)
	assert.Equal(t, "books", snap.Triggers[0].Table)
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)

	_, err := insp.Current(ctx, c.ID)
	assert.ErrorIs(t, err, dberr.ErrNoSnapshotYet)

	first, err := insp.Refresh(ctx, c.ID)
	require.NoError(t, err)

	again, err := insp.Current(ctx, "")
	require.NoError(t, err)
	assert.Same(t, first, again, "Current does not re-query")

	exec(t, c, "CREATE TABLE added (x INT)")
	stale, err := insp.Current(ctx, c.ID)
	require.NoError(t, err)
	_, found := stale.Table("added")
	assert.False(t, found, "without invalidation the old snapshot is served")

	insp.Invalidate(c.ID)
	fresh, err := insp.Current(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, fresh.Version)
	_, found = fresh.Table("added")
	assert.True(t, found)

	// The previous snapshot was replaced, not modified.
	_, found = first.Table("added")
	assert.False(t, found)

	insp.Drop(c.ID)
	_, err = insp.Current(ctx, c.ID)
	assert.ErrorIs(t, err, dberr.ErrNoSnapshotYet)

	_, err = insp.Current(ctx, "unknown")
	assert.ErrorIs(t, err, dberr.ErrUnknownConnection)
}

func TestRefresh_MalformedView(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)

	exec(t, c, "CREATE TABLE doomed (a INT); CREATE VIEW orphan AS SELECT a FROM doomed; DROP TABLE doomed")

	snap, err := insp.Refresh(ctx, c.ID)
	require.NoError(t, err, "a broken view must not fail the whole refresh")

	orphan, ok := snap.Table("orphan")
	require.True(t, ok, "a malformed view is kept")
	assert.True(t, orphan.Malformed)
	assert.NotEmpty(t, orphan.Issue)
	assert.Empty(t, orphan.Columns)

	books, _ := snap.Table("books")
	assert.False(t, books.Malformed)
}

func TestDescribe_PragmaFailuresMarkTable(t *testing.T) {
	ctx := context.Background()
	cols := func(context.Context, *sql.Conn, string) ([]Column, error) {
		return []Column{{Name: "id", PrimaryKey: 1}}, nil
	}
	noKeys := func(context.Context, *sql.Conn, string) ([]ForeignKey, error) { return nil, nil }
	noIndexes := func(context.Context, *sql.Conn, string, map[string]string) ([]Index, error) { return nil, nil }
	broken := errors.New("no such module: fts9")

	tests := []struct {
		name    string
		readers tableReaders
	}{
		{"foreign keys", tableReaders{
			columns:     cols,
			foreignKeys: func(context.Context, *sql.Conn, string) ([]ForeignKey, error) { return nil, broken },
			indexes:     noIndexes,
		}},
		{"indexes", tableReaders{
			columns:     cols,
			foreignKeys: noKeys,
			indexes:     func(context.Context, *sql.Conn, string, map[string]string) ([]Index, error) { return nil, broken },
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := Table{Name: "docs", Type: TypeTable}
			require.NoError(t, tt.readers.describe(ctx, nil, &tbl, nil), "one table must not fail the refresh")
			assert.True(t, tbl.Malformed)
			assert.Contains(t, tbl.Issue, "fts9")
			assert.Equal(t, []string{"id"}, tbl.PrimaryKey, "what was read is kept")
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	r := tableReaders{
		columns:     cols,
		foreignKeys: func(ctx context.Context, _ *sql.Conn, _ string) ([]ForeignKey, error) { return nil, ctx.Err() },
		indexes:     noIndexes,
	}
	tbl := Table{Name: "docs", Type: TypeTable}
	assert.Error(t, r.describe(cancelled, nil, &tbl, nil))
	assert.False(t, tbl.Malformed)
}

func TestRefresh_InternalTablesLeftOut(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)

	exec(t, c, "CREATE TABLE counters (id INTEGER PRIMARY KEY AUTOINCREMENT, n INT); INSERT INTO counters (n) VALUES (1); ANALYZE")

	snap, err := insp.Refresh(ctx, c.ID)
	require.NoError(t, err)
	_, ok := snap.Table("counters")
	assert.True(t, ok)
	for _, name := range []string{"sqlite_sequence", "sqlite_stat1"} {
		_, ok := snap.Table(name)
		assert.False(t, ok, name)
	}
}

func TestRefresh_Busy(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)

	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	defer lease.Release()

	_, err = insp.Refresh(ctx, c.ID)
	assert.ErrorIs(t, err, dberr.ErrConnectionBusy)

	snap, err := insp.RefreshWith(ctx, lease)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Tables)
}

func TestCloseHook(t *testing.T) {
	ctx := context.Background()
	m, c := openSample(t)
	insp := NewInspector(m)
	m.OnClose(insp.CloseHook)

	_, err := insp.Refresh(ctx, c.ID)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, c.ID))

	insp.mu.Lock()
	_, kept := insp.states[c.ID]
	insp.mu.Unlock()
	assert.False(t, kept)
}

func TestIdentifiers(t *testing.T) {
	snap := &Snapshot{Tables: []Table{
		{Name: "zeta", Type: TypeTable, Columns: []Column{{Name: "alpha"}}},
		{Name: "Beta", Type: TypeView, Columns: []Column{{Name: "gamma"}}},
	}}

	ids := snap.Identifiers()
	require.Len(t, ids, 4)
	assert.Equal(t, Identifier{Name: "alpha", Kind: "column", Table: "zeta"}, ids[0])
	assert.Equal(t, Identifier{Name: "Beta", Kind: TypeView}, ids[1])
	assert.Equal(t, "gamma", ids[2].Name)
	assert.Equal(t, "zeta", ids[3].Name)
}
