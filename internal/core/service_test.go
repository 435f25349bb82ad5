package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/infrastructure/config"
	"github.com/litelens/litelens-core/internal/query"
	"github.com/litelens/litelens-core/internal/sqlvalue"
	"github.com/litelens/litelens-core/internal/txn"
	"github.com/litelens/litelens-core/migrations"
)

func testConfig(t *testing.T) config.EngineConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return cfg.Engine
}

type fixture struct {
	svc    *Service
	conn   connection.Info
	path   string
	events *events.Recorder
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	svc := New(cfg, nil)
	t.Cleanup(func() { svc.Close(context.Background()) }) //nolint:errcheck // Test cleanup

	path := filepath.Join(t.TempDir(), "shop.db")
	info, _, err := svc.OpenDatabase(ctx, OpenRequest{Path: path, Create: true})
	require.NoError(t, err)

	c, err := svc.manager.Get(info.ID)
	require.NoError(t, err)
	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.DB().Seed(ctx, migrations.FS, migrations.Dir))
	lease.Release()
	_, err = svc.RefreshSchema(ctx, info.ID)
	require.NoError(t, err)

	rec := &events.Recorder{}
	svc.Subscribe(rec.Handle)
	return &fixture{svc: svc, conn: info, path: path, events: rec}
}

func (f *fixture) exec(t *testing.T, sql string, args ...sqlvalue.Value) *query.Result {
	t.Helper()
	res, err := f.svc.Execute(context.Background(), query.Request{SQL: sql, Params: query.Params{Positional: args}})
	require.NoError(t, err, sql)
	return res
}

func (f *fixture) scalar(t *testing.T, sql string) int64 {
	t.Helper()
	res := f.exec(t, sql)
	page, err := f.svc.FetchRows(context.Background(), res.ResultSet.Handle, 1)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	f.svc.CloseCursor(res.ResultSet.Handle)
	return page.Rows[0][0].Int
}

func TestOpenDatabase(t *testing.T) {
	f := newFixture(t, testConfig(t))

	assert.True(t, f.conn.Active, "the first connection becomes active")

	snap, err := f.svc.GetSchema(context.Background(), "")
	require.NoError(t, err)
	want := f.scalar(t, "SELECT count(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'")
	assert.Equal(t, want, int64(len(snap.Tables)))

	_, _, err = f.svc.OpenDatabase(context.Background(), OpenRequest{Path: filepath.Join(t.TempDir(), "missing.db")})
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.Len(t, f.svc.ListDatabases(), 1)
}

func TestOpenDatabase_SamePathConcurrently(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	ids := make([]string, 4)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, _, err := f.svc.OpenDatabase(ctx, OpenRequest{Path: f.path})
			assert.NoError(t, err)
			ids[i] = info.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, f.conn.ID, id)
	}
	require.Len(t, f.svc.ListDatabases(), 1)

	_, err := f.svc.Execute(ctx, query.Request{ConnectionID: ids[0], SQL: "INSERT INTO notes (body) VALUES ('shared')"})
	require.NoError(t, err)
	res, err := f.svc.Execute(ctx, query.Request{ConnectionID: ids[1], SQL: "SELECT count(*) FROM notes WHERE body = 'shared'"})
	require.NoError(t, err)
	page, err := f.svc.FetchRows(ctx, res.ResultSet.Handle, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Rows[0][0].Int)
}

func TestPagination(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()
	f.exec(t, "CREATE TABLE numbers (n INTEGER); INSERT INTO numbers WITH RECURSIVE s(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM s WHERE x < 1000) SELECT x FROM s")

	res := f.exec(t, "SELECT n FROM numbers ORDER BY n")
	var (
		sum  int64
		next int64 = 1
	)
	for {
		page, err := f.svc.FetchRows(ctx, res.ResultSet.Handle, 7)
		require.NoError(t, err)
		if len(page.Rows) == 0 {
			break
		}
		assert.Equal(t, next-1, page.Offset)
		for _, row := range page.Rows {
			require.Equal(t, next, row[0].Int, "rows arrive in order without gaps")
			sum += row[0].Int
			next++
		}
	}
	assert.Equal(t, int64(500500), sum)
}

func TestDDLAnnouncesSchemaOnce(t *testing.T) {
	f := newFixture(t, testConfig(t))

	res := f.exec(t, "CREATE TABLE a (x); CREATE TABLE b (y); CREATE INDEX a_x ON a (x)")
	assert.True(t, res.SchemaChanged)

	changed := f.events.OfType(events.TypeSchemaChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, events.ReasonDDL, changed[0].Reason)

	snap, err := f.svc.GetSchema(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, changed[0].SchemaVersion, snap.Version)
	_, ok := snap.Table("b")
	assert.True(t, ok)
}

func TestFailedStatementRollsBackTransaction(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	_, err := f.svc.Begin(ctx, "")
	require.NoError(t, err)
	f.exec(t, "INSERT INTO authors (name) VALUES ('A')")

	_, err = f.svc.Execute(ctx, query.Request{SQL: "INSERT INTO books (title, isbn, author_id) VALUES ('B', '978-0156027601', 1)"})
	e, ok := dberr.As(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindConstraint, e.Kind)
	assert.Equal(t, dberr.ConstraintUnique, e.Constraint.Kind)

	state, err := f.svc.TransactionState("")
	require.NoError(t, err)
	assert.NotEqual(t, txn.StateActive, state.State)
	assert.Zero(t, f.scalar(t, "SELECT count(*) FROM authors WHERE name = 'A'"), "A is rolled back with the transaction")

	_, err = f.svc.Commit(ctx, "")
	assert.ErrorIs(t, err, dberr.ErrNoActiveTransaction)
}

func TestUniqueViolationOutsideTransaction(t *testing.T) {
	f := newFixture(t, testConfig(t))

	_, err := f.svc.Execute(context.Background(), query.Request{SQL: "INSERT INTO books (title, isbn, author_id) VALUES ('Copy', '978-0061054884', 1)"})
	e, ok := dberr.As(err)
	require.True(t, ok)
	assert.Equal(t, dberr.ConstraintUnique, e.Constraint.Kind)
	assert.Equal(t, "books", e.Constraint.Table)
	assert.Empty(t, f.events.Events())
	assert.Equal(t, int64(5), f.scalar(t, "SELECT count(*) FROM books"))
}

func TestCancelDuringFetch(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, query.Request{
		RequestID: "slow",
		SQL:       "SELECT count(*) FROM (WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n WHERE x < 500000000) SELECT x FROM n)",
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.svc.FetchRows(ctx, res.ResultSet.Handle, 10)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.svc.Cancel("slow"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, dberr.ErrCancelled)
	case <-time.After(30 * time.Second):
		t.Fatal("cancelled fetch did not return")
	}

	assert.Equal(t, int64(5), f.scalar(t, "SELECT count(*) FROM books"), "the connection stays usable")
	assert.False(t, f.svc.Cancel("slow"))
}

func TestIdleCursorsAreReaped(t *testing.T) {
	cfg := testConfig(t)
	cfg.CursorIdleTimeout = 1
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Start(ctx)

	res := f.exec(t, "SELECT * FROM books")
	require.Eventually(t, func() bool {
		return len(f.events.OfType(events.TypeCursorClosed)) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, events.ReasonIdleTimeout, f.events.OfType(events.TypeCursorClosed)[0].Reason)

	_, err := f.svc.FetchRows(context.Background(), res.ResultSet.Handle, 10)
	assert.ErrorIs(t, err, dberr.ErrUnknownCursor)
}

func TestCloseDatabase(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	_, err := f.svc.Begin(ctx, "")
	require.NoError(t, err)
	f.exec(t, "DELETE FROM tags")
	res := f.exec(t, "SELECT * FROM books")

	require.NoError(t, f.svc.CloseDatabase(ctx, ""))
	assert.Empty(t, f.svc.ListDatabases())

	closed := f.events.OfType(events.TypeCursorClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, res.ResultSet.Handle, closed[0].CursorHandle)
	assert.Equal(t, events.ReasonConnectionClosed, closed[0].Reason)

	_, err = f.svc.GetSchema(ctx, f.conn.ID)
	assert.ErrorIs(t, err, dberr.ErrUnknownConnection)

	// The rollback on close left the file untouched.
	info, _, err := f.svc.OpenDatabase(ctx, OpenRequest{Path: f.path})
	require.NoError(t, err)
	assert.NotEqual(t, f.conn.ID, info.ID)
	assert.Equal(t, int64(4), f.scalar(t, "SELECT count(*) FROM tags"))
}

func TestSetActive(t *testing.T) {
	f := newFixture(t, testConfig(t))
	ctx := context.Background()

	other, _, err := f.svc.OpenDatabase(ctx, OpenRequest{Path: filepath.Join(t.TempDir(), "other.db"), Create: true})
	require.NoError(t, err)
	assert.False(t, other.Active)

	info, err := f.svc.SetActive(other.ID)
	require.NoError(t, err)
	assert.True(t, info.Active)

	snap, err := f.svc.GetSchema(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, snap.Tables)

	_, err = f.svc.SetActive("nope")
	assert.ErrorIs(t, err, dberr.ErrUnknownConnection)
}
