package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/cursor"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/sqltext"
	"github.com/litelens/litelens-core/internal/sqlvalue"
	"github.com/litelens/litelens-core/internal/txn"
	"github.com/litelens/litelens-core/migrations"
)

// slowCount needs a few seconds of engine time before producing its row.
const slowCount = `SELECT count(*) FROM (WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n WHERE x < 500000000) SELECT x FROM n)`

type fixture struct {
	manager   *connection.Manager
	conn      *connection.Connection
	inspector *schema.Inspector
	pager     *cursor.Paginator
	coord     *txn.Coordinator
	exec      *Executor
	events    *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	m := connection.NewManager(connection.Options{MaxOpen: 2, BusyTimeout: 1, ForeignKeys: true, CloseTimeout: 5 * time.Second})
	t.Cleanup(func() { m.CloseAll(context.Background()) }) //nolint:errcheck // Test cleanup

	c, err := m.Open(ctx, connection.OpenOptions{Path: filepath.Join(t.TempDir(), "query.db"), Create: true})
	require.NoError(t, err)

	lease, err := c.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lease.DB().Seed(ctx, migrations.FS, migrations.Dir))
	lease.Release()

	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec.Handle)

	insp := schema.NewInspector(m)
	pager := cursor.NewPaginator(cursor.Options{DefaultWindow: 50, MaxWindow: 500}, bus)
	coord := txn.NewCoordinator(m, insp, bus, txn.ModeDeferred)
	exec := NewExecutor(m, insp, pager, coord, bus)

	m.OnInterrupt(pager.Interrupt)
	m.OnInterrupt(exec.Interrupt)
	m.OnClose(pager.CloseHook)
	m.OnClose(coord.CloseHook)
	m.OnClose(insp.CloseHook)

	_, err = insp.Refresh(ctx, c.ID)
	require.NoError(t, err)

	return &fixture{manager: m, conn: c, inspector: insp, pager: pager, coord: coord, exec: exec, events: rec}
}

func (f *fixture) run(t *testing.T, sql string, args ...sqlvalue.Value) *Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), Request{ConnectionID: f.conn.ID, SQL: sql, Params: Params{Positional: args}})
	require.NoError(t, err, sql)
	return res
}

// rows drains the result set of res.
func (f *fixture) rows(t *testing.T, res *Result) [][]sqlvalue.Value {
	t.Helper()
	require.NotNil(t, res.ResultSet)
	var out [][]sqlvalue.Value
	for {
		page, err := f.pager.Fetch(context.Background(), res.ResultSet.Handle, 100)
		require.NoError(t, err)
		if len(page.Rows) == 0 {
			f.pager.Close(res.ResultSet.Handle, events.ReasonClientClosed)
			return out
		}
		out = append(out, page.Rows...)
	}
}

func (f *fixture) scalar(t *testing.T, sql string) int64 {
	t.Helper()
	rows := f.rows(t, f.run(t, sql))
	require.Len(t, rows, 1)
	return rows[0][0].Int
}

func TestExecute_Read(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), Request{SQL: "SELECT id, title, price FROM books ORDER BY id", Count: true})
	require.NoError(t, err)

	assert.Equal(t, sqltext.KindRead, res.Kind)
	assert.Equal(t, f.conn.ID, res.ConnectionID, "an empty id targets the active connection")
	assert.NotEmpty(t, res.RequestID)
	assert.Nil(t, res.Mutation)
	require.NotNil(t, res.ResultSet.TotalRows)
	assert.Equal(t, int64(5), *res.ResultSet.TotalRows)

	require.Len(t, res.ResultSet.Columns, 3)
	assert.Equal(t, "title", res.ResultSet.Columns[1].Name)
	assert.Equal(t, sqlvalue.AffinityReal, res.ResultSet.Columns[2].Affinity)

	assert.Empty(t, f.events.Events())

	rows := f.rows(t, res)
	require.Len(t, rows, 5)
	assert.Equal(t, "Solaris", rows[2][1].Text)
}

func TestExecute_Write(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "INSERT INTO authors (name, born) VALUES (?, ?)", sqlvalue.TextValue("Jorge Luis Borges"), sqlvalue.IntValue(1899))
	require.NotNil(t, res.Mutation)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)
	require.NotNil(t, res.Mutation.LastInsertRowID)
	assert.Equal(t, int64(4), *res.Mutation.LastInsertRowID)
	assert.Nil(t, res.ResultSet)

	res = f.run(t, "UPDATE books SET price = price + 1 WHERE author_id = 1")
	assert.Equal(t, int64(2), res.Mutation.RowsAffected)
	assert.Nil(t, res.Mutation.LastInsertRowID, "only inserts report a rowid")

	// The price trigger writes history rows.
	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM price_history"))
}

func TestExecute_WriteReturning(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE stamps (id INTEGER PRIMARY KEY, label TEXT, at DATETIME)")

	res := f.run(t, "INSERT INTO stamps (label, at) VALUES ('x', 1), ('y', 2), ('z', 3) RETURNING id, label")
	assert.Equal(t, sqltext.KindWrite, res.Kind)
	require.NotNil(t, res.Mutation)
	assert.Equal(t, int64(3), res.Mutation.RowsAffected)
	require.NotNil(t, res.Mutation.LastInsertRowID)
	assert.Equal(t, int64(3), *res.Mutation.LastInsertRowID)

	require.NotNil(t, res.ResultSet)
	require.NotNil(t, res.ResultSet.TotalRows)
	assert.Equal(t, int64(3), *res.ResultSet.TotalRows)
	var labels []string
	for _, row := range f.rows(t, res) {
		labels = append(labels, row[1].Text)
	}
	assert.ElementsMatch(t, []string{"x", "y", "z"}, labels)
	assert.Equal(t, int64(3), f.scalar(t, "SELECT count(*) FROM stamps"))

	// A RETURNING write before the final statement runs to completion
	// without leaving a cursor behind.
	res = f.run(t, "UPDATE stamps SET label = upper(label) RETURNING id; DELETE FROM stamps WHERE id = 1")
	assert.Nil(t, res.ResultSet)
	assert.Equal(t, int64(4), res.Mutation.RowsAffected)
	require.Len(t, res.Statements, 2)
	assert.Equal(t, int64(3), res.Statements[0].RowsAffected)
	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM stamps WHERE label = upper(label)"))
	assert.Zero(t, f.pager.Len())
}

func TestExecute_StoredScalarsOfDateAndBooleanColumns(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE readings (b BOOLEAN, d DATETIME, s DATETIME, day DATE, at TIMESTAMP)")
	f.run(t, `INSERT INTO readings VALUES
		(5, 1700000000, '2024-01-01 00:00:00', 'not a date', 2.5),
		(0, NULL, '2024-01-02T10:00:00Z', '2024-01-02', 'x')`)

	res := f.run(t, "SELECT b, d, s, day, at, typeof(d) FROM readings ORDER BY b DESC")
	require.Len(t, res.ResultSet.Columns, 6)
	assert.Equal(t, "b", res.ResultSet.Columns[0].Name)
	assert.Equal(t, "DATETIME", res.ResultSet.Columns[1].DeclaredType, "columns keep their declared types")

	want := [][]sqlvalue.Value{
		{sqlvalue.IntValue(5), sqlvalue.IntValue(1700000000), sqlvalue.TextValue("2024-01-01 00:00:00"), sqlvalue.TextValue("not a date"), sqlvalue.RealValue(2.5), sqlvalue.TextValue("integer")},
		{sqlvalue.IntValue(0), sqlvalue.NullValue(), sqlvalue.TextValue("2024-01-02T10:00:00Z"), sqlvalue.TextValue("2024-01-02"), sqlvalue.TextValue("x"), sqlvalue.TextValue("null")},
	}
	rows := f.rows(t, res)
	require.Len(t, rows, len(want))
	for i, row := range rows {
		for j, v := range row {
			assert.Truef(t, v.Equal(want[i][j]), "row %d column %d: got %s %v, want %s %v", i, j, v.Type, v, want[i][j].Type, want[i][j])
		}
	}

	res, err := f.exec.Execute(context.Background(), Request{SQL: "SELECT b FROM readings WHERE b > ?", Params: Params{Positional: []sqlvalue.Value{sqlvalue.IntValue(1)}}, Count: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), *res.ResultSet.TotalRows)
	rows = f.rows(t, res)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(5), rows[0][0].Int, "bound parameters reach the rewritten read")
}

func TestRawProjection(t *testing.T) {
	cols := []cursor.Column{{Name: "id", DeclaredType: "INTEGER"}, {Name: "at", DeclaredType: "DATETIME"}}

	raw, ok := rawProjection(&step{Statement: sqltext.Statement{Text: "SELECT id, at FROM t", Kind: sqltext.KindRead, Keyword: "SELECT"}}, cols)
	require.True(t, ok)
	assert.Equal(t, "WITH litelens_raw(c0, c1) AS (\nSELECT id, at FROM t\n) SELECT c0, +c1 FROM litelens_raw", raw)

	_, ok = rawProjection(&step{Statement: sqltext.Statement{Text: "SELECT id FROM t", Kind: sqltext.KindRead, Keyword: "SELECT"}}, cols[:1])
	assert.False(t, ok, "reads without driver typed columns run as written")

	_, ok = rawProjection(&step{Statement: sqltext.Statement{Text: "PRAGMA table_info(t)", Kind: sqltext.KindRead, Keyword: "PRAGMA"}}, cols)
	assert.False(t, ok)
}

func TestExecute_UniqueViolation(t *testing.T) {
	f := newFixture(t)
	f.run(t, "CREATE TABLE t (id INTEGER, a TEXT UNIQUE)")
	f.run(t, "INSERT INTO t VALUES (0, 'a')")
	f.events.Reset()

	res, err := f.exec.Execute(context.Background(), Request{SQL: "INSERT INTO t VALUES (1,'a')"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, dberr.ErrConstraint)
	assert.NotErrorIs(t, err, dberr.ErrEngine)

	e, ok := dberr.As(err)
	require.True(t, ok)
	require.NotNil(t, e.Constraint)
	assert.Equal(t, dberr.ConstraintUnique, e.Constraint.Kind)
	assert.Equal(t, "t", e.Constraint.Table)
	assert.Equal(t, []string{"a"}, e.Constraint.Columns)

	assert.Empty(t, f.events.Events(), "no schema or transaction events")
	assert.Equal(t, int64(1), f.scalar(t, "SELECT count(*) FROM t"))
}

func TestExecute_TransactionRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	before := f.scalar(t, "SELECT count(*) FROM books")

	res := f.run(t, "BEGIN")
	require.NotNil(t, res.Transaction)
	assert.Equal(t, txn.StateActive, res.Transaction.State)

	f.run(t, "INSERT INTO books (title, author_id, price) VALUES ('Cosmicomics', 3, 9.0)")
	_, err := f.exec.Execute(context.Background(), Request{SQL: "INSERT INTO books (title, isbn, author_id, price) VALUES ('Dup', '978-0156027601', 2, 1.0)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dberr.ErrConstraint)

	cur := f.coord.Current(f.conn.ID)
	assert.Equal(t, txn.StateRolledBack, cur.State)
	assert.Equal(t, events.ReasonStatementFailed, cur.Reason)
	assert.Len(t, cur.Statements, 1, "the applied insert is kept for diagnostics")

	assert.Equal(t, before, f.scalar(t, "SELECT count(*) FROM books"))
	assert.False(t, f.coord.IsActive(f.conn.ID))

	var reasons []string
	for _, e := range f.events.OfType(events.TypeTransactionStateChanged) {
		reasons = append(reasons, e.State+"/"+e.Reason)
	}
	assert.Equal(t, []string{"active/requested", "rolled_back/statement_failed"}, reasons)
}

func TestExecute_ImplicitBatchTransaction(t *testing.T) {
	f := newFixture(t)
	before := f.scalar(t, "SELECT count(*) FROM authors")

	_, err := f.exec.Execute(context.Background(), Request{SQL: `
		INSERT INTO authors (name) VALUES ('Mervyn Peake');
		INSERT INTO authors (name) VALUES (NULL);`})
	require.Error(t, err)
	e, ok := dberr.As(err)
	require.True(t, ok)
	assert.Equal(t, dberr.ConstraintNotNull, e.Constraint.Kind)

	assert.Equal(t, before, f.scalar(t, "SELECT count(*) FROM authors"), "the first insert is undone")
	assert.Empty(t, f.events.OfType(events.TypeTransactionStateChanged), "implicit transactions emit no events")

	res := f.run(t, `
		INSERT INTO authors (name) VALUES ('Mervyn Peake');
		INSERT INTO authors (name) VALUES ('Angela Carter');
		SELECT name FROM authors ORDER BY id DESC LIMIT 2`)
	assert.Equal(t, int64(2), res.Mutation.RowsAffected)
	assert.Len(t, res.Statements, 3)
	rows := f.rows(t, res)
	require.Len(t, rows, 2)
	assert.Equal(t, "Angela Carter", rows[0][0].Text)
}

func TestExecute_DDLRefreshesSchemaOnce(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "CREATE TABLE shelves (id INTEGER PRIMARY KEY, label TEXT); CREATE INDEX shelves_label ON shelves (label)")
	assert.True(t, res.SchemaChanged)

	changed := f.events.OfType(events.TypeSchemaChanged)
	require.Len(t, changed, 1, "one event per request")
	assert.Equal(t, f.conn.ID, changed[0].ConnectionID)
	assert.Equal(t, res.RequestID, changed[0].RequestID)
	assert.Equal(t, events.ReasonDDL, changed[0].Reason)

	snap, err := f.inspector.Current(context.Background(), f.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, changed[0].SchemaVersion, snap.Version)
	table, ok := snap.Table("shelves")
	require.True(t, ok)
	require.Len(t, table.Indexes, 1)
	assert.Equal(t, "shelves_label", table.Indexes[0].Name)

	// A failing DDL statement changes nothing and reports nothing.
	f.events.Reset()
	_, err = f.exec.Execute(context.Background(), Request{SQL: "CREATE TABLE shelves (x)"})
	require.Error(t, err)
	assert.Empty(t, f.events.OfType(events.TypeSchemaChanged))
}

func TestExecute_RollbackOfDDL(t *testing.T) {
	f := newFixture(t)

	f.run(t, "BEGIN; CREATE TABLE scratch (x)")
	snap, err := f.inspector.Current(context.Background(), f.conn.ID)
	require.NoError(t, err)
	_, ok := snap.Table("scratch")
	require.True(t, ok, "the open transaction sees its own DDL")

	f.events.Reset()
	res := f.run(t, "ROLLBACK")
	assert.True(t, res.SchemaChanged)
	assert.Equal(t, txn.StateRolledBack, res.Transaction.State)
	require.Len(t, f.events.OfType(events.TypeSchemaChanged), 1)

	snap, err = f.inspector.Current(context.Background(), f.conn.ID)
	require.NoError(t, err)
	_, ok = snap.Table("scratch")
	assert.False(t, ok)
}

func TestExecute_TransactionControl(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "BEGIN IMMEDIATE")
	assert.Equal(t, txn.ModeImmediate, res.Transaction.Mode)

	_, err := f.exec.Execute(context.Background(), Request{SQL: "BEGIN"})
	assert.ErrorIs(t, err, dberr.ErrTransactionAlreadyActive)
	assert.True(t, f.coord.IsActive(f.conn.ID), "a rejected BEGIN does not end the transaction")

	f.run(t, "SAVEPOINT sp; DELETE FROM notes; ROLLBACK TO sp; RELEASE sp")
	res = f.run(t, "COMMIT")
	assert.Equal(t, txn.StateCommitted, res.Transaction.State)
	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM notes"))

	_, err = f.exec.Execute(context.Background(), Request{SQL: "COMMIT"})
	assert.ErrorIs(t, err, dberr.ErrNoActiveTransaction)
	_, err = f.exec.Execute(context.Background(), Request{SQL: "SAVEPOINT sp"})
	assert.ErrorIs(t, err, dberr.ErrValidation)
}

func TestExecute_Validation(t *testing.T) {
	f := newFixture(t)
	one := sqlvalue.IntValue(1)

	tests := []struct {
		name string
		req  Request
		kind dberr.Kind
	}{
		{"empty", Request{SQL: "   "}, dberr.KindValidation},
		{"comment only", Request{SQL: "-- nothing"}, dberr.KindValidation},
		{"attach", Request{SQL: "ATTACH DATABASE 'other.db' AS other"}, dberr.KindValidation},
		{"too few positional", Request{SQL: "SELECT ?, ?", Params: Params{Positional: []sqlvalue.Value{one}}}, dberr.KindValidation},
		{"too many positional", Request{SQL: "SELECT ?", Params: Params{Positional: []sqlvalue.Value{one, one}}}, dberr.KindValidation},
		{"missing named", Request{SQL: "SELECT :a"}, dberr.KindValidation},
		{"unused named", Request{SQL: "SELECT 1", Params: Params{Named: map[string]sqlvalue.Value{"a": one}}}, dberr.KindValidation},
		{"mixed styles", Request{SQL: "SELECT ?, :a", Params: Params{Positional: []sqlvalue.Value{one}, Named: map[string]sqlvalue.Value{"a": one}}}, dberr.KindValidation},
		{"numbered in batch", Request{SQL: "SELECT ?1; SELECT 2", Params: Params{Positional: []sqlvalue.Value{one}}}, dberr.KindValidation},
		{"unknown statement", Request{SQL: "SELEC 1"}, dberr.KindSyntax},
		{"unterminated string", Request{SQL: "SELECT 'abc"}, dberr.KindSyntax},
		{"no such table", Request{SQL: "SELECT * FROM missing"}, dberr.KindValidation},
		{"unknown connection", Request{ConnectionID: "nope", SQL: "SELECT 1"}, dberr.KindUnknownConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, dberr.KindOf(err), err.Error())
		})
	}
	assert.Zero(t, f.pager.Len())
}

func TestExecute_SyntaxErrorPosition(t *testing.T) {
	f := newFixture(t)
	sql := "SELECT 1;\nSELECT title FROM books GROUP x"

	_, err := f.exec.Execute(context.Background(), Request{SQL: sql})
	require.Error(t, err)
	e, ok := dberr.As(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindSyntax, e.Kind)
	require.NotNil(t, e.Position)
	assert.Equal(t, 1, e.Position.Statement)
	assert.Equal(t, 2, e.Position.Line)
	assert.Equal(t, "x", e.Near)
	assert.Equal(t, "x", sql[e.Position.Offset:e.Position.Offset+1])
}

func TestExecute_Params(t *testing.T) {
	f := newFixture(t)

	res := f.run(t, "INSERT INTO notes (body) VALUES (?); INSERT INTO notes (body) VALUES (?)",
		sqlvalue.TextValue("first"), sqlvalue.TextValue("second"))
	assert.Equal(t, int64(2), res.Mutation.RowsAffected)

	res, err := f.exec.Execute(context.Background(), Request{
		SQL:    "SELECT title FROM books WHERE author_id = :author AND price > @min ORDER BY id",
		Params: Params{Named: map[string]sqlvalue.Value{":author": sqlvalue.IntValue(2), "min": sqlvalue.RealValue(11.5)}},
	})
	require.NoError(t, err)
	rows := f.rows(t, res)
	require.Len(t, rows, 1)
	assert.Equal(t, "Solaris", rows[0][0].Text)

	res, err = f.exec.Execute(context.Background(), Request{
		SQL:    "SELECT ?2, ?1",
		Params: Params{Positional: []sqlvalue.Value{sqlvalue.TextValue("a"), sqlvalue.TextValue("b")}},
	})
	require.NoError(t, err)
	rows = f.rows(t, res)
	assert.Equal(t, "b", rows[0][0].Text)
	assert.Equal(t, "a", rows[0][1].Text)
}

func TestExecute_Busy(t *testing.T) {
	f := newFixture(t)

	lease, err := f.conn.Acquire(context.Background())
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), Request{SQL: "SELECT 1"})
	assert.ErrorIs(t, err, dberr.ErrConnectionBusy)
	lease.Release()

	f.run(t, "SELECT 1")
}

func TestCancel_RunningRequest(t *testing.T) {
	f := newFixture(t)

	errc := make(chan error, 1)
	go func() {
		_, err := f.exec.Execute(context.Background(), Request{RequestID: "slow", SQL: slowCount, Count: true})
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.exec.Running() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, f.exec.Cancel("slow"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, dberr.ErrCancelled)
	case <-time.After(30 * time.Second):
		t.Fatal("cancelled request did not return")
	}

	assert.Equal(t, int64(5), f.scalar(t, "SELECT count(*) FROM books"), "the connection is still usable")
	assert.False(t, f.exec.Cancel("slow"), "nothing left to cancel")
}

func TestCancel_DuringFetch(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), Request{RequestID: "fetch", SQL: slowCount})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.pager.Fetch(context.Background(), res.ResultSet.Handle, 10)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, f.exec.Cancel("fetch"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, dberr.ErrCancelled)
	case <-time.After(30 * time.Second):
		t.Fatal("cancelled fetch did not return")
	}

	closed := f.events.OfType(events.TypeCursorClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, events.ReasonCancelled, closed[0].Reason)

	f.run(t, "INSERT INTO notes (body) VALUES ('after cancel')")
}

func TestCancel_InsideTransaction(t *testing.T) {
	f := newFixture(t)
	f.run(t, "BEGIN")
	f.run(t, "DELETE FROM notes")

	errc := make(chan error, 1)
	go func() {
		_, err := f.exec.Execute(context.Background(), Request{RequestID: "slow", SQL: slowCount, Count: true})
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.exec.Running() == 1 }, 5*time.Second, time.Millisecond)
	f.exec.Cancel("slow")
	assert.ErrorIs(t, <-errc, dberr.ErrCancelled)

	cur := f.coord.Current(f.conn.ID)
	assert.Equal(t, txn.StateRolledBack, cur.State)
	assert.Equal(t, events.ReasonCancelled, cur.Reason)
	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM notes"))
}

func TestClose_InterruptsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	f.run(t, "BEGIN")
	res := f.run(t, "SELECT * FROM books")

	require.NoError(t, f.manager.Close(context.Background(), f.conn.ID))

	closed := f.events.OfType(events.TypeCursorClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, res.ResultSet.Handle, closed[0].CursorHandle)
	assert.Equal(t, events.ReasonConnectionClosed, closed[0].Reason)

	_, err := f.pager.Fetch(context.Background(), res.ResultSet.Handle, 10)
	assert.ErrorIs(t, err, dberr.ErrConnectionClosedUnderneath)

	_, err = f.exec.Execute(context.Background(), Request{ConnectionID: f.conn.ID, SQL: "SELECT 1"})
	assert.ErrorIs(t, err, dberr.ErrUnknownConnection)
}

func TestPlan(t *testing.T) {
	steps, err := plan(Request{
		SQL:    "UPDATE books SET price = ? WHERE id = ?; DELETE FROM tags WHERE tag = $tag; SELECT ?",
		Params: Params{Positional: []sqlvalue.Value{sqlvalue.RealValue(1), sqlvalue.IntValue(2), sqlvalue.IntValue(3)}, Named: map[string]sqlvalue.Value{"$tag": sqlvalue.TextValue("fable")}},
	})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []any{1.0, int64(2)}, steps[0].args)
	assert.Len(t, steps[1].args, 1)
	assert.Equal(t, []any{int64(3)}, steps[2].args)
}

func TestBeginMode(t *testing.T) {
	assert.Equal(t, txn.Mode(""), beginMode("BEGIN"))
	assert.Equal(t, txn.ModeExclusive, beginMode("begin exclusive transaction"))
	assert.Equal(t, txn.Mode(""), beginMode("BEGIN TRANSACTION"))
}
