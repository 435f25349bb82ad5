package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

func TestBrowse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.Browse(ctx, BrowseRequest{
		Table:      "BOOKS",
		Filters:    []Filter{{Column: "author_id", Op: OpEq, Value: sqlvalue.IntValue(1)}},
		OrderBy:    "title",
		Descending: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ResultSet.TotalRows)
	assert.Equal(t, int64(2), *res.ResultSet.TotalRows)
	assert.Equal(t, "id", res.ResultSet.Columns[0].Name, "integer primary keys are not doubled by rowid")

	rows := f.rows(t, res)
	require.Len(t, rows, 2)
	assert.Equal(t, "The Left Hand of Darkness", rows[0][1].Text)
	assert.Equal(t, "The Dispossessed", rows[1][1].Text)

	res, err = f.exec.Browse(ctx, BrowseRequest{Table: "notes", Filters: []Filter{{Column: "body", Op: OpNotNull}}})
	require.NoError(t, err)
	assert.Equal(t, "rowid", res.ResultSet.Columns[0].Name)
	rows = f.rows(t, res)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0].Int)

	res, err = f.exec.Browse(ctx, BrowseRequest{Table: "book_list", Filters: []Filter{{Column: "author", Op: OpLike, Value: sqlvalue.TextValue("%lem")}}})
	require.NoError(t, err)
	assert.Len(t, f.rows(t, res), 2)
}

func TestBrowse_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  BrowseRequest
	}{
		{"no table", BrowseRequest{}},
		{"unknown table", BrowseRequest{Table: `books"; DROP TABLE books; --`}},
		{"unknown column", BrowseRequest{Table: "books", OrderBy: "1; DROP TABLE books"}},
		{"unknown operator", BrowseRequest{Table: "books", Filters: []Filter{{Column: "id", Op: "; DROP"}}}},
		{"rowid of a without rowid table", BrowseRequest{Table: "tags", OrderBy: "rowid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Browse(ctx, tt.req)
			assert.ErrorIs(t, err, dberr.ErrValidation)
		})
	}
	assert.Equal(t, int64(5), f.scalar(t, "SELECT count(*) FROM books"))
}

func TestInsertRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hostile := "x'); DROP TABLE authors; --"

	res, err := f.exec.InsertRow(ctx, EditRequest{
		Table:  "authors",
		Values: map[string]sqlvalue.Value{"Name": sqlvalue.TextValue(hostile), "born": sqlvalue.IntValue(1950)},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Mutation.LastInsertRowID)
	id := *res.Mutation.LastInsertRowID

	got, err := f.exec.Execute(ctx, Request{SQL: "SELECT name, country FROM authors WHERE id = ?", Params: Params{Positional: []sqlvalue.Value{sqlvalue.IntValue(id)}}})
	require.NoError(t, err)
	rows := f.rows(t, got)
	require.Len(t, rows, 1)
	assert.Equal(t, hostile, rows[0][0].Text, "values are bound, never spliced")
	assert.Equal(t, "unknown", rows[0][1].Text, "omitted columns take their default")

	res, err = f.exec.InsertRow(ctx, EditRequest{Table: "notes"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)

	_, err = f.exec.InsertRow(ctx, EditRequest{Table: "book_list", Values: map[string]sqlvalue.Value{"title": sqlvalue.TextValue("x")}})
	assert.ErrorIs(t, err, dberr.ErrValidation, "views are read-only")

	_, err = f.exec.InsertRow(ctx, EditRequest{Table: "authors", Values: map[string]sqlvalue.Value{"nickname": sqlvalue.TextValue("x")}})
	assert.ErrorIs(t, err, dberr.ErrValidation)

	_, err = f.exec.InsertRow(ctx, EditRequest{Table: "books", Values: map[string]sqlvalue.Value{"title": sqlvalue.TextValue("Orphan"), "author_id": sqlvalue.IntValue(99)}})
	e, ok := dberr.As(err)
	require.True(t, ok)
	assert.Equal(t, dberr.ConstraintForeignKey, e.Constraint.Kind)
}

func TestUpdateCell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.UpdateCell(ctx, EditRequest{
		Table:  "books",
		Key:    map[string]sqlvalue.Value{"id": sqlvalue.IntValue(3)},
		Column: "price",
		Value:  sqlvalue.RealValue(13.5),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)
	assert.Equal(t, int64(1), f.scalar(t, "SELECT count(*) FROM books WHERE id = 3 AND price = 13.5"))

	res, err = f.exec.UpdateCell(ctx, EditRequest{
		Table:  "notes",
		Key:    map[string]sqlvalue.Value{"rowid": sqlvalue.IntValue(2)},
		Column: "body",
		Value:  sqlvalue.TextValue("was null"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)

	res, err = f.exec.UpdateCell(ctx, EditRequest{
		Table:  "books",
		Key:    map[string]sqlvalue.Value{"id": sqlvalue.IntValue(404)},
		Column: "price",
		Value:  sqlvalue.RealValue(1),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Mutation.RowsAffected)

	_, err = f.exec.UpdateCell(ctx, EditRequest{
		Table:  "books",
		Key:    map[string]sqlvalue.Value{"id": sqlvalue.IntValue(1)},
		Column: "price",
		Value:  sqlvalue.RealValue(-1),
	})
	e, ok := dberr.As(err)
	require.True(t, ok)
	require.Equal(t, dberr.KindConstraint, e.Kind)
	assert.Equal(t, dberr.ConstraintCheck, e.Constraint.Kind)
	assert.Equal(t, "price_positive", e.Constraint.Name)

	_, err = f.exec.UpdateCell(ctx, EditRequest{Table: "books", Key: map[string]sqlvalue.Value{"title": sqlvalue.TextValue("Solaris")}, Column: "price"})
	assert.ErrorIs(t, err, dberr.ErrValidation, "the key must be the row key")
}

func TestDeleteRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.exec.DeleteRow(ctx, EditRequest{
		Table: "tags",
		Key:   map[string]sqlvalue.Value{"book_id": sqlvalue.IntValue(1), "TAG": sqlvalue.TextValue("utopia")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)
	assert.Equal(t, int64(3), f.scalar(t, "SELECT count(*) FROM tags"))

	_, err = f.exec.DeleteRow(ctx, EditRequest{Table: "tags", Key: map[string]sqlvalue.Value{"book_id": sqlvalue.IntValue(1)}})
	assert.ErrorIs(t, err, dberr.ErrValidation, "partial keys are rejected")

	// Deletes cascade to tags through the foreign key.
	res, err = f.exec.DeleteRow(ctx, EditRequest{Table: "books", Key: map[string]sqlvalue.Value{"id": sqlvalue.IntValue(3)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Mutation.RowsAffected)
	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM tags"))
}

func TestEditsJoinTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "BEGIN")
	_, err := f.exec.DeleteRow(ctx, EditRequest{Table: "notes", Key: map[string]sqlvalue.Value{"rowid": sqlvalue.IntValue(1)}})
	require.NoError(t, err)
	assert.Len(t, f.coord.Current(f.conn.ID).Statements, 1)
	f.run(t, "ROLLBACK")

	assert.Equal(t, int64(2), f.scalar(t, "SELECT count(*) FROM notes"))
}

func TestEdits_KeyOnStoredScalars(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "CREATE TABLE shifts (starts DATETIME PRIMARY KEY, staffed BOOLEAN) WITHOUT ROWID")
	f.run(t, "INSERT INTO shifts VALUES (1700000000, 5), ('2024-01-01 00:00:00', 0)")

	res, err := f.exec.Browse(ctx, BrowseRequest{Table: "shifts", OrderBy: "staffed", Descending: true})
	require.NoError(t, err)
	rows := f.rows(t, res)
	require.Len(t, rows, 2)
	assert.True(t, rows[0][0].Equal(sqlvalue.IntValue(1700000000)), "got %+v", rows[0][0])
	assert.True(t, rows[0][1].Equal(sqlvalue.IntValue(5)), "got %+v", rows[0][1])
	assert.True(t, rows[1][0].Equal(sqlvalue.TextValue("2024-01-01 00:00:00")), "got %+v", rows[1][0])

	upd, err := f.exec.UpdateCell(ctx, EditRequest{
		Table:  "shifts",
		Key:    map[string]sqlvalue.Value{"starts": rows[0][0]},
		Column: "staffed",
		Value:  sqlvalue.IntValue(7),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), upd.Mutation.RowsAffected)

	del, err := f.exec.DeleteRow(ctx, EditRequest{Table: "shifts", Key: map[string]sqlvalue.Value{"starts": rows[1][0]}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Mutation.RowsAffected)

	assert.Equal(t, int64(7), f.scalar(t, "SELECT staffed FROM shifts"))
}
