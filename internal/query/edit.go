package query

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/sqltext"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// Filter operators accepted by Browse.
const (
	OpEq      = "="
	OpNe      = "!="
	OpLt      = "<"
	OpLe      = "<="
	OpGt      = ">"
	OpGe      = ">="
	OpLike    = "like"
	OpIsNull  = "is_null"
	OpNotNull = "not_null"
)

// Filter restricts Browse to rows where Column Op Value holds.
type Filter struct {
	Column string         `json:"column"`
	Op     string         `json:"op"`
	Value  sqlvalue.Value `json:"value"`
}

// BrowseRequest pages through one table or view.
type BrowseRequest struct {
	ConnectionID string   `json:"connection_id,omitempty"`
	RequestID    string   `json:"request_id,omitempty"`
	Table        string   `json:"table"`
	Filters      []Filter `json:"filters,omitempty"`
	OrderBy      string   `json:"order_by,omitempty"`
	Descending   bool     `json:"descending,omitempty"`
}

// EditRequest is a single-row change. Key holds the row key: the primary
// key columns, or "rowid" for rowid tables without one.
type EditRequest struct {
	ConnectionID string                    `json:"connection_id,omitempty"`
	RequestID    string                    `json:"request_id,omitempty"`
	Table        string                    `json:"table"`
	Key          map[string]sqlvalue.Value `json:"key,omitempty"`
	Column       string                    `json:"column,omitempty"`
	Value        sqlvalue.Value            `json:"value"`
	Values       map[string]sqlvalue.Value `json:"values,omitempty"`
}

// Browse opens a cursor over a table with optional filters and ordering,
// counting the matching rows. Rowid tables without a primary key get the
// rowid as their first column so rows can be edited.
func (e *Executor) Browse(ctx context.Context, req BrowseRequest) (*Result, error) {
	connID, table, err := e.table(ctx, req.ConnectionID, req.Table)
	if err != nil {
		return nil, err
	}

	var (
		b    strings.Builder
		args []sqlvalue.Value
	)
	b.WriteString("SELECT ")
	if table.UsesRowID() {
		b.WriteString(`rowid AS "rowid", `)
	}
	b.WriteString("* FROM ")
	b.WriteString(sqltext.QuoteIdent(table.Name))

	for i, f := range req.Filters {
		col, err := columnRef(table, f.Column)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(col)
		switch strings.ToLower(f.Op) {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
			b.WriteString(" " + f.Op + " ?")
			args = append(args, f.Value)
		case OpLike:
			b.WriteString(" LIKE ?")
			args = append(args, f.Value)
		case OpIsNull:
			b.WriteString(" IS NULL")
		case OpNotNull:
			b.WriteString(" IS NOT NULL")
		default:
			return nil, dberr.New(dberr.KindValidation, "unknown filter operator %q", f.Op)
		}
	}

	if req.OrderBy != "" {
		col, err := columnRef(table, req.OrderBy)
		if err != nil {
			return nil, err
		}
		b.WriteString(" ORDER BY " + col)
		if req.Descending {
			b.WriteString(" DESC")
		}
	}

	return e.Execute(ctx, Request{
		ConnectionID: connID,
		RequestID:    req.RequestID,
		SQL:          b.String(),
		Params:       Params{Positional: args},
		Count:        true,
	})
}

// InsertRow inserts one row. Columns left out take their defaults.
func (e *Executor) InsertRow(ctx context.Context, req EditRequest) (*Result, error) {
	connID, table, err := e.editable(ctx, req.ConnectionID, req.Table)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(req.Values))
	for name := range req.Values {
		names = append(names, name)
	}
	// Table order keeps the generated statement stable.
	sort.Slice(names, func(i, j int) bool { return position(table, names[i]) < position(table, names[j]) })

	target := sqltext.QuoteIdent(table.Name)
	if len(names) == 0 {
		return e.Execute(ctx, Request{
			ConnectionID: connID,
			RequestID:    req.RequestID,
			SQL:          "INSERT INTO " + target + " DEFAULT VALUES",
		})
	}

	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]sqlvalue.Value, len(names))
	for i, name := range names {
		col, err := writableColumn(table, name)
		if err != nil {
			return nil, err
		}
		cols[i] = col
		marks[i] = "?"
		args[i] = req.Values[name]
	}

	return e.Execute(ctx, Request{
		ConnectionID: connID,
		RequestID:    req.RequestID,
		SQL:          "INSERT INTO " + target + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")",
		Params:       Params{Positional: args},
	})
}

// UpdateCell sets one column of the row identified by req.Key. A key that
// matches no row updates nothing and reports zero rows affected.
func (e *Executor) UpdateCell(ctx context.Context, req EditRequest) (*Result, error) {
	connID, table, err := e.editable(ctx, req.ConnectionID, req.Table)
	if err != nil {
		return nil, err
	}
	col, err := writableColumn(table, req.Column)
	if err != nil {
		return nil, err
	}
	where, keyArgs, err := keyClause(table, req.Key)
	if err != nil {
		return nil, err
	}

	return e.Execute(ctx, Request{
		ConnectionID: connID,
		RequestID:    req.RequestID,
		SQL:          "UPDATE " + sqltext.QuoteIdent(table.Name) + " SET " + col + " = ? WHERE " + where,
		Params:       Params{Positional: append([]sqlvalue.Value{req.Value}, keyArgs...)},
	})
}

// DeleteRow deletes the row identified by req.Key.
func (e *Executor) DeleteRow(ctx context.Context, req EditRequest) (*Result, error) {
	connID, table, err := e.editable(ctx, req.ConnectionID, req.Table)
	if err != nil {
		return nil, err
	}
	where, keyArgs, err := keyClause(table, req.Key)
	if err != nil {
		return nil, err
	}

	return e.Execute(ctx, Request{
		ConnectionID: connID,
		RequestID:    req.RequestID,
		SQL:          "DELETE FROM " + sqltext.QuoteIdent(table.Name) + " WHERE " + where,
		Params:       Params{Positional: keyArgs},
	})
}

// table finds name in the connection's current snapshot, building the
// snapshot if there is none yet.
func (e *Executor) table(ctx context.Context, connID, name string) (string, *schema.Table, error) {
	conn, err := e.conns.Resolve(connID)
	if err != nil {
		return "", nil, err
	}
	if name == "" {
		return "", nil, dberr.New(dberr.KindValidation, "table name is required")
	}

	snap, err := e.schema.Current(ctx, conn.ID)
	if errors.Is(err, dberr.ErrNoSnapshotYet) {
		snap, err = e.schema.Refresh(ctx, conn.ID)
	}
	if err != nil {
		return "", nil, err
	}

	t, ok := snap.Table(name)
	if !ok {
		return "", nil, dberr.New(dberr.KindValidation, "no such table: %s", name)
	}
	if t.Malformed {
		return "", nil, dberr.New(dberr.KindValidation, "table %s cannot be read: %s", t.Name, t.Issue)
	}
	return conn.ID, t, nil
}

// editable is table restricted to real tables.
func (e *Executor) editable(ctx context.Context, connID, name string) (string, *schema.Table, error) {
	id, t, err := e.table(ctx, connID, name)
	if err != nil {
		return "", nil, err
	}
	if t.Type != schema.TypeTable {
		return "", nil, dberr.New(dberr.KindValidation, "%s is a %s and cannot be edited", t.Name, t.Type)
	}
	return id, t, nil
}

// columnRef quotes a column of t, accepting rowid for rowid tables.
func columnRef(t *schema.Table, name string) (string, error) {
	if c, ok := t.Column(name); ok {
		return sqltext.QuoteIdent(c.Name), nil
	}
	if strings.EqualFold(name, schema.RowIDColumn) && t.UsesRowID() {
		return schema.RowIDColumn, nil
	}
	return "", dberr.New(dberr.KindValidation, "no such column: %s.%s", t.Name, name)
}

// writableColumn quotes a column that accepts values. Generated columns
// do not.
func writableColumn(t *schema.Table, name string) (string, error) {
	c, ok := t.Column(name)
	if !ok {
		return "", dberr.New(dberr.KindValidation, "no such column: %s.%s", t.Name, name)
	}
	if c.Hidden != 0 {
		return "", dberr.New(dberr.KindValidation, "column %s.%s is generated or hidden", t.Name, c.Name)
	}
	return sqltext.QuoteIdent(c.Name), nil
}

// keyClause builds the WHERE clause matching a row key. IS compares NULL
// key values as equal.
func keyClause(t *schema.Table, key map[string]sqlvalue.Value) (string, []sqlvalue.Value, error) {
	cols, ok := t.RowKey()
	if !ok {
		return "", nil, dberr.New(dberr.KindValidation, "table %s has no row key", t.Name)
	}

	given := make(map[string]sqlvalue.Value, len(key))
	for k, v := range key {
		given[strings.ToLower(k)] = v
	}
	if len(given) != len(cols) {
		return "", nil, dberr.New(dberr.KindValidation, "row key of %s is (%s)", t.Name, strings.Join(cols, ", "))
	}

	parts := make([]string, len(cols))
	args := make([]sqlvalue.Value, len(cols))
	for i, name := range cols {
		v, ok := given[strings.ToLower(name)]
		if !ok {
			return "", nil, dberr.New(dberr.KindValidation, "row key of %s is (%s)", t.Name, strings.Join(cols, ", "))
		}
		ref, err := columnRef(t, name)
		if err != nil {
			return "", nil, err
		}
		parts[i] = ref + " IS ?"
		args[i] = v
	}
	return strings.Join(parts, " AND "), args, nil
}

func position(t *schema.Table, name string) int {
	if c, ok := t.Column(name); ok {
		return c.Position
	}
	return len(t.Columns)
}
