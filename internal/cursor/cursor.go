package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// Column describes one result column.
type Column struct {
	Name         string            `json:"name"`
	DeclaredType string            `json:"declared_type,omitempty"`
	Affinity     sqlvalue.Affinity `json:"affinity"`
}

// driverTyped are the declared types whose values the sqlite3 driver
// decodes into time.Time or bool instead of the stored scalar.
var driverTyped = map[string]bool{
	"date":      true,
	"datetime":  true,
	"timestamp": true,
	"boolean":   true,
}

// DriverTyped reports whether the driver rewrites the values of c.
func (c Column) DriverTyped() bool {
	return driverTyped[strings.ToLower(c.DeclaredType)]
}

// ColumnsOf describes the columns of rows. Expression columns have no
// declared type.
func ColumnsOf(rows *sql.Rows) ([]Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{
			Name:         ct.Name(),
			DeclaredType: ct.DatabaseTypeName(),
			Affinity:     sqlvalue.AffinityOf(ct.DatabaseTypeName()),
		}
	}
	return cols, nil
}

// Rows is the row source of a cursor. *sql.Rows satisfies it.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Buffered serves rows that were already read. Each row holds driver
// values, scanned into *any destinations.
func Buffered(rows [][]any) Rows {
	return &bufferedRows{rows: rows}
}

type bufferedRows struct {
	rows [][]any
	pos  int
}

func (b *bufferedRows) Next() bool {
	if b.pos >= len(b.rows) {
		return false
	}
	b.pos++
	return true
}

func (b *bufferedRows) Scan(dest ...any) error {
	if b.pos == 0 || b.pos > len(b.rows) {
		return fmt.Errorf("scan called without a row")
	}
	row := b.rows[b.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destination arguments, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		p, ok := d.(*any)
		if !ok {
			return fmt.Errorf("unsupported scan destination %T", d)
		}
		*p = row[i]
	}
	return nil
}

func (b *bufferedRows) Err() error { return nil }

func (b *bufferedRows) Close() error {
	b.pos = len(b.rows)
	b.rows = nil
	return nil
}

// Spec is what the executor hands over when a statement produces rows.
type Spec struct {
	Connection *connection.Connection
	Rows       Rows
	Columns    []Column
	RequestID  string

	// Cancel cancels the context Rows was opened with. Cancelling
	// interrupts a running step and closes Rows.
	Cancel context.CancelFunc

	// TotalRows is set when the caller asked for a row count.
	TotalRows *int64
}

// Info identifies an open cursor. It is the ResultSet handle returned to
// the presentation layer.
type Info struct {
	Handle       string   `json:"cursor_handle"`
	ConnectionID string   `json:"connection_id"`
	RequestID    string   `json:"request_id,omitempty"`
	Columns      []Column `json:"columns"`
	TotalRows    *int64   `json:"total_rows,omitempty"`
}

// Page is one window of rows. Offset is the position of the first row in
// the result; a page with no rows means the result is exhausted.
type Page struct {
	Handle    string             `json:"cursor_handle"`
	Offset    int64              `json:"offset"`
	Rows      [][]sqlvalue.Value `json:"rows"`
	Exhausted bool               `json:"exhausted"`
}

type cursor struct {
	handle    string
	connID    string
	requestID string
	conn      *connection.Connection
	columns   []Column
	total     *int64
	rows      Rows
	cancel    context.CancelFunc

	// fetchMu serialises fetches and guards offset and exhausted.
	fetchMu   sync.Mutex
	offset    int64
	exhausted bool

	closed   atomic.Bool
	lastUsed atomic.Int64 // unix nanoseconds
}

func (c *cursor) info() Info {
	return Info{
		Handle:       c.handle,
		ConnectionID: c.connID,
		RequestID:    c.requestID,
		Columns:      c.columns,
		TotalRows:    c.total,
	}
}

// release stops the statement and frees its engine resources. Safe to
// call more than once and concurrently with a fetch.
func (c *cursor) release() {
	c.closed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	if c.rows != nil {
		_ = c.rows.Close() //nolint:errcheck // The statement is being abandoned
	}
}
