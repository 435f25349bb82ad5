package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// Resolver finds connections by id.
type Resolver interface {
	Resolve(id string) (*connection.Connection, error)
}

// Inspector builds and caches schema snapshots per connection.
type Inspector struct {
	conns  Resolver
	logger connection.Logger

	mu     sync.Mutex
	states map[string]*state

	nowFn func() time.Time
}

type state struct {
	snap    atomic.Pointer[Snapshot]
	stale   atomic.Bool
	version atomic.Uint64
}

// NewInspector creates an Inspector.
func NewInspector(conns Resolver) *Inspector {
	return &Inspector{
		conns:  conns,
		logger: connection.NopLogger{},
		states: make(map[string]*state),
		nowFn:  time.Now,
	}
}

// SetLogger sets the logger for the inspector.
func (i *Inspector) SetLogger(logger connection.Logger) {
	i.logger = logger
}

// Refresh rebuilds the snapshot of a connection.
func (i *Inspector) Refresh(ctx context.Context, connID string) (*Snapshot, error) {
	c, err := i.conns.Resolve(connID)
	if err != nil {
		return nil, err
	}
	lease, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return i.RefreshWith(ctx, lease)
}

// RefreshWith rebuilds the snapshot using a lease the caller already holds.
func (i *Inspector) RefreshWith(ctx context.Context, lease *connection.Lease) (*Snapshot, error) {
	c := lease.Connection()
	st := i.state(c.ID, true)

	start := i.nowFn()
	snap, err := build(ctx, lease.Conn())
	if err != nil {
		err = dberr.Classify(err)
		if dberr.IsFatal(err) {
			c.MarkError(err)
		}
		return nil, err
	}

	snap.ConnectionID = c.ID
	snap.Version = st.version.Add(1)
	snap.TakenAt = i.nowFn().UTC()
	st.snap.Store(snap)
	st.stale.Store(false)

	i.logger.Debug("schema refreshed",
		"connection", c.ID,
		"version", snap.Version,
		"tables", len(snap.Tables),
		"duration", time.Since(start))
	return snap, nil
}

// Current returns the last snapshot without querying the file, unless it
// was invalidated, in which case it is rebuilt first.
func (i *Inspector) Current(ctx context.Context, connID string) (*Snapshot, error) {
	c, err := i.conns.Resolve(connID)
	if err != nil {
		return nil, err
	}
	st := i.state(c.ID, false)
	if st == nil || st.snap.Load() == nil {
		return nil, dberr.New(dberr.KindNoSnapshotYet, "no schema has been read for connection %s", c.ID)
	}
	if st.stale.Load() {
		return i.Refresh(ctx, c.ID)
	}
	return st.snap.Load(), nil
}

// Invalidate marks a connection's snapshot stale so the next Current
// rebuilds it.
func (i *Inspector) Invalidate(connID string) {
	if st := i.state(connID, false); st != nil {
		st.stale.Store(true)
	}
}

// Drop forgets a connection's snapshot.
func (i *Inspector) Drop(connID string) {
	i.mu.Lock()
	delete(i.states, connID)
	i.mu.Unlock()
}

// CloseHook drops the snapshot of a closing connection.
func (i *Inspector) CloseHook(_ context.Context, lease *connection.Lease, _ string) {
	i.Drop(lease.Connection().ID)
}

func (i *Inspector) state(connID string, create bool) *state {
	i.mu.Lock()
	defer i.mu.Unlock()
	st, ok := i.states[connID]
	if !ok && create {
		st = &state{}
		i.states[connID] = st
	}
	return st
}

// masterRow is one row of sqlite_master.
type masterRow struct {
	kind, name, table, sql string
}

func build(ctx context.Context, conn *sql.Conn) (*Snapshot, error) {
	master, err := readMaster(ctx, conn)
	if err != nil {
		return nil, err
	}
	// pragma_table_list fails on files with virtual tables whose module
	// is not compiled in; the flags are then left unset.
	flags, err := readTableList(ctx, conn)
	if err != nil {
		if ctx.Err() != nil || isConnectionFailure(err) {
			return nil, err
		}
		flags = nil
	}

	indexSQL := make(map[string]string)
	snap := &Snapshot{}
	for _, m := range master {
		switch m.kind {
		case "index":
			indexSQL[m.name] = m.sql
		case "trigger":
			snap.Triggers = append(snap.Triggers, Trigger{Name: m.name, Table: m.table, SQL: m.sql})
		}
	}

	for _, m := range master {
		if m.kind != TypeTable && m.kind != TypeView {
			continue
		}
		t := Table{Name: m.name, Type: m.kind, SQL: m.sql}
		if f, ok := flags[m.name]; ok {
			t.WithoutRowID = f.withoutRowID
			t.Strict = f.strict
			t.Virtual = f.virtual
		}
		if err := pragmaReaders.describe(ctx, conn, &t, indexSQL); err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, t)
		snap.Indexes = append(snap.Indexes, t.Indexes...)
	}
	return snap, nil
}

// readMaster lists the user objects of the catalog. The engine's own
// sqlite_ tables, such as sqlite_sequence and sqlite_stat1, are left out.
func readMaster(ctx context.Context, conn *sql.Conn) ([]masterRow, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT type, name, tbl_name, coalesce(sql, '')
		FROM sqlite_master
		WHERE name NOT LIKE 'sqlite\_%' ESCAPE '\'
		ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'view' THEN 1 ELSE 2 END, name`)
	if err != nil {
		return nil, fmt.Errorf("reading sqlite_master: %w", err)
	}
	defer rows.Close()

	var out []masterRow
	for rows.Next() {
		var m masterRow
		if err := rows.Scan(&m.kind, &m.name, &m.table, &m.sql); err != nil {
			return nil, fmt.Errorf("scanning sqlite_master: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type tableFlags struct {
	withoutRowID, strict, virtual bool
}

func readTableList(ctx context.Context, conn *sql.Conn) (map[string]tableFlags, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT name, type, wr, strict FROM pragma_table_list WHERE schema = 'main'`)
	if err != nil {
		return nil, fmt.Errorf("reading table list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]tableFlags)
	for rows.Next() {
		var (
			name, kind string
			wr, strict bool
		)
		if err := rows.Scan(&name, &kind, &wr, &strict); err != nil {
			return nil, fmt.Errorf("scanning table list: %w", err)
		}
		out[name] = tableFlags{withoutRowID: wr, strict: strict, virtual: kind == "virtual"}
	}
	return out, rows.Err()
}

// tableReaders read the per-table catalog pragmas.
type tableReaders struct {
	columns     func(ctx context.Context, conn *sql.Conn, table string) ([]Column, error)
	foreignKeys func(ctx context.Context, conn *sql.Conn, table string) ([]ForeignKey, error)
	indexes     func(ctx context.Context, conn *sql.Conn, table string, indexSQL map[string]string) ([]Index, error)
}

var pragmaReaders = tableReaders{
	columns:     readColumns,
	foreignKeys: readForeignKeys,
	indexes:     readIndexes,
}

// describe fills in columns, keys and indexes. Failures that concern only
// this table mark it malformed; failures of the connection are returned.
func (r tableReaders) describe(ctx context.Context, conn *sql.Conn, t *Table, indexSQL map[string]string) error {
	cols, err := r.columns(ctx, conn, t.Name)
	if err != nil {
		return malformed(ctx, t, err)
	}
	if len(cols) == 0 {
		t.Malformed = true
		t.Issue = "no columns could be read"
		return nil
	}
	t.Columns = cols
	t.PrimaryKey = primaryKey(cols)

	if t.Type != TypeTable {
		return nil
	}
	if t.ForeignKeys, err = r.foreignKeys(ctx, conn, t.Name); err != nil {
		return malformed(ctx, t, err)
	}
	if t.Indexes, err = r.indexes(ctx, conn, t.Name, indexSQL); err != nil {
		return malformed(ctx, t, err)
	}
	return nil
}

// malformed records err on t, or returns it when the connection itself
// failed.
func malformed(ctx context.Context, t *Table, err error) error {
	if ctx.Err() != nil || isConnectionFailure(err) {
		return err
	}
	t.Malformed = true
	t.Issue = dberr.Classify(err).Error()
	return nil
}

func isConnectionFailure(err error) bool {
	e, ok := dberr.As(dberr.Classify(err))
	return ok && (e.Fatal || e.Kind == dberr.KindConnectionBusy || e.Kind == dberr.KindCancelled)
}

func readColumns(ctx context.Context, conn *sql.Conn, table string) ([]Column, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT cid, name, type, "notnull", dflt_value, pk, hidden FROM pragma_table_xinfo(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c    Column
			dflt sql.NullString
		)
		if err := rows.Scan(&c.Position, &c.Name, &c.DeclaredType, &c.NotNull, &dflt, &c.PrimaryKey, &c.Hidden); err != nil {
			return nil, err
		}
		if dflt.Valid {
			c.Default = &dflt.String
		}
		c.Affinity = sqlvalue.AffinityOf(c.DeclaredType)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func primaryKey(cols []Column) []string {
	var pk []Column
	for _, c := range cols {
		if c.PrimaryKey > 0 {
			pk = append(pk, c)
		}
	}
	sort.Slice(pk, func(i, j int) bool { return pk[i].PrimaryKey < pk[j].PrimaryKey })
	names := make([]string, len(pk))
	for i, c := range pk {
		names[i] = c.Name
	}
	return names
}

func readForeignKeys(ctx context.Context, conn *sql.Conn, table string) ([]ForeignKey, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT id, "table", "from", coalesce("to", ''), on_update, on_delete, "match"
		FROM pragma_foreign_key_list(?)
		ORDER BY id, seq`, table)
	if err != nil {
		return nil, fmt.Errorf("reading foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var id int
		var parent, from, to, onUpd, onDel, match string
		if err := rows.Scan(&id, &parent, &from, &to, &onUpd, &onDel, &match); err != nil {
			return nil, fmt.Errorf("scanning foreign keys of %s: %w", table, err)
		}
		if n := len(fks); n > 0 && fks[n-1].ID == id {
			fks[n-1].From = append(fks[n-1].From, from)
			fks[n-1].To = append(fks[n-1].To, to)
			continue
		}
		fks = append(fks, ForeignKey{
			ID:       id,
			Table:    parent,
			From:     []string{from},
			To:       []string{to},
			OnUpdate: onUpd,
			OnDelete: onDel,
			Match:    match,
		})
	}
	return fks, rows.Err()
}

func readIndexes(ctx context.Context, conn *sql.Conn, table string, indexSQL map[string]string) ([]Index, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT name, "unique", origin, partial FROM pragma_index_list(?) ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("reading indexes of %s: %w", table, err)
	}
	var idxs []Index
	for rows.Next() {
		ix := Index{Table: table}
		if err := rows.Scan(&ix.Name, &ix.Unique, &ix.Origin, &ix.Partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning indexes of %s: %w", table, err)
		}
		ix.SQL = indexSQL[ix.Name]
		idxs = append(idxs, ix)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range idxs {
		cols, err := readIndexColumns(ctx, conn, idxs[i].Name)
		if err != nil {
			return nil, err
		}
		idxs[i].Columns = cols
	}
	return idxs, nil
}

func readIndexColumns(ctx context.Context, conn *sql.Conn, index string) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT coalesce(name, '') FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("reading columns of index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
