package query

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/cursor"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/sqltext"
	"github.com/litelens/litelens-core/internal/sqlvalue"
	"github.com/litelens/litelens-core/internal/txn"
)

// Resolver finds connections by id. An empty id means the active one.
type Resolver interface {
	Resolve(id string) (*connection.Connection, error)
}

// Schema is the part of the schema inspector the executor needs.
type Schema interface {
	Refresh(ctx context.Context, connID string) (*schema.Snapshot, error)
	RefreshWith(ctx context.Context, lease *connection.Lease) (*schema.Snapshot, error)
	Current(ctx context.Context, connID string) (*schema.Snapshot, error)
	Invalidate(connID string)
}

// Executor runs statement requests.
type Executor struct {
	conns  Resolver
	schema Schema
	pager  *cursor.Paginator
	coord  *txn.Coordinator
	bus    events.Publisher
	logger connection.Logger
	reqs   *registry
}

// NewExecutor creates an Executor.
func NewExecutor(conns Resolver, sch Schema, pager *cursor.Paginator, coord *txn.Coordinator, bus events.Publisher) *Executor {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Executor{
		conns:  conns,
		schema: sch,
		pager:  pager,
		coord:  coord,
		bus:    bus,
		logger: connection.NopLogger{},
		reqs:   newRegistry(),
	}
}

// SetLogger sets the logger for the executor.
func (e *Executor) SetLogger(logger connection.Logger) {
	e.logger = logger
}

// Cancel cancels a running request and closes the cursors it opened. It
// reports whether anything was cancelled.
func (e *Executor) Cancel(requestID string) bool {
	running := e.reqs.cancel(requestID)
	closed := e.pager.CancelRequest(requestID)
	if running || closed > 0 {
		e.logger.Info("request cancelled", "request_id", requestID, "cursors", closed)
	}
	return running || closed > 0
}

// Interrupt cancels every running request of a connection that is about
// to close.
func (e *Executor) Interrupt(connID, _ string) {
	if n := e.reqs.cancelConnection(connID); n > 0 {
		e.logger.Debug("requests interrupted", "connection", connID, "count", n)
	}
}

// Running returns the number of requests in flight.
func (e *Executor) Running() int {
	return e.reqs.len()
}

// step is a validated statement with its bind arguments.
type step struct {
	sqltext.Statement
	args []any
}

// Execute runs req. Every statement is classified and its parameters
// checked before the connection is touched.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	steps, err := plan(req)
	if err != nil {
		return nil, err
	}

	conn, err := e.conns.Resolve(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.reqs.track(req.RequestID, conn.ID, cancel) {
		return nil, dberr.New(dberr.KindValidation, "request %s is already running", req.RequestID)
	}
	defer e.reqs.untrack(req.RequestID)

	lease, err := conn.Acquire(execCtx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	r := &run{
		Executor: e,
		ctx:      execCtx,
		req:      req,
		lease:    lease,
		connID:   conn.ID,
		result: &Result{
			RequestID:    req.RequestID,
			ConnectionID: conn.ID,
			Kind:         steps[len(steps)-1].Kind,
			Statements:   make([]StatementOutcome, 0, len(steps)),
		},
	}
	return r.execute(steps)
}

// plan splits and validates a request and assigns bind values to each
// statement.
func plan(req Request) ([]step, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, dberr.New(dberr.KindValidation, "empty statement")
	}
	stmts, err := sqltext.Split(req.SQL)
	if err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, dberr.New(dberr.KindValidation, "nothing to execute")
	}

	named := make(map[string]sqlvalue.Value, len(req.Params.Named))
	for k, v := range req.Params.Named {
		named[normalizeName(k)] = v
	}
	used := make(map[string]bool, len(named))
	positional := req.Params.Positional

	steps := make([]step, len(stmts))
	for i, st := range stmts {
		switch st.Kind {
		case sqltext.KindUnknown:
			return nil, st.SyntaxError(req.SQL, `near "`+st.Keyword+`": syntax error`, st.Keyword)
		case sqltext.KindAttach:
			return nil, dberr.New(dberr.KindValidation, "%s is not supported: a connection works on exactly one file", st.Keyword)
		}

		p := st.Params
		if p.Mixed() {
			return nil, dberr.New(dberr.KindValidation, "statement %d mixes placeholder styles", i+1)
		}
		if p.MaxNumbered > 0 && len(stmts) > 1 {
			return nil, dberr.New(dberr.KindValidation, "numbered parameters are only supported in single-statement requests")
		}

		n := p.Positional
		if p.MaxNumbered > 0 {
			n = p.MaxNumbered
		}
		if n > len(positional) {
			return nil, dberr.New(dberr.KindValidation, "statement %d needs %d positional parameters, %d supplied", i+1, n, len(positional))
		}
		args := make([]any, 0, n+len(p.Named))
		for _, v := range positional[:n] {
			args = append(args, v.Arg())
		}
		positional = positional[n:]

		for _, name := range p.Named {
			v, ok := named[name]
			if !ok {
				return nil, dberr.New(dberr.KindValidation, "missing value for parameter %q", name)
			}
			used[name] = true
			args = append(args, sql.Named(name, v.Arg()))
		}
		steps[i] = step{Statement: st, args: args}
	}

	if len(positional) > 0 {
		return nil, dberr.New(dberr.KindValidation, "%d positional parameters were not used", len(positional))
	}
	for name := range named {
		if !used[name] {
			return nil, dberr.New(dberr.KindValidation, "parameter %q is not used by any statement", name)
		}
	}
	return steps, nil
}

// run is the state of one request while it holds the statement gate.
type run struct {
	*Executor

	ctx    context.Context
	req    Request
	lease  *connection.Lease
	connID string
	result *Result

	implicit    bool   // an implicit transaction is open
	schemaDirty bool   // DDL ran or was rolled back
	txnTouched  bool   // transaction control ran
	handle      string // cursor opened by this request
}

func (r *run) execute(steps []step) (*Result, error) {
	if err := r.coord.Sync(r.ctx, r.lease); err != nil {
		return nil, err
	}
	active := r.coord.IsActive(r.connID)
	if err := checkSavepoints(steps, active); err != nil {
		return nil, err
	}

	if len(steps) > 1 && !active && wrappable(steps) {
		if _, err := r.lease.Conn().ExecContext(r.ctx, "BEGIN"); err != nil {
			return nil, r.classify(nil, err)
		}
		r.implicit = true
	}

	for i := range steps {
		st := &steps[i]
		start := time.Now()
		if err := r.step(st, i == len(steps)-1); err != nil {
			return nil, r.fail(st, err)
		}
		r.logger.Debug("statement executed",
			"request_id", r.req.RequestID,
			"connection", r.connID,
			"index", st.Index,
			"kind", st.Kind,
			"duration", time.Since(start),
		)
	}

	if r.implicit {
		if _, err := r.lease.Conn().ExecContext(context.WithoutCancel(r.ctx), "COMMIT"); err != nil {
			return nil, r.fail(nil, err)
		}
		r.implicit = false
	}

	r.settle()
	return r.result, nil
}

// checkSavepoints rejects savepoint statements that would run outside an
// explicit transaction, following the transaction control in the batch.
func checkSavepoints(steps []step, active bool) error {
	for _, st := range steps {
		switch st.Kind {
		case sqltext.KindBegin:
			active = true
		case sqltext.KindCommit, sqltext.KindRollback:
			active = false
		case sqltext.KindSavepoint:
			if !active {
				return dberr.New(dberr.KindValidation, "%s requires an active transaction", st.Keyword)
			}
		}
	}
	return nil
}

// wrappable reports whether a batch may run in an implicit transaction.
func wrappable(steps []step) bool {
	for _, st := range steps {
		if st.Kind.TransactionControl() || st.Kind == sqltext.KindSavepoint || st.Keyword == "VACUUM" {
			return false
		}
	}
	return true
}

func (r *run) step(st *step, final bool) error {
	conn := r.lease.Conn()

	switch st.Kind {
	case sqltext.KindRead:
		if final {
			return r.openCursor(st)
		}
		// Only the final read produces rows; earlier ones are compiled
		// so that errors surface, never stepped.
		stmt, err := conn.PrepareContext(r.ctx, st.Text)
		if err != nil {
			return err
		}
		_ = stmt.Close() //nolint:errcheck // Never stepped
		r.outcome(st, 0)

	case sqltext.KindWrite, sqltext.KindDDL, sqltext.KindMaintenance, sqltext.KindSavepoint:
		var affected int64
		if st.Returning {
			n, err := r.returning(st, final)
			if err != nil {
				return err
			}
			affected = n
			r.result.addMutation(affected, r.lastInsertID(st))
		} else {
			res, err := conn.ExecContext(r.ctx, st.Text, st.args...)
			if err != nil {
				return err
			}
			if st.Kind == sqltext.KindWrite {
				affected, _ = res.RowsAffected() //nolint:errcheck // sqlite3 always reports it
				var lastID *int64
				if inserts(st) {
					if id, err := res.LastInsertId(); err == nil {
						lastID = &id
					}
				}
				r.result.addMutation(affected, lastID)
			}
		}
		if st.Kind == sqltext.KindDDL {
			r.schemaDirty = true
		}
		if st.Kind == sqltext.KindSavepoint {
			// ROLLBACK TO may undo DDL.
			r.schemaDirty = r.schemaDirty || r.coord.Current(r.connID).HasDDL
		}
		r.coord.Record(r.connID, txn.AppliedStatement{
			RequestID:    r.req.RequestID,
			Index:        st.Index,
			Kind:         st.Kind,
			SQL:          st.Text,
			RowsAffected: affected,
		})
		r.outcome(st, affected)

	case sqltext.KindBegin:
		r.txnTouched = true
		if _, err := r.coord.BeginModeWith(r.ctx, r.lease, beginMode(st.Text)); err != nil {
			return err
		}
		r.outcome(st, 0)

	case sqltext.KindCommit:
		r.txnTouched = true
		if _, err := r.coord.CommitWith(r.ctx, r.lease); err != nil {
			return err
		}
		r.outcome(st, 0)

	case sqltext.KindRollback:
		r.txnTouched = true
		t, err := r.coord.RollbackWith(r.ctx, r.lease, events.ReasonRequested)
		if err != nil {
			return err
		}
		if r.coord.Current(r.connID).HasDDL && t != nil {
			r.schemaDirty = true
		}
		r.outcome(st, 0)

	default:
		return dberr.New(dberr.KindValidation, "cannot execute %s", st.Keyword)
	}
	return nil
}

func (r *run) outcome(st *step, affected int64) {
	r.result.Statements = append(r.result.Statements, StatementOutcome{
		Index:        st.Index,
		Kind:         st.Kind,
		RowsAffected: affected,
	})
}

// openCursor compiles the final read and hands its rows to the
// paginator. No row is read here.
func (r *run) openCursor(st *step) error {
	conn := r.lease.Conn()

	var total *int64
	if r.req.Count && st.Countable() {
		var n int64
		if err := conn.QueryRowContext(r.ctx, "SELECT COUNT(*) FROM ("+st.Text+")", st.args...).Scan(&n); err != nil {
			return err
		}
		total = &n
	}

	// The rows outlive this request. Their context is detached from the
	// caller and cancelled through the paginator or Cancel.
	cctx, ccancel := context.WithCancel(context.WithoutCancel(r.ctx))
	stop := context.AfterFunc(r.ctx, ccancel)
	rows, cols, err := r.query(cctx, st)
	stop()
	if err == nil {
		err = r.ctx.Err()
	}
	if err != nil {
		if rows != nil {
			_ = rows.Close() //nolint:errcheck // Abandoned
		}
		ccancel()
		return err
	}

	info := r.pager.Open(cursor.Spec{
		Connection: r.lease.Connection(),
		Rows:       rows,
		Columns:    cols,
		RequestID:  r.req.RequestID,
		Cancel:     ccancel,
		TotalRows:  total,
	})
	r.handle = info.Handle
	r.result.ResultSet = &info
	r.outcome(st, 0)
	return nil
}

// query opens the rows of a read. Reads over columns the driver would
// decode are reopened through rawProjection; the columns keep their
// declared types.
func (r *run) query(ctx context.Context, st *step) (*sql.Rows, []cursor.Column, error) {
	conn := r.lease.Conn()
	rows, err := conn.QueryContext(ctx, st.Text, st.args...)
	if err != nil {
		return nil, nil, err
	}
	cols, err := cursor.ColumnsOf(rows)
	if err != nil {
		return rows, nil, err
	}
	raw, ok := rawProjection(st, cols)
	if !ok {
		return rows, cols, nil
	}
	_ = rows.Close() //nolint:errcheck // Never stepped
	rows, err = conn.QueryContext(ctx, raw, st.args...)
	if err != nil {
		return nil, nil, err
	}
	return rows, cols, nil
}

// rawProjection wraps a read so that every column the driver would turn
// into time.Time or bool is selected through a unary plus. The expression
// has no declared type, so the stored scalar comes back unchanged.
func rawProjection(st *step, cols []cursor.Column) (string, bool) {
	if !st.Countable() {
		return "", false
	}
	typed := false
	for _, c := range cols {
		typed = typed || c.DriverTyped()
	}
	if !typed {
		return "", false
	}

	var names, proj strings.Builder
	for i, c := range cols {
		if i > 0 {
			names.WriteString(", ")
			proj.WriteString(", ")
		}
		name := "c" + strconv.Itoa(i)
		names.WriteString(name)
		if c.DriverTyped() {
			proj.WriteByte('+')
		}
		proj.WriteString(name)
	}
	return "WITH litelens_raw(" + names.String() + ") AS (\n" + st.Text + "\n) SELECT " + proj.String() + " FROM litelens_raw", true
}

// returning runs a write with a RETURNING clause as a query so that every
// row is stepped, and returns the number of rows it changed. The rows of
// the final statement are buffered and served through a cursor.
func (r *run) returning(st *step, final bool) (int64, error) {
	rows, err := r.lease.Conn().QueryContext(r.ctx, st.Text, st.args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close() //nolint:errcheck // Closed below on success

	var cols []cursor.Column
	if final {
		if cols, err = cursor.ColumnsOf(rows); err != nil {
			return 0, err
		}
	}

	var (
		buf [][]any
		n   int64
	)
	for rows.Next() {
		n++
		if !final {
			continue
		}
		row := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, err
		}
		buf = append(buf, row)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	if final {
		total := n
		info := r.pager.Open(cursor.Spec{
			Connection: r.lease.Connection(),
			Rows:       cursor.Buffered(buf),
			Columns:    cols,
			RequestID:  r.req.RequestID,
			TotalRows:  &total,
		})
		r.handle = info.Handle
		r.result.ResultSet = &info
	}
	return n, nil
}

// lastInsertID reads the rowid of an INSERT or REPLACE that ran as a query.
func (r *run) lastInsertID(st *step) *int64 {
	if !inserts(st) {
		return nil
	}
	var id int64
	if err := r.lease.Conn().QueryRowContext(r.ctx, "SELECT last_insert_rowid()").Scan(&id); err != nil {
		return nil
	}
	return &id
}

// fail undoes what a failed request applied and returns the classified
// error. st is nil when the implicit COMMIT failed.
func (r *run) fail(st *step, err error) error {
	err = r.classify(st, err)
	if r.handle != "" {
		r.pager.Close(r.handle, events.ReasonError)
	}

	ectx := context.WithoutCancel(r.ctx)
	switch {
	case r.implicit:
		if _, rerr := r.lease.Conn().ExecContext(ectx, "ROLLBACK"); rerr != nil {
			if auto, aerr := r.lease.DB().AutoCommit(); aerr != nil || !auto {
				r.logger.Error("rolling back implicit transaction", "connection", r.connID, "error", rerr)
			}
		}
		r.implicit = false

	case st != nil && (st.Kind == sqltext.KindBegin || st.Kind == sqltext.KindCommit):
		// A rejected BEGIN leaves the running transaction alone. The
		// coordinator already settled a failed COMMIT, and a busy COMMIT
		// stays active for a retry.

	default:
		reason := events.ReasonStatementFailed
		if errors.Is(err, dberr.ErrCancelled) {
			reason = events.ReasonCancelled
		}
		t, aerr := r.coord.AbortWith(ectx, r.lease, reason)
		if aerr != nil {
			r.logger.Error("rolling back after failed statement", "connection", r.connID, "error", aerr)
		}
		if t != nil {
			r.txnTouched = true
			if r.coord.Current(r.connID).HasDDL {
				r.schemaDirty = true
			}
		}
	}

	r.settle()
	return err
}

// classify maps err onto the taxonomy, places syntax errors in the
// request text and moves the connection to Error on fatal failures.
func (r *run) classify(st *step, err error) error {
	err = dberr.Classify(err)
	e, ok := dberr.As(err)
	if !ok {
		return err
	}
	if e.Kind == dberr.KindSyntax && e.Position == nil && st != nil {
		positioned := st.SyntaxError(r.req.SQL, e.Message, e.Near)
		positioned.Err = e.Err
		err = positioned
	}
	if e.Fatal {
		r.lease.Connection().MarkError(err)
	}
	return err
}

// settle refreshes the schema once if the request changed it and reports
// the final transaction state.
func (r *run) settle() {
	if r.schemaDirty {
		r.schemaDirty = false
		ev := events.Event{
			Type:         events.TypeSchemaChanged,
			ConnectionID: r.connID,
			RequestID:    r.req.RequestID,
			Reason:       events.ReasonDDL,
		}
		snap, err := r.schema.RefreshWith(context.WithoutCancel(r.ctx), r.lease)
		if err != nil {
			// Current rebuilds an invalidated snapshot before serving it.
			r.logger.Warn("schema refresh after DDL failed", "connection", r.connID, "error", err)
			r.schema.Invalidate(r.connID)
		} else {
			ev.SchemaVersion = snap.Version
		}
		r.result.SchemaChanged = true
		r.bus.Publish(ev)
	}
	if r.txnTouched {
		cur := r.coord.Current(r.connID)
		r.result.Transaction = &cur
	}
}

// beginMode reads the mode keyword of a BEGIN statement.
func beginMode(text string) txn.Mode {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) < 2 {
		return ""
	}
	mode, ok := txn.ParseMode(fields[1])
	if !ok {
		return ""
	}
	return mode
}

func inserts(st *step) bool {
	return st.Keyword == "INSERT" || st.Keyword == "REPLACE"
}
