package txn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/sqltext"
)

// Resolver finds connections by id.
type Resolver interface {
	Resolve(id string) (*connection.Connection, error)
}

// SchemaRefresher rebuilds a connection's schema snapshot.
type SchemaRefresher interface {
	RefreshWith(ctx context.Context, lease *connection.Lease) (*schema.Snapshot, error)
}

// Coordinator tracks the explicit transaction of every connection.
//
// The With variants expect the caller to hold the connection's statement
// gate and leave schema refreshes to the caller. Begin, Commit and
// Rollback take the gate themselves and refresh the schema when a
// rolled-back transaction had changed it.
type Coordinator struct {
	conns  Resolver
	schema SchemaRefresher
	bus    events.Publisher
	logger connection.Logger
	mode   Mode

	mu   sync.Mutex
	txns map[string]*Transaction

	nowFn func() time.Time
}

// NewCoordinator creates a Coordinator. BEGIN statements it issues use mode.
func NewCoordinator(conns Resolver, refresher SchemaRefresher, bus events.Publisher, mode Mode) *Coordinator {
	if mode == "" {
		mode = ModeDeferred
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Coordinator{
		conns:  conns,
		schema: refresher,
		bus:    bus,
		logger: connection.NopLogger{},
		mode:   mode,
		txns:   make(map[string]*Transaction),
		nowFn:  time.Now,
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger connection.Logger) {
	c.logger = logger
}

func (c *Coordinator) lease(ctx context.Context, connID string) (*connection.Lease, error) {
	conn, err := c.conns.Resolve(connID)
	if err != nil {
		return nil, err
	}
	return conn.Acquire(ctx)
}

// Begin starts an explicit transaction.
func (c *Coordinator) Begin(ctx context.Context, connID string) (Transaction, error) {
	lease, err := c.lease(ctx, connID)
	if err != nil {
		return Transaction{}, err
	}
	defer lease.Release()

	t, err := c.BeginWith(ctx, lease)
	if err != nil {
		return Transaction{}, err
	}
	return c.copyOf(t), nil
}

// Commit commits the active transaction. A failed COMMIT rolls the
// transaction back and returns the classified error.
func (c *Coordinator) Commit(ctx context.Context, connID string) (Transaction, error) {
	lease, err := c.lease(ctx, connID)
	if err != nil {
		return Transaction{}, err
	}
	defer lease.Release()

	t, err := c.CommitWith(ctx, lease)
	c.settleSchema(ctx, lease, t)
	if t == nil {
		return Transaction{}, err
	}
	return c.copyOf(t), err
}

// Rollback rolls the active transaction back.
func (c *Coordinator) Rollback(ctx context.Context, connID string) (Transaction, error) {
	lease, err := c.lease(ctx, connID)
	if err != nil {
		return Transaction{}, err
	}
	defer lease.Release()

	t, err := c.RollbackWith(ctx, lease, events.ReasonRequested)
	c.settleSchema(ctx, lease, t)
	if t == nil {
		return Transaction{}, err
	}
	return c.copyOf(t), err
}

// settleSchema refreshes the schema after a rollback undid DDL.
func (c *Coordinator) settleSchema(ctx context.Context, lease *connection.Lease, t *Transaction) {
	if t == nil || t.State != StateRolledBack || !t.HasDDL || c.schema == nil {
		return
	}
	snap, err := c.schema.RefreshWith(context.WithoutCancel(ctx), lease)
	if err != nil {
		c.logger.Warn("schema refresh after rollback failed", "connection", t.ConnectionID, "error", err)
		return
	}
	c.bus.Publish(events.Event{
		Type:          events.TypeSchemaChanged,
		ConnectionID:  t.ConnectionID,
		SchemaVersion: snap.Version,
		Reason:        events.ReasonRolledBack,
	})
}

// BeginWith starts a transaction on a leased connection.
func (c *Coordinator) BeginWith(ctx context.Context, lease *connection.Lease) (*Transaction, error) {
	return c.BeginModeWith(ctx, lease, "")
}

// BeginModeWith is BeginWith with an explicit BEGIN mode. An empty mode
// uses the configured one.
func (c *Coordinator) BeginModeWith(ctx context.Context, lease *connection.Lease, mode Mode) (*Transaction, error) {
	if mode == "" {
		mode = c.mode
	}
	if err := c.Sync(ctx, lease); err != nil {
		return nil, err
	}
	connID := lease.Connection().ID

	c.mu.Lock()
	cur := c.txns[connID]
	c.mu.Unlock()
	if cur != nil && cur.State == StateActive {
		return nil, dberr.New(dberr.KindTransactionAlreadyActive, "transaction %s is already active", cur.ID)
	}

	if _, err := lease.Conn().ExecContext(ctx, "BEGIN "+strings.ToUpper(string(mode))); err != nil {
		return nil, c.engineError(lease, err)
	}

	t := &Transaction{
		ID:           uuid.NewString(),
		ConnectionID: connID,
		State:        StateActive,
		Mode:         mode,
		StartedAt:    c.nowFn().UTC(),
	}
	c.mu.Lock()
	c.txns[connID] = t
	c.mu.Unlock()

	c.logger.Debug("transaction started", "connection", connID, "transaction", t.ID, "mode", mode)
	c.publish(t, events.ReasonRequested)
	return t, nil
}

// CommitWith commits on a leased connection. If COMMIT fails because the
// file is locked the transaction stays active and may be committed again;
// any other failure rolls it back.
func (c *Coordinator) CommitWith(ctx context.Context, lease *connection.Lease) (*Transaction, error) {
	t, err := c.active(ctx, lease)
	if err != nil {
		return nil, err
	}

	ectx := context.WithoutCancel(ctx)
	_, err = lease.Conn().ExecContext(ectx, "COMMIT")
	if err == nil {
		c.finish(t, StateCommitted, events.ReasonRequested)
		return t, nil
	}

	cerr := c.engineError(lease, err)
	auto, aerr := lease.DB().AutoCommit()
	if aerr == nil && !auto && errors.Is(cerr, dberr.ErrConnectionBusy) {
		return t, cerr
	}
	if aerr == nil && !auto {
		if _, rerr := lease.Conn().ExecContext(ectx, "ROLLBACK"); rerr != nil {
			c.logger.Error("rollback after failed commit", "connection", t.ConnectionID, "error", rerr)
		}
	}
	c.finish(t, StateRolledBack, events.ReasonCommitFailed)
	return t, cerr
}

// RollbackWith rolls back on a leased connection.
func (c *Coordinator) RollbackWith(ctx context.Context, lease *connection.Lease, reason string) (*Transaction, error) {
	t, err := c.active(ctx, lease)
	if err != nil {
		return nil, err
	}
	if err := c.rollback(ctx, lease, t, reason); err != nil {
		return t, err
	}
	return t, nil
}

// AbortWith rolls back the tracked transaction of a leased connection
// after a failed statement, even when the engine has already ended it.
// It returns nil when no transaction is tracked as active.
func (c *Coordinator) AbortWith(ctx context.Context, lease *connection.Lease, reason string) (*Transaction, error) {
	c.mu.Lock()
	t := c.txns[lease.Connection().ID]
	c.mu.Unlock()
	if t == nil || t.State != StateActive {
		return nil, nil
	}
	return t, c.rollback(ctx, lease, t, reason)
}

func (c *Coordinator) rollback(ctx context.Context, lease *connection.Lease, t *Transaction, reason string) error {
	_, err := lease.Conn().ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
	if err != nil {
		// The engine may already have ended the transaction.
		if auto, aerr := lease.DB().AutoCommit(); aerr != nil || !auto {
			return c.engineError(lease, err)
		}
	}
	c.finish(t, StateRolledBack, reason)
	return nil
}

func (c *Coordinator) active(ctx context.Context, lease *connection.Lease) (*Transaction, error) {
	if err := c.Sync(ctx, lease); err != nil {
		return nil, err
	}
	c.mu.Lock()
	t := c.txns[lease.Connection().ID]
	c.mu.Unlock()
	if t == nil || t.State != StateActive {
		return nil, dberr.New(dberr.KindNoActiveTransaction, "no transaction is active")
	}
	return t, nil
}

// Sync reconciles the tracked state with the engine, which ends a
// transaction on its own after some errors and interrupts.
func (c *Coordinator) Sync(_ context.Context, lease *connection.Lease) error {
	auto, err := lease.DB().AutoCommit()
	if err != nil {
		return dberr.Wrap(dberr.KindEngine, err, "")
	}
	connID := lease.Connection().ID

	c.mu.Lock()
	t := c.txns[connID]
	c.mu.Unlock()

	switch {
	case t != nil && t.State == StateActive && auto:
		c.logger.Warn("transaction ended by the engine", "connection", connID, "transaction", t.ID)
		c.finish(t, StateRolledBack, events.ReasonEngine)
	case (t == nil || t.State != StateActive) && !auto:
		t = &Transaction{
			ID:           uuid.NewString(),
			ConnectionID: connID,
			State:        StateActive,
			Mode:         ModeDeferred,
			StartedAt:    c.nowFn().UTC(),
		}
		c.mu.Lock()
		c.txns[connID] = t
		c.mu.Unlock()
		c.publish(t, events.ReasonEngine)
	}
	return nil
}

// IsActive reports whether connID has an active transaction.
func (c *Coordinator) IsActive(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.txns[connID]
	return t != nil && t.State == StateActive
}

// Record appends a statement to the active transaction of connID. It is
// a no-op when no transaction is active.
func (c *Coordinator) Record(connID string, st AppliedStatement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.txns[connID]
	if t == nil || t.State != StateActive {
		return
	}
	if st.At.IsZero() {
		st.At = c.nowFn().UTC()
	}
	t.Statements = append(t.Statements, st)
	if st.Kind == sqltext.KindDDL {
		t.HasDDL = true
	}
}

// Current returns a copy of the latest transaction of connID. With no
// transaction so far the state is Idle.
func (c *Coordinator) Current(connID string) Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.txns[connID]
	if t == nil {
		return Transaction{ConnectionID: connID, State: StateIdle}
	}
	return t.clone()
}

// CloseHook rolls back the active transaction of a closing connection
// and reports it with reason.
func (c *Coordinator) CloseHook(ctx context.Context, lease *connection.Lease, reason string) {
	connID := lease.Connection().ID
	c.mu.Lock()
	t := c.txns[connID]
	c.mu.Unlock()

	if t != nil && t.State == StateActive {
		if err := c.rollback(ctx, lease, t, reason); err != nil {
			// The handle is about to be released, which discards the
			// transaction anyway.
			c.logger.Error("rollback on close", "connection", connID, "error", err)
			c.finish(t, StateRolledBack, reason)
		}
	}

	c.mu.Lock()
	delete(c.txns, connID)
	c.mu.Unlock()
}

func (c *Coordinator) finish(t *Transaction, state State, reason string) {
	c.mu.Lock()
	if t.State != StateActive {
		c.mu.Unlock()
		return
	}
	now := c.nowFn().UTC()
	t.State = state
	t.EndedAt = &now
	t.Reason = reason
	c.mu.Unlock()

	c.logger.Debug("transaction ended", "connection", t.ConnectionID, "transaction", t.ID, "state", state, "reason", reason)
	c.publish(t, reason)
}

func (c *Coordinator) publish(t *Transaction, reason string) {
	c.mu.Lock()
	state := t.State
	c.mu.Unlock()
	c.bus.Publish(events.Event{
		Type:          events.TypeTransactionStateChanged,
		ConnectionID:  t.ConnectionID,
		TransactionID: t.ID,
		State:         string(state),
		Reason:        reason,
	})
}

func (c *Coordinator) copyOf(t *Transaction) Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.clone()
}

func (c *Coordinator) engineError(lease *connection.Lease, err error) error {
	err = dberr.Classify(err)
	if dberr.IsFatal(err) {
		lease.Connection().MarkError(err)
	}
	return err
}
