package connection

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/infrastructure/database"
)

// State is the lifecycle state of a Connection.
type State string

// Connection states.
const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateError   State = "error"
)

// Busy policies for a connection whose statement gate is held.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

// Connection is one open SQLite file.
//
// Every engine access goes through a Lease obtained from Acquire, which
// holds the connection's statement gate: at most one statement runs
// against a file at a time.
type Connection struct {
	ID       string
	Path     string
	ReadOnly bool
	OpenedAt time.Time

	seq      uint64
	db       *database.DB
	gate     *semaphore.Weighted
	policy   string
	busyWait time.Duration

	mu      sync.Mutex
	state   State
	closing bool
	err     error
}

// Lease is a held statement gate. Release it exactly once; extra calls
// are ignored.
type Lease struct {
	conn *Connection
	once sync.Once
}

// Conn returns the pinned engine connection.
func (l *Lease) Conn() *sql.Conn { return l.conn.db.Conn() }

// DB returns the database wrapper.
func (l *Lease) DB() *database.DB { return l.conn.db }

// Connection returns the leased connection.
func (l *Lease) Connection() *Connection { return l.conn }

// Release frees the statement gate.
func (l *Lease) Release() {
	l.once.Do(func() { l.conn.gate.Release(1) })
}

// Acquire takes the statement gate. With the reject policy a held gate
// fails at once with ConnectionBusy; with the queue policy the caller
// waits up to the configured busy wait. A connection that is closing,
// closed or in the error state returns ConnectionNotOpen.
func (c *Connection) Acquire(ctx context.Context) (*Lease, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	if c.policy == PolicyQueue {
		wctx, cancel := context.WithTimeout(ctx, c.busyWait)
		defer cancel()
		if err := c.gate.Acquire(wctx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, dberr.Wrap(dberr.KindCancelled, ctx.Err(), "request cancelled while waiting for the connection")
			}
			return nil, dberr.New(dberr.KindConnectionBusy, "connection %s is busy", c.ID)
		}
	} else if !c.gate.TryAcquire(1) {
		return nil, dberr.New(dberr.KindConnectionBusy, "connection %s is busy", c.ID)
	}

	// The connection may have been closed while we waited.
	if err := c.usable(); err != nil {
		c.gate.Release(1)
		return nil, err
	}
	return &Lease{conn: c}, nil
}

func (c *Connection) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closing || c.state == StateClosed:
		return dberr.New(dberr.KindConnectionNotOpen, "connection %s is not open", c.ID)
	case c.state == StateError:
		return &dberr.Error{
			Kind:    dberr.KindConnectionNotOpen,
			Message: "connection " + c.ID + " failed and must be closed and reopened",
			Err:     c.err,
		}
	case c.state != StateOpen:
		return dberr.New(dberr.KindConnectionNotOpen, "connection %s is %s", c.ID, c.state)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the connection to StateError.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// MarkError moves an open connection to StateError. Later Acquire calls
// fail until the connection is closed and reopened.
func (c *Connection) MarkError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		c.state = StateError
		c.err = err
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// beginClose marks the connection closing so no new lease is handed out.
// It reports false when a close is already under way.
func (c *Connection) beginClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.closing = true
	return true
}

func (c *Connection) abortClose() {
	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()
}

// acquireForClose waits for the gate regardless of state.
func (c *Connection) acquireForClose(ctx context.Context) (*Lease, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Lease{conn: c}, nil
}

// Info is a point-in-time description of a connection.
type Info struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	State    State     `json:"state"`
	ReadOnly bool      `json:"read_only"`
	Active   bool      `json:"active"`
	OpenedAt time.Time `json:"opened_at"`
	Error    string    `json:"error,omitempty"`
}

func (c *Connection) info(active bool) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := Info{
		ID:       c.ID,
		Path:     c.Path,
		State:    c.state,
		ReadOnly: c.ReadOnly,
		Active:   active,
		OpenedAt: c.OpenedAt,
	}
	if c.err != nil {
		in.Error = c.err.Error()
	}
	return in
}

// openError maps database open failures onto the error taxonomy.
func openError(err error) error {
	switch {
	case errors.Is(err, database.ErrEmptyPath):
		return dberr.Wrap(dberr.KindValidation, err, "")
	case errors.Is(err, database.ErrNotFound):
		return dberr.Wrap(dberr.KindNotFound, err, "")
	case errors.Is(err, database.ErrPermissionDenied):
		return dberr.Wrap(dberr.KindPermissionDenied, err, "")
	case errors.Is(err, database.ErrNotADatabase):
		return dberr.Wrap(dberr.KindNotASqliteFile, err, "")
	}
	return dberr.Classify(err)
}
