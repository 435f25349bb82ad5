package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/sqlvalue"
)

// Options configures a Paginator.
type Options struct {
	DefaultWindow       int
	MaxWindow           int
	IdleTimeout         time.Duration
	CancelCheckInterval int
	TombstoneLimit      int
}

// Paginator owns every open cursor.
//
// Rows are only read inside Fetch, with the connection's statement gate
// held, and at most window rows per call. Closed handles are remembered
// as tombstones so a late fetch learns why its cursor went away.
type Paginator struct {
	opts   Options
	bus    events.Publisher
	logger connection.Logger

	mu        sync.Mutex
	cursors   map[string]*cursor
	tombs     map[string]string // handle -> close reason
	tombOrder []string

	nowFn func() time.Time
}

// NewPaginator creates a Paginator.
func NewPaginator(opts Options, bus events.Publisher) *Paginator {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 100
	}
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = 1000
	}
	if opts.DefaultWindow > opts.MaxWindow {
		opts.DefaultWindow = opts.MaxWindow
	}
	if opts.CancelCheckInterval <= 0 {
		opts.CancelCheckInterval = 256
	}
	if opts.TombstoneLimit <= 0 {
		opts.TombstoneLimit = 1024
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Paginator{
		opts:    opts,
		bus:     bus,
		logger:  connection.NopLogger{},
		cursors: make(map[string]*cursor),
		tombs:   make(map[string]string),
		nowFn:   time.Now,
	}
}

// SetLogger sets the logger for the paginator.
func (p *Paginator) SetLogger(logger connection.Logger) {
	p.logger = logger
}

// Open registers a cursor over spec.Rows. No row is read.
func (p *Paginator) Open(spec Spec) Info {
	c := &cursor{
		handle:    uuid.NewString(),
		connID:    spec.Connection.ID,
		requestID: spec.RequestID,
		conn:      spec.Connection,
		columns:   spec.Columns,
		total:     spec.TotalRows,
		rows:      spec.Rows,
		cancel:    spec.Cancel,
	}
	c.lastUsed.Store(p.nowFn().UnixNano())

	p.mu.Lock()
	p.cursors[c.handle] = c
	p.mu.Unlock()

	p.logger.Debug("cursor opened", "cursor", c.handle, "connection", c.connID, "request_id", c.requestID)
	return c.info()
}

// Window applies the default and the upper bound to a requested window.
func (p *Paginator) Window(n int) int {
	switch {
	case n <= 0:
		return p.opts.DefaultWindow
	case n > p.opts.MaxWindow:
		return p.opts.MaxWindow
	}
	return n
}

// Fetch returns up to window rows following the last row delivered.
//
// Cancelling ctx while rows are being read closes the cursor: the rows
// already read are discarded, and delivering them later would skip or
// repeat rows.
func (p *Paginator) Fetch(ctx context.Context, handle string, window int) (*Page, error) {
	c, err := p.lookup(handle)
	if err != nil {
		return nil, err
	}
	window = p.Window(window)

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	defer func() { c.lastUsed.Store(p.nowFn().UnixNano()) }()

	if c.exhausted {
		return &Page{Handle: handle, Offset: c.offset, Rows: [][]sqlvalue.Value{}, Exhausted: true}, nil
	}

	lease, err := c.conn.Acquire(ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, p.closedError(handle)
		}
		return nil, err
	}
	defer lease.Release()

	if c.cancel != nil {
		stop := context.AfterFunc(ctx, c.cancel)
		defer stop()
	}

	page := &Page{Handle: handle, Offset: c.offset, Rows: make([][]sqlvalue.Value, 0, min(window, 64))}
	dest := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range dest {
		ptrs[i] = &dest[i]
	}

	for len(page.Rows) < window {
		if len(page.Rows)%p.opts.CancelCheckInterval == 0 && (ctx.Err() != nil || c.closed.Load()) {
			return nil, p.abandon(ctx, c)
		}
		if !c.rows.Next() {
			break
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			p.Close(handle, events.ReasonError)
			return nil, dberr.Classify(err)
		}
		row := make([]sqlvalue.Value, len(dest))
		for i, v := range dest {
			row[i] = sqlvalue.FromDriver(v)
		}
		page.Rows = append(page.Rows, row)
	}

	if len(page.Rows) < window {
		if ctx.Err() != nil || c.closed.Load() {
			return nil, p.abandon(ctx, c)
		}
		if err := c.rows.Err(); err != nil {
			return nil, p.fail(c, err)
		}
		// Exhausted: free the statement now, keep the handle until the
		// client closes it.
		c.exhausted = true
		_ = c.rows.Close() //nolint:errcheck // Fully read
		if c.cancel != nil {
			c.cancel()
		}
		page.Exhausted = true
	}

	c.offset += int64(len(page.Rows))
	return page, nil
}

// abandon closes a cursor whose fetch was cancelled and returns the error
// the caller sees.
func (p *Paginator) abandon(ctx context.Context, c *cursor) error {
	if c.closed.Load() {
		return p.closedError(c.handle)
	}
	p.Close(c.handle, events.ReasonCancelled)
	return dberr.Wrap(dberr.KindCancelled, ctx.Err(), "fetch cancelled")
}

func (p *Paginator) fail(c *cursor, err error) error {
	err = dberr.Classify(err)
	reason := events.ReasonError
	if errors.Is(err, dberr.ErrCancelled) {
		reason = events.ReasonCancelled
	}
	if dberr.IsFatal(err) {
		c.conn.MarkError(err)
	}
	p.Close(c.handle, reason)
	return err
}

func (p *Paginator) lookup(handle string) (*cursor, error) {
	p.mu.Lock()
	c, ok := p.cursors[handle]
	p.mu.Unlock()
	if !ok {
		return nil, p.closedError(handle)
	}
	return c, nil
}

// closedError explains why handle is no longer open.
func (p *Paginator) closedError(handle string) error {
	p.mu.Lock()
	reason, ok := p.tombs[handle]
	p.mu.Unlock()

	switch {
	case !ok:
		return dberr.New(dberr.KindUnknownCursor, "unknown cursor %q", handle)
	case reason == events.ReasonConnectionClosed || reason == events.ReasonShutdown:
		return dberr.New(dberr.KindConnectionClosedUnderneath, "the connection of cursor %s was closed", handle)
	case reason == events.ReasonCancelled:
		return dberr.New(dberr.KindCancelled, "cursor %s was cancelled", handle)
	default:
		return dberr.New(dberr.KindUnknownCursor, "cursor %s was closed (%s)", handle, reason)
	}
}

// Close closes a cursor and emits cursor.closed. Closing an unknown or
// already closed handle is a no-op; it reports whether this call closed it.
func (p *Paginator) Close(handle, reason string) bool {
	p.mu.Lock()
	c, ok := p.cursors[handle]
	if ok {
		delete(p.cursors, handle)
		p.tomb(handle, reason)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	c.release()
	p.logger.Debug("cursor closed", "cursor", handle, "connection", c.connID, "reason", reason)
	p.bus.Publish(events.Event{
		Type:         events.TypeCursorClosed,
		ConnectionID: c.connID,
		CursorHandle: handle,
		RequestID:    c.requestID,
		Reason:       reason,
	})
	return true
}

// tomb records a closed handle. Caller holds p.mu.
func (p *Paginator) tomb(handle, reason string) {
	p.tombs[handle] = reason
	p.tombOrder = append(p.tombOrder, handle)
	for len(p.tombOrder) > p.opts.TombstoneLimit {
		delete(p.tombs, p.tombOrder[0])
		p.tombOrder = p.tombOrder[1:]
	}
}

// CloseConnection closes every cursor of a connection.
func (p *Paginator) CloseConnection(connID, reason string) int {
	return p.closeWhere(func(c *cursor) bool { return c.connID == connID }, reason)
}

// CancelRequest closes every cursor created by requestID.
func (p *Paginator) CancelRequest(requestID string) int {
	if requestID == "" {
		return 0
	}
	return p.closeWhere(func(c *cursor) bool { return c.requestID == requestID }, events.ReasonCancelled)
}

// Interrupt closes the cursors of a connection that is about to close,
// stopping a fetch that holds its statement gate.
func (p *Paginator) Interrupt(connID, reason string) {
	p.CloseConnection(connID, reason)
}

// CloseHook closes the cursors of a closing connection.
func (p *Paginator) CloseHook(_ context.Context, lease *connection.Lease, reason string) {
	p.CloseConnection(lease.Connection().ID, reason)
}

func (p *Paginator) closeWhere(match func(*cursor) bool, reason string) int {
	p.mu.Lock()
	var handles []string
	for h, c := range p.cursors {
		if match(c) {
			handles = append(handles, h)
		}
	}
	p.mu.Unlock()

	n := 0
	for _, h := range handles {
		if p.Close(h, reason) {
			n++
		}
	}
	return n
}

// Get returns the description of an open cursor.
func (p *Paginator) Get(handle string) (Info, error) {
	c, err := p.lookup(handle)
	if err != nil {
		return Info{}, err
	}
	return c.info(), nil
}

// Len returns the number of open cursors.
func (p *Paginator) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cursors)
}

// Run closes idle cursors until ctx is cancelled.
func (p *Paginator) Run(ctx context.Context) {
	if p.opts.IdleTimeout <= 0 {
		return
	}
	interval := p.opts.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.sweep(p.nowFn()); n > 0 {
				p.logger.Info("idle cursors closed", "count", n)
			}
		}
	}
}

// sweep closes cursors unused since before now minus the idle timeout.
// A cursor in the middle of a fetch is skipped.
func (p *Paginator) sweep(now time.Time) int {
	cutoff := now.Add(-p.opts.IdleTimeout).UnixNano()
	return p.closeWhere(func(c *cursor) bool {
		if c.lastUsed.Load() > cutoff {
			return false
		}
		if !c.fetchMu.TryLock() {
			return false
		}
		c.fetchMu.Unlock()
		return true
	}, events.ReasonIdleTimeout)
}
