// Package connection implements the Connection Manager: the lifecycle of
// open SQLite files.
//
// A Manager opens files (idempotently per path), tracks which connection
// is active, and closes connections after giving the rest of the core a
// chance to clean up: Interrupters cancel in-flight requests, then
// CloseHooks run with the statement gate held so cursors can be closed and
// an active transaction rolled back before the engine handle goes away.
//
// Each Connection has a statement gate (a weight-1 semaphore). Acquire
// returns a Lease; all engine access happens while a lease is held.
//
//	m := connection.NewManager(connection.Options{MaxOpen: 8, BusyPolicy: connection.PolicyReject})
//	c, err := m.Open(ctx, connection.OpenOptions{Path: "library.db"})
//	if err != nil {
//	    return err
//	}
//	lease, err := c.Acquire(ctx)
//	if err != nil {
//	    return err // ConnectionBusy, ConnectionNotOpen
//	}
//	defer lease.Release()
package connection
