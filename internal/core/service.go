package core

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/litelens/litelens-core/internal/connection"
	"github.com/litelens/litelens-core/internal/cursor"
	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/infrastructure/config"
	"github.com/litelens/litelens-core/internal/query"
	"github.com/litelens/litelens-core/internal/schema"
	"github.com/litelens/litelens-core/internal/txn"
)

// OpenRequest is the OpenDatabase command.
type OpenRequest struct {
	Path      string `json:"path"`
	Create    bool   `json:"create,omitempty"`
	ReadOnly  bool   `json:"read_only,omitempty"`
	Exclusive bool   `json:"exclusive,omitempty"`
}

// Service is the database core behind the command boundary.
type Service struct {
	bus       *events.Bus
	logger    connection.Logger
	manager   *connection.Manager
	inspector *schema.Inspector
	pager     *cursor.Paginator
	coord     *txn.Coordinator
	exec      *query.Executor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service from the engine configuration. A nil logger
// discards log output.
func New(cfg config.EngineConfig, logger connection.Logger) *Service {
	if logger == nil {
		logger = connection.NopLogger{}
	}
	bus := events.NewBus()

	manager := connection.NewManager(connection.Options{
		MaxOpen:      cfg.MaxOpenConnections,
		BusyPolicy:   cfg.BusyPolicy,
		BusyWait:     cfg.BusyWaitDuration(),
		BusyTimeout:  cfg.BusyTimeout,
		ForeignKeys:  cfg.ForeignKeys,
		CloseTimeout: cfg.CloseTimeoutDuration(),
	})
	inspector := schema.NewInspector(manager)
	pager := cursor.NewPaginator(cursor.Options{
		DefaultWindow:       cfg.DefaultWindow,
		MaxWindow:           cfg.MaxWindow,
		IdleTimeout:         cfg.CursorIdleDuration(),
		CancelCheckInterval: cfg.CancelCheckInterval,
		TombstoneLimit:      cfg.TombstoneLimit,
	}, bus)
	mode, ok := txn.ParseMode(strings.ToLower(cfg.TransactionMode))
	if !ok {
		mode = txn.ModeDeferred
	}
	coord := txn.NewCoordinator(manager, inspector, bus, mode)
	exec := query.NewExecutor(manager, inspector, pager, coord, bus)

	manager.SetLogger(logger)
	inspector.SetLogger(logger)
	pager.SetLogger(logger)
	coord.SetLogger(logger)
	exec.SetLogger(logger)

	// Cursors go first so the rollback does not trip over open
	// statements; the snapshot goes last.
	manager.OnInterrupt(pager.Interrupt)
	manager.OnInterrupt(exec.Interrupt)
	manager.OnClose(pager.CloseHook)
	manager.OnClose(coord.CloseHook)
	manager.OnClose(inspector.CloseHook)

	return &Service{
		bus:       bus,
		logger:    logger,
		manager:   manager,
		inspector: inspector,
		pager:     pager,
		coord:     coord,
		exec:      exec,
	}
}

// Start runs the idle cursor reaper until ctx is cancelled or Close is
// called. Calling Start twice has no effect.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.pager.Run(ctx)
	}()
}

// Close stops the reaper and closes every connection, rolling back open
// transactions.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return s.manager.CloseAll(ctx)
}

// Subscribe registers h for every event.
func (s *Service) Subscribe(h events.Handler) func() {
	return s.bus.Subscribe(h)
}

// Bus returns the event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// OpenDatabase opens a file and builds its first schema snapshot. The
// first connection opened becomes the active one.
func (s *Service) OpenDatabase(ctx context.Context, req OpenRequest) (connection.Info, *schema.Snapshot, error) {
	conn, err := s.manager.Open(ctx, connection.OpenOptions{
		Path:      req.Path,
		Create:    req.Create,
		ReadOnly:  req.ReadOnly,
		Exclusive: req.Exclusive,
	})
	if err != nil {
		return connection.Info{}, nil, err
	}

	snap, err := s.inspector.Current(ctx, conn.ID)
	if errors.Is(err, dberr.ErrNoSnapshotYet) {
		snap, err = s.inspector.Refresh(ctx, conn.ID)
	}
	if err != nil {
		if dberr.IsFatal(err) {
			// The catalog cannot be read; the file is of no use.
			if cerr := s.manager.Close(context.WithoutCancel(ctx), conn.ID); cerr != nil {
				s.logger.Warn("closing unreadable database", "connection", conn.ID, "error", cerr)
			}
		}
		return connection.Info{}, nil, err
	}
	return s.info(conn.ID), snap, nil
}

func (s *Service) info(id string) connection.Info {
	for _, info := range s.manager.List() {
		if info.ID == id {
			return info
		}
	}
	return connection.Info{ID: id}
}

// CloseDatabase closes a connection.
func (s *Service) CloseDatabase(ctx context.Context, connID string) error {
	conn, err := s.manager.Resolve(connID)
	if err != nil {
		return err
	}
	return s.manager.Close(ctx, conn.ID)
}

// ListDatabases describes every open connection.
func (s *Service) ListDatabases() []connection.Info {
	return s.manager.List()
}

// SetActive makes connID the active connection.
func (s *Service) SetActive(connID string) (connection.Info, error) {
	if err := s.manager.SetActive(connID); err != nil {
		return connection.Info{}, err
	}
	return s.info(connID), nil
}

// GetSchema returns the current schema snapshot.
func (s *Service) GetSchema(ctx context.Context, connID string) (*schema.Snapshot, error) {
	conn, err := s.manager.Resolve(connID)
	if err != nil {
		return nil, err
	}
	return s.inspector.Current(ctx, conn.ID)
}

// RefreshSchema rebuilds the snapshot and announces it.
func (s *Service) RefreshSchema(ctx context.Context, connID string) (*schema.Snapshot, error) {
	conn, err := s.manager.Resolve(connID)
	if err != nil {
		return nil, err
	}
	snap, err := s.inspector.Refresh(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{
		Type:          events.TypeSchemaChanged,
		ConnectionID:  conn.ID,
		SchemaVersion: snap.Version,
		Reason:        events.ReasonRefresh,
	})
	return snap, nil
}

// Execute runs a statement request.
func (s *Service) Execute(ctx context.Context, req query.Request) (*query.Result, error) {
	return s.exec.Execute(ctx, req)
}

// FetchRows returns the next window of a cursor.
func (s *Service) FetchRows(ctx context.Context, handle string, window int) (*cursor.Page, error) {
	return s.pager.Fetch(ctx, handle, window)
}

// CloseCursor closes a cursor. Unknown and closed handles are ignored.
func (s *Service) CloseCursor(handle string) {
	s.pager.Close(handle, events.ReasonClientClosed)
}

// Begin starts an explicit transaction.
func (s *Service) Begin(ctx context.Context, connID string) (txn.Transaction, error) {
	return s.coord.Begin(ctx, connID)
}

// Commit commits the active transaction.
func (s *Service) Commit(ctx context.Context, connID string) (txn.Transaction, error) {
	return s.coord.Commit(ctx, connID)
}

// Rollback rolls the active transaction back.
func (s *Service) Rollback(ctx context.Context, connID string) (txn.Transaction, error) {
	return s.coord.Rollback(ctx, connID)
}

// TransactionState returns the latest transaction of a connection.
func (s *Service) TransactionState(connID string) (txn.Transaction, error) {
	conn, err := s.manager.Resolve(connID)
	if err != nil {
		return txn.Transaction{}, err
	}
	return s.coord.Current(conn.ID), nil
}

// Cancel cancels a request by id. Cancelling an unknown or finished
// request is not an error.
func (s *Service) Cancel(requestID string) bool {
	return s.exec.Cancel(requestID)
}

// Browse pages through a table.
func (s *Service) Browse(ctx context.Context, req query.BrowseRequest) (*query.Result, error) {
	return s.exec.Browse(ctx, req)
}

// InsertRow inserts a row.
func (s *Service) InsertRow(ctx context.Context, req query.EditRequest) (*query.Result, error) {
	return s.exec.InsertRow(ctx, req)
}

// UpdateCell changes one value of a row.
func (s *Service) UpdateCell(ctx context.Context, req query.EditRequest) (*query.Result, error) {
	return s.exec.UpdateCell(ctx, req)
}

// DeleteRow deletes a row.
func (s *Service) DeleteRow(ctx context.Context, req query.EditRequest) (*query.Result, error) {
	return s.exec.DeleteRow(ctx, req)
}
