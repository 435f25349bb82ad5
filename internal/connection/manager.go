package connection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/litelens/litelens-core/internal/dberr"
	"github.com/litelens/litelens-core/internal/events"
	"github.com/litelens/litelens-core/internal/infrastructure/database"
)

// Logger defines the logging interface used by the Manager and the
// components built on it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a logger that does nothing.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// CloseHook runs while a connection is being closed, with the statement
// gate held. Hooks run in registration order and must not acquire the
// gate themselves.
type CloseHook func(ctx context.Context, lease *Lease, reason string)

// Interrupter is told that a connection is about to close, and why, so it
// can cancel work that holds the statement gate.
type Interrupter func(connID, reason string)

// Options configures a Manager.
type Options struct {
	MaxOpen      int
	BusyPolicy   string
	BusyWait     time.Duration
	BusyTimeout  int // seconds the engine waits on another process's lock
	ForeignKeys  bool
	CloseTimeout time.Duration
}

// OpenOptions selects how a file is opened.
type OpenOptions struct {
	Path     string
	Create   bool
	ReadOnly bool

	// Exclusive makes opening an already open path fail with AlreadyOpen
	// instead of returning the existing connection.
	Exclusive bool
}

// Manager owns every open connection.
//
// The mutex guards only the maps and the active pointer; opening and
// closing engine handles happens outside it.
type Manager struct {
	opts   Options
	logger Logger

	mu      sync.Mutex
	byID    map[string]*Connection
	byPath  map[string]*Connection
	pending int
	seq     uint64
	active  string

	opens  singleflight.Group
	closes singleflight.Group

	hookMu       sync.RWMutex
	hooks        []CloseHook
	interrupters []Interrupter

	nowFn func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxOpen <= 0 {
		opts.MaxOpen = 1
	}
	if opts.BusyPolicy == "" {
		opts.BusyPolicy = PolicyReject
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	return &Manager{
		opts:   opts,
		logger: NopLogger{},
		byID:   make(map[string]*Connection),
		byPath: make(map[string]*Connection),
		nowFn:  time.Now,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// OnClose registers a hook run for every closing connection.
func (m *Manager) OnClose(h CloseHook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
}

// OnInterrupt registers an interrupter run before a close waits for the gate.
func (m *Manager) OnInterrupt(i Interrupter) {
	m.hookMu.Lock()
	m.interrupters = append(m.interrupters, i)
	m.hookMu.Unlock()
}

type openResult struct {
	conn  *Connection
	owner *struct{}
}

// Open opens the file at opts.Path. Concurrent opens of one path share a
// single engine handle; opening a path that is already open returns the
// existing connection unless opts.Exclusive is set. Failures are never
// retried.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Connection, error) {
	if opts.Path == "" {
		return nil, dberr.New(dberr.KindValidation, "path is required")
	}
	path, err := canonicalPath(opts.Path)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindValidation, err, "invalid path")
	}

	m.mu.Lock()
	existing := m.byPath[path]
	m.mu.Unlock()
	if existing != nil {
		if opts.Exclusive {
			return nil, dberr.New(dberr.KindAlreadyOpen, "%s is already open as %s", path, existing.ID)
		}
		return existing, nil
	}

	token := &struct{}{}
	v, err, _ := m.opens.Do(path, func() (any, error) {
		c, err := m.open(ctx, path, opts)
		return openResult{conn: c, owner: token}, err
	})
	if err != nil {
		return nil, err
	}
	res := v.(openResult)
	if opts.Exclusive && res.owner != token {
		return nil, dberr.New(dberr.KindAlreadyOpen, "%s is already open as %s", path, res.conn.ID)
	}
	return res.conn, nil
}

func (m *Manager) open(ctx context.Context, path string, opts OpenOptions) (*Connection, error) {
	m.mu.Lock()
	if c := m.byPath[path]; c != nil {
		m.mu.Unlock()
		return c, nil
	}
	if len(m.byID)+m.pending >= m.opts.MaxOpen {
		m.mu.Unlock()
		return nil, dberr.New(dberr.KindTooManyConnections, "at most %d databases may be open", m.opts.MaxOpen)
	}
	m.pending++
	m.mu.Unlock()

	c := &Connection{
		ID:       uuid.NewString(),
		Path:     path,
		ReadOnly: opts.ReadOnly,
		gate:     semaphore.NewWeighted(1),
		policy:   m.opts.BusyPolicy,
		busyWait: m.opts.BusyWait,
		state:    StateOpening,
	}

	db, err := database.Open(ctx, database.Config{
		Path:        path,
		Create:      opts.Create,
		ReadOnly:    opts.ReadOnly,
		BusyTimeout: m.opts.BusyTimeout,
		ForeignKeys: m.opts.ForeignKeys,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending--

	if err != nil {
		m.logger.Warn("open failed", "path", path, "error", err)
		return nil, openError(err)
	}

	m.seq++
	c.seq = m.seq
	c.db = db
	c.OpenedAt = m.nowFn().UTC()
	c.setState(StateOpen)
	m.byID[c.ID] = c
	m.byPath[path] = c
	if m.active == "" {
		m.active = c.ID
	}

	m.logger.Info("database opened", "connection", c.ID, "path", path, "read_only", opts.ReadOnly)
	return c, nil
}

// Close closes a connection. In-flight work is interrupted first; close
// hooks then run with the statement gate held, before the engine handle
// is released. If the gate cannot be taken within the close timeout the
// close is abandoned with ConnectionBusy and the connection stays open.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.closeWith(ctx, id, events.ReasonConnectionClosed)
}

// CloseAll closes every connection. It is used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.closeWith(ctx, id, events.ReasonShutdown); err != nil && !errors.Is(err, dberr.ErrUnknownConnection) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeWith(ctx context.Context, id, reason string) error {
	_, err, _ := m.closes.Do(id, func() (any, error) {
		return nil, m.doClose(ctx, id, reason)
	})
	return err
}

func (m *Manager) doClose(ctx context.Context, id, reason string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	if !c.beginClose() {
		return nil
	}

	m.hookMu.RLock()
	interrupters := append([]Interrupter(nil), m.interrupters...)
	hooks := append([]CloseHook(nil), m.hooks...)
	m.hookMu.RUnlock()

	for _, interrupt := range interrupters {
		interrupt(id, reason)
	}

	gctx, cancel := context.WithTimeout(ctx, m.opts.CloseTimeout)
	defer cancel()
	lease, err := c.acquireForClose(gctx)
	if err != nil {
		c.abortClose()
		return dberr.New(dberr.KindConnectionBusy, "connection %s did not become idle within %s", id, m.opts.CloseTimeout)
	}

	for _, hook := range hooks {
		hook(ctx, lease, reason)
	}

	closeErr := c.db.Close()
	c.setState(StateClosed)
	lease.Release()

	m.mu.Lock()
	delete(m.byID, id)
	if m.byPath[c.Path] == c {
		delete(m.byPath, c.Path)
	}
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	if closeErr != nil {
		m.logger.Error("closing database", "connection", id, "error", closeErr)
		return dberr.Wrap(dberr.KindEngine, closeErr, "")
	}
	m.logger.Info("database closed", "connection", id, "reason", reason)
	return nil
}

// Get returns the connection with the given id.
func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, dberr.New(dberr.KindUnknownConnection, "unknown connection %q", id)
	}
	return c, nil
}

// Resolve returns the connection with the given id, or the active
// connection when id is empty.
func (m *Manager) Resolve(id string) (*Connection, error) {
	if id == "" {
		return m.Active()
	}
	return m.Get(id)
}

// SetActive routes later commands without a connection id to id. Other
// connections stay open.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return dberr.New(dberr.KindUnknownConnection, "unknown connection %q", id)
	}
	m.active = id
	return nil
}

// Active returns the active connection.
func (m *Manager) Active() (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[m.active]
	if !ok {
		return nil, dberr.New(dberr.KindConnectionNotOpen, "no database is open")
	}
	return c, nil
}

// List describes every open connection, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		conns = append(conns, c)
	}
	active := m.active
	m.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info(c.ID == active))
	}
	return out
}

// Len returns the number of open connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// canonicalPath makes p absolute and resolves symlinks when the file
// exists, so one file opened through two names shares a connection.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(abs); err == nil {
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			return resolved, nil
		}
	}
	return filepath.Clean(abs), nil
}
