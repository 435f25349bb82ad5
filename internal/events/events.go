package events

import (
	"sync"
	"time"
)

// Type identifies an event pushed to the presentation layer.
type Type string

// Event types.
const (
	TypeSchemaChanged           Type = "schema.changed"
	TypeCursorClosed            Type = "cursor.closed"
	TypeTransactionStateChanged Type = "transaction.state_changed"
)

// Reasons carried by cursor.closed and transaction.state_changed.
const (
	ReasonClientClosed     = "client_closed"
	ReasonExhausted        = "exhausted"
	ReasonConnectionClosed = "connection_closed"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonCancelled        = "cancelled"
	ReasonError            = "error"
	ReasonShutdown         = "shutdown"
	ReasonStatementFailed  = "statement_failed"
	ReasonCommitFailed     = "commit_failed"
	ReasonEngine           = "engine"
	ReasonRequested        = "requested"
	ReasonDDL              = "ddl"
	ReasonRefresh          = "refresh"
	ReasonRolledBack       = "rolled_back"
)

// Event is one notification. Fields that do not apply to the type are empty.
type Event struct {
	Type          Type      `json:"type"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	CursorHandle  string    `json:"cursor_handle,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	State         string    `json:"state,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	SchemaVersion uint64    `json:"schema_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Publisher is the part of the Bus components emit through.
type Publisher interface {
	Publish(Event)
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu    sync.RWMutex
	next  uint64
	order []uint64
	byID  map[uint64]Handler
	nowFn func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		byID:  make(map[uint64]Handler),
		nowFn: time.Now,
	}
}

// Subscribe registers h and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.byID[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.byID, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers e to every subscriber before returning. A zero
// Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.nowFn().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.byID[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(Event) {}

// Recorder collects events for inspection. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle appends e; pass it to Bus.Subscribe.
func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
