package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTicketTTL is how long a WebSocket ticket stays valid.
const DefaultTicketTTL = 60 * time.Second

// ticketBytes is the number of random bytes in a ticket.
const ticketBytes = 32

// Ticket is a pending WebSocket credential.
type Ticket struct {
	Value     string
	Subject   string
	ExpiresAt time.Time
}

// TicketStore holds single-use WebSocket tickets.
type TicketStore struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	items map[string]Ticket
}

// NewTicketStore returns a store issuing tickets valid for ttl. A zero
// ttl means DefaultTicketTTL.
func NewTicketStore(ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketStore{ttl: ttl, now: time.Now, items: make(map[string]Ticket)}
}

// Issue creates a ticket for subject.
func (s *TicketStore) Issue(subject string) (Ticket, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return Ticket{}, err
	}
	t := Ticket{
		Value:     hex.EncodeToString(b),
		Subject:   subject,
		ExpiresAt: s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.items[t.Value] = t
	s.mu.Unlock()
	return t, nil
}

// Redeem consumes a ticket. A ticket can be redeemed once, and only
// before it expires.
func (s *TicketStore) Redeem(value string) (Ticket, error) {
	s.mu.Lock()
	t, ok := s.items[value]
	delete(s.items, value)
	s.mu.Unlock()

	if !ok || !s.now().Before(t.ExpiresAt) {
		return Ticket{}, ErrTicketInvalid
	}
	return t, nil
}

// Sweep drops expired tickets and returns how many were dropped.
func (s *TicketStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for v, t := range s.items {
		if !now.Before(t.ExpiresAt) {
			delete(s.items, v)
			n++
		}
	}
	return n
}

// Len returns the number of pending tickets.
func (s *TicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Run sweeps expired tickets every TTL until ctx is cancelled.
func (s *TicketStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
