package query

import (
	"context"
	"sync"
)

type inflight struct {
	connID string
	cancel context.CancelFunc
}

// registry tracks the cancel functions of running requests by request id.
type registry struct {
	mu   sync.Mutex
	reqs map[string]inflight
}

func newRegistry() *registry {
	return &registry{reqs: make(map[string]inflight)}
}

// track registers requestID. It reports false if the id is already running.
func (r *registry) track(requestID, connID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reqs[requestID]; ok {
		return false
	}
	r.reqs[requestID] = inflight{connID: connID, cancel: cancel}
	return true
}

func (r *registry) untrack(requestID string) {
	r.mu.Lock()
	delete(r.reqs, requestID)
	r.mu.Unlock()
}

// cancel cancels requestID and reports whether it was running.
func (r *registry) cancel(requestID string) bool {
	r.mu.Lock()
	req, ok := r.reqs[requestID]
	r.mu.Unlock()
	if ok {
		req.cancel()
	}
	return ok
}

// cancelConnection cancels every running request of connID.
func (r *registry) cancelConnection(connID string) int {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, req := range r.reqs {
		if req.connID == connID {
			cancels = append(cancels, req.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}
