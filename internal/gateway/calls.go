package gateway

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
)

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

// correlator hands out request ids and pairs response frames back to their
// waiting callers. Every id is removed exactly once: settle and remove both
// delete under the lock, so whichever of response or timeout fires second
// finds nothing and becomes a no-op.
type correlator struct {
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCall)}
}

// register allocates an id and a single-use result channel for one request.
func (t *correlator) register(method string) (string, <-chan callResult) {
	id := strconv.FormatInt(t.nextID.Add(1), 10)
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}
	t.mu.Lock()
	t.pending[id] = call
	t.mu.Unlock()
	return id, call.ch
}

// settle resolves or rejects the pending request for id. Returns false when
// no such request is outstanding (already settled, timed out, or a replay).
func (t *correlator) settle(id string, payload json.RawMessage, err error) bool {
	t.mu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- callResult{payload: payload, err: err}
	return true
}

// remove drops a pending request without delivering a result, for the
// timeout and failed-send paths.
func (t *correlator) remove(id string) bool {
	t.mu.Lock()
	_, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	return ok
}

// method returns the method name registered for id, for diagnostics.
func (t *correlator) method(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if call, ok := t.pending[id]; ok {
		return call.method
	}
	return ""
}

// failAll rejects every outstanding request, used when the connection drops.
func (t *correlator) failAll(err error) {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
}

func (t *correlator) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
