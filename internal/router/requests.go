package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRequestTimeout is delivered to a local caller whose request saw no
// matching response within its deadline.
var ErrRequestTimeout = errors.New("request timeout")

// Response is the terminal outcome of a local request.
type Response struct {
	Data json.RawMessage
	Err  error
}

// pendingRequest is one outstanding correlation entry. Exactly one of the two
// origination modes exists per id: local requests carry a timer and resolve a
// channel, forwarded requests resolve by transmitting over the connection
// that is owed the answer.
type pendingRequest struct {
	accept func(data json.RawMessage)
	fail   func()
	timer  *time.Timer
}

// requestTable tracks outstanding request ids and resolves or times them out.
// IDs embed the server instance so concurrently running servers sharing a
// forwarding mesh never collide.
type requestTable struct {
	instanceID string
	timeout    time.Duration

	mu      sync.Mutex
	counter uint64
	pending map[string]*pendingRequest
	closed  bool
}

func newRequestTable(timeout time.Duration) *requestTable {
	return &requestTable{
		instanceID: strings.SplitN(uuid.NewString(), "-", 2)[0],
		timeout:    timeout,
		pending:    make(map[string]*pendingRequest),
	}
}

// newLocal mints a pending entry resolving an in-process future. A timeout of
// zero selects the table default. The returned channel receives exactly one
// Response: the payload on acceptance, ErrRequestTimeout otherwise.
func (t *requestTable) newLocal(timeout time.Duration) (string, <-chan Response) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	result := make(chan Response, 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	id := fmt.Sprintf("%s;%d", t.instanceID, t.counter)
	t.counter++
	if t.closed {
		result <- Response{Err: ErrRequestTimeout}
		return id, result
	}
	entry := &pendingRequest{
		accept: func(data json.RawMessage) {
			result <- Response{Data: data}
		},
		fail: func() {
			result <- Response{Err: ErrRequestTimeout}
		},
	}
	entry.timer = time.AfterFunc(timeout, func() {
		if t.evict(id) {
			entry.fail()
		}
	})
	t.pending[id] = entry
	return id, result
}

// newForward registers an entry for a request id owned by another server:
// acceptance transmits the response over the provided accept callback instead
// of resolving a local future. Forwarded entries carry no timer; the remote
// side owns the deadline.
func (t *requestTable) newForward(id string, accept func(data json.RawMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending[id] = &pendingRequest{accept: accept}
}

// accepted resolves the pending request named by id, reporting whether an
// entry was still waiting. Unknown or expired ids resolve nothing.
func (t *requestTable) accepted(id string, data json.RawMessage) bool {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	t.mu.Unlock()
	if ok {
		entry.accept(data)
	}
	return ok
}

// evict removes an entry on timeout, reporting whether it was still pending.
func (t *requestTable) evict(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return ok
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// close cancels every outstanding timer and fails all local futures.
func (t *requestTable) close() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.closed = true
	t.mu.Unlock()
	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.fail != nil {
			entry.fail()
		}
	}
}
