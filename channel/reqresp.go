package channel

import (
	"sync"

	"github.com/teris-io/shortid"
)

// localRequestID is a connection-local identifier minted for an
// outgoing request so its eventual response can be matched back up
// without carrying the full request payload in the reply (§4.2
// "Request/response").
type localRequestID struct {
	id   uint64
	salt uint64
}

// swap flips a local id into the form the peer must echo back,
// cheaply distinguishing "my request's id" from "your request's id"
// on the wire without a separate direction flag.
func (l localRequestID) swap() localRequestID {
	return localRequestID{id: l.id, salt: l.salt ^ 0xffffffffffffffff}
}

// GlobalRequestTable tracks outstanding locally-issued requests
// awaiting a response, keyed by the id minted at send time.
type GlobalRequestTable struct {
	mu      sync.Mutex
	sid     *shortid.Shortid
	pending map[uint64]chan []byte
	nextKey uint64
}

func NewGlobalRequestTable() *GlobalRequestTable {
	sid, err := shortid.New(1, shortid.DefaultABC, 0xB16B00B5)
	if err != nil {
		sid = shortid.MustNew(1, shortid.DefaultABC, 1)
	}
	return &GlobalRequestTable{sid: sid, pending: make(map[uint64]chan []byte)}
}

// IssueRequest mints a fresh id and registers a response channel for
// it, returning both to the caller: the id to stamp on the outgoing
// message, and the channel to block on for the reply.
func (t *GlobalRequestTable) IssueRequest() (uint64, <-chan []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextKey++
	key := t.nextKey
	ch := make(chan []byte, 1)
	t.pending[key] = ch
	return key, ch
}

// ResolveResponse delivers payload to the waiter registered for key,
// if any, and reports whether a waiter was actually found — an
// unmatched response is silently dropped rather than treated as an
// error, since the requester may have already given up and moved on.
func (t *GlobalRequestTable) ResolveResponse(key uint64, payload []byte) bool {
	t.mu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	close(ch)
	return true
}

// Cancel drops a pending request without resolving it, e.g. on
// connection teardown.
func (t *GlobalRequestTable) Cancel(key uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.pending[key]; ok {
		close(ch)
		delete(t.pending, key)
	}
}

func (t *GlobalRequestTable) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// NewLocalID mints a short, human-loggable token for correlating a
// request/response pair in diagnostics, independent of the numeric
// key used for the internal lookup table.
func (t *GlobalRequestTable) NewLocalID() (string, error) {
	t.mu.Lock()
	sid := t.sid
	t.mu.Unlock()
	return sid.Generate()
}
