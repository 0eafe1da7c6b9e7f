package channel

import (
	"sync"

	"github.com/netweave/entitysync/wrapping"
)

// UnreliableReceiver hands every arriving message straight through —
// UnorderedUnreliable has no dedup or ordering contract (§4.2).
type UnreliableReceiver struct{}

func NewUnreliableReceiver() *UnreliableReceiver { return &UnreliableReceiver{} }

func (r *UnreliableReceiver) Receive(idx wrapping.U16, kind uint16, payload []byte) []DeliveredMessage {
	return []DeliveredMessage{{Index: idx, Kind: kind, Payload: payload}}
}

// DedupReceiver backs UnorderedReliable: every index is delivered at
// most once, in arbitrary arrival order, gated by a cuckoo filter in
// front of the exact seen-set (SPEC_FULL.md §1.2).
type DedupReceiver struct {
	mu      sync.Mutex
	filter  *dedupFilter
	exact   map[wrapping.U16]struct{}
}

func NewDedupReceiver(capacity uint) *DedupReceiver {
	return &DedupReceiver{
		filter: newDedupFilter(capacity),
		exact:  make(map[wrapping.U16]struct{}),
	}
}

func (r *DedupReceiver) Receive(idx wrapping.U16, kind uint16, payload []byte) []DeliveredMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filter.MaybeSeen(idx) {
		if _, seen := r.exact[idx]; seen {
			return nil
		}
	}
	r.filter.MarkSeen(idx)
	r.exact[idx] = struct{}{}
	return []DeliveredMessage{{Index: idx, Kind: kind, Payload: payload}}
}

// slotState is one entry in the ordered arranger's sliding window
// (§4.2 "Ordered arranger").
type slotState int

const (
	slotNotReceived slotState = iota
	slotReceived
	slotPreviousFragment
)

type slot struct {
	state   slotState
	kind    uint16
	payload []byte
}

// OrderedArranger buffers out-of-order OrderedReliable arrivals in a
// sliding window keyed by MessageIndex and releases only the
// contiguous prefix starting at the next expected index, preserving
// send order across loss and reordering.
type OrderedArranger struct {
	mu       sync.Mutex
	nextIdx  wrapping.U16
	window   map[wrapping.U16]*slot
}

func NewOrderedArranger() *OrderedArranger {
	return &OrderedArranger{window: make(map[wrapping.U16]*slot)}
}

// Receive records an arrival and returns whatever contiguous run can
// now be released in order, starting at the next expected index.
func (a *OrderedArranger) Receive(idx wrapping.U16, kind uint16, payload []byte) []DeliveredMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	if wrapping.SeqLess16(idx, a.nextIdx) {
		return nil // already delivered, stale duplicate
	}
	if _, exists := a.window[idx]; !exists {
		a.window[idx] = &slot{state: slotReceived, kind: kind, payload: payload}
	}

	var out []DeliveredMessage
	for {
		s, ok := a.window[a.nextIdx]
		if !ok || s.state != slotReceived {
			break
		}
		out = append(out, DeliveredMessage{Index: a.nextIdx, Kind: s.kind, Payload: s.payload})
		delete(a.window, a.nextIdx)
		a.nextIdx++
	}
	return out
}

func (a *OrderedArranger) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.window)
}
