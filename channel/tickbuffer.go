package channel

import (
	"sort"
	"sync"

	"github.com/netweave/entitysync/wrapping"
)

// TickBufferedSender accumulates messages per local simulation tick
// and hands a whole tick's worth out together, so the remote side can
// apply them atomically against its own matching tick (§4.2
// "tick-buffered delivery").
type TickBufferedSender struct {
	mu        sync.Mutex
	nextIndex wrapping.U16
	byTick    map[uint32][]OutgoingMessage
}

func NewTickBufferedSender() *TickBufferedSender {
	return &TickBufferedSender{byTick: make(map[uint32][]OutgoingMessage)}
}

func (s *TickBufferedSender) Enqueue(tick uint32, kind uint16, payload []byte) wrapping.U16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextIndex
	s.nextIndex++
	s.byTick[tick] = append(s.byTick[tick], OutgoingMessage{Index: idx, Kind: kind, Payload: payload})
	return idx
}

// TakeTick returns and clears everything queued for tick, in FIFO
// enqueue order.
func (s *TickBufferedSender) TakeTick(tick uint32) []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byTick[tick]
	delete(s.byTick, tick)
	return msgs
}

// TickBufferedReceiver holds incoming per-tick batches until the
// caller's local tick catches up to the remote tick the batch was
// produced for, then releases them in FIFO order.
type TickBufferedReceiver struct {
	mu      sync.Mutex
	pending map[uint32][]DeliveredMessage
}

func NewTickBufferedReceiver() *TickBufferedReceiver {
	return &TickBufferedReceiver{pending: make(map[uint32][]DeliveredMessage)}
}

func (r *TickBufferedReceiver) Receive(tick uint32, idx wrapping.U16, kind uint16, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[tick] = append(r.pending[tick], DeliveredMessage{Index: idx, Kind: kind, Payload: payload})
}

// ReleaseUpTo returns every buffered batch whose tick is not after
// localTick, removing them from the pending set.
func (r *TickBufferedReceiver) ReleaseUpTo(localTick uint32) []DeliveredMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ticks []uint32
	for tick := range r.pending {
		if tick <= localTick {
			ticks = append(ticks, tick)
		}
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	var out []DeliveredMessage
	for _, tick := range ticks {
		out = append(out, r.pending[tick]...)
		delete(r.pending, tick)
	}
	return out
}
