package channel

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/wrapping"
)

// UnreliableSender assigns MessageIndex values and keeps nothing after a
// message has been handed to a packet — on loss it is simply gone
// (§4.2 "UnorderedUnreliable: drops on packet loss").
type UnreliableSender struct {
	mu        sync.Mutex
	nextIndex wrapping.U16
	queued    []OutgoingMessage
}

func NewUnreliableSender() *UnreliableSender { return &UnreliableSender{} }

func (s *UnreliableSender) Enqueue(kind uint16, payload []byte) wrapping.U16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextIndex
	s.nextIndex++
	s.queued = append(s.queued, OutgoingMessage{Index: idx, Kind: kind, Payload: payload})
	return idx
}

// Drain returns every currently queued message and empties the queue —
// whatever doesn't fit the caller's packet budget this tick is dropped,
// per the unreliable contract.
func (s *UnreliableSender) Drain() []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queued
	s.queued = nil
	return out
}

// ReliableSender backs both UnorderedReliable and OrderedReliable
// (§4.2: "same sender as UR" — ordering is a receiver-side concern,
// see OrderedArranger in receiver.go). Messages are retransmitted every
// RESEND_RTT_FACTOR*RTT until the AckManager reports delivery.
type ReliableSender struct {
	mu             sync.Mutex
	nextIndex      wrapping.U16
	pending        map[wrapping.U16]*pendingMessage
	sentInPacket   map[wrapping.U16][]wrapping.U16
	resendInterval func() time.Duration
}

type pendingMessage struct {
	msg      OutgoingMessage
	lastSent time.Time
	everSent bool
}

func NewReliableSender(resendInterval func() time.Duration) *ReliableSender {
	return &ReliableSender{
		pending:        make(map[wrapping.U16]*pendingMessage),
		sentInPacket:   make(map[wrapping.U16][]wrapping.U16),
		resendInterval: resendInterval,
	}
}

func (s *ReliableSender) Enqueue(kind uint16, payload []byte) wrapping.U16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextIndex
	s.nextIndex++
	s.pending[idx] = &pendingMessage{msg: OutgoingMessage{Index: idx, Kind: kind, Payload: payload}}
	return idx
}

// CollectDue returns messages that are either never-yet-sent or whose
// resend interval has elapsed, in index order for determinism (ordering
// guarantees for OrderedReliable still rest on the receiver's arranger,
// not send order, since packets can be reordered or dropped in flight).
func (s *ReliableSender) CollectDue(now time.Time) []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []wrapping.U16
	for idx, pm := range s.pending {
		if !pm.everSent || now.Sub(pm.lastSent) >= s.resendInterval() {
			due = append(due, idx)
		}
	}
	sortU16(due)
	out := make([]OutgoingMessage, 0, len(due))
	for _, idx := range due {
		out = append(out, s.pending[idx].msg)
	}
	return out
}

// MarkSent records that msgIdx was placed into packetIdx, updating the
// resend clock and the packet->message association AckManager
// notifications key off of.
func (s *ReliableSender) MarkSent(packetIdx, msgIdx wrapping.U16, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm, ok := s.pending[msgIdx]; ok {
		pm.lastSent = now
		pm.everSent = true
	}
	s.sentInPacket[packetIdx] = append(s.sentInPacket[packetIdx], msgIdx)
}

func (s *ReliableSender) NotifyPacketDelivered(packetIdx wrapping.U16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgIdx := range s.sentInPacket[packetIdx] {
		delete(s.pending, msgIdx)
	}
	delete(s.sentInPacket, packetIdx)
}

func (s *ReliableSender) NotifyPacketLost(packetIdx wrapping.U16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgIdx := range s.sentInPacket[packetIdx] {
		if pm, ok := s.pending[msgIdx]; ok {
			pm.lastSent = time.Time{} // force immediate resend candidacy
		}
	}
	delete(s.sentInPacket, packetIdx)
}

func (s *ReliableSender) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func sortU16(xs []wrapping.U16) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
