package channel

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/ack"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/wrapping"
)

// channelRoute bundles whichever sender/receiver pair a registered
// channel's Mode calls for; exactly one of each pointer group is
// non-nil per route.
type channelRoute struct {
	mode protocol.ChannelMode

	unreliableSender *UnreliableSender
	reliableSender   *ReliableSender

	unreliableReceiver *UnreliableReceiver
	dedupReceiver      *DedupReceiver
	orderedReceiver    *OrderedArranger

	tickSender   *TickBufferedSender
	tickReceiver *TickBufferedReceiver

	fragments *FragmentReceiver
}

// MessageManager owns one route per registered ChannelKind and
// implements ack.PacketNotifiable by forwarding delivery/loss edges to
// every reliable sender it holds (§4.1, §4.2).
type MessageManager struct {
	mu     sync.Mutex
	kinds  *protocol.KindTable
	routes map[uint16]*channelRoute

	maxFragmentBytes int
}

var _ ack.PacketNotifiable = (*MessageManager)(nil)

func NewMessageManager(kinds *protocol.KindTable, maxFragmentBytes int) *MessageManager {
	return &MessageManager{
		kinds:            kinds,
		routes:           make(map[uint16]*channelRoute),
		maxFragmentBytes: maxFragmentBytes,
	}
}

// Bind constructs the sender/receiver pair for a channel already
// registered in the KindTable, keyed off its Mode. resendInterval
// supplies the reliable sender's RTT-derived resend delay.
func (m *MessageManager) Bind(channelID uint16, resendInterval func() time.Duration, dedupCapacity uint) {
	ck, ok := m.kinds.Channel(channelID)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	route := &channelRoute{mode: ck.Mode, fragments: NewFragmentReceiver()}
	switch ck.Mode {
	case protocol.UnorderedUnreliable:
		route.unreliableSender = NewUnreliableSender()
		route.unreliableReceiver = NewUnreliableReceiver()
	case protocol.UnorderedReliable:
		route.reliableSender = NewReliableSender(resendInterval)
		route.dedupReceiver = NewDedupReceiver(dedupCapacity)
	case protocol.OrderedReliable:
		route.reliableSender = NewReliableSender(resendInterval)
		route.orderedReceiver = NewOrderedArranger()
	case protocol.TickBuffered:
		route.tickSender = NewTickBufferedSender()
		route.tickReceiver = NewTickBufferedReceiver()
	}
	m.routes[channelID] = route
}

func (m *MessageManager) route(channelID uint16) *channelRoute {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[channelID]
}

// Send enqueues payload on channelID, splitting it into fragments first
// if it exceeds maxFragmentBytes, and returns the assigned message
// index (or the first fragment's, if split).
func (m *MessageManager) Send(channelID uint16, kind uint16, payload []byte, tick uint32) wrapping.U16 {
	r := m.route(channelID)
	if r == nil {
		return 0
	}
	switch r.mode {
	case protocol.UnorderedUnreliable:
		return r.unreliableSender.Enqueue(kind, payload)
	case protocol.UnorderedReliable, protocol.OrderedReliable:
		if len(payload) <= m.maxFragmentBytes {
			return r.reliableSender.Enqueue(kind, payload)
		}
		return m.sendFragmented(r, kind, payload)
	case protocol.TickBuffered:
		return r.tickSender.Enqueue(tick, kind, payload)
	}
	return 0
}

func (m *MessageManager) sendFragmented(r *channelRoute, kind uint16, payload []byte) wrapping.U16 {
	s := r.reliableSender
	s.mu.Lock()
	defer s.mu.Unlock()
	first := s.nextIndex
	for _, f := range SplitForSend(first, kind, payload, m.maxFragmentBytes) {
		s.pending[f.Index] = &pendingMessage{msg: f}
		s.nextIndex++
	}
	return first
}

// CollectDue returns everything ready to go out on channelID this
// tick: the full unreliable queue, or whatever reliable messages are
// new/overdue for resend.
func (m *MessageManager) CollectDue(channelID uint16, now time.Time) []OutgoingMessage {
	r := m.route(channelID)
	if r == nil {
		return nil
	}
	switch r.mode {
	case protocol.UnorderedUnreliable:
		return r.unreliableSender.Drain()
	case protocol.UnorderedReliable, protocol.OrderedReliable:
		return r.reliableSender.CollectDue(now)
	}
	return nil
}

func (m *MessageManager) TakeTick(channelID uint16, tick uint32) []OutgoingMessage {
	r := m.route(channelID)
	if r == nil {
		return nil
	}
	return r.tickSender.TakeTick(tick)
}

// MarkSent records packet/message association for reliable channels so
// delivery/loss notifications know what to react to.
func (m *MessageManager) MarkSent(channelID uint16, packetIdx, msgIdx wrapping.U16, now time.Time) {
	r := m.route(channelID)
	if r == nil || r.reliableSender == nil {
		return
	}
	r.reliableSender.MarkSent(packetIdx, msgIdx, now)
}

// Receive dispatches one arrived message into its channel's
// receiver, assembling fragments first, and returns whatever is now
// ready for delivery to the application (possibly nothing, if an
// ordered-reliable arrival is blocked behind a gap).
func (m *MessageManager) Receive(channelID uint16, msg OutgoingMessage, tick uint32) []DeliveredMessage {
	r := m.route(channelID)
	if r == nil {
		return nil
	}

	kind, payload, idx := msg.Kind, msg.Payload, msg.Index
	if msg.IsFragment {
		reassembled, k, complete := r.fragments.Receive(msg)
		if !complete {
			return nil
		}
		kind, payload = k, reassembled
		idx = msg.Index - wrapping.U16(msg.FragIndex)
	}

	switch r.mode {
	case protocol.UnorderedUnreliable:
		return r.unreliableReceiver.Receive(idx, kind, payload)
	case protocol.UnorderedReliable:
		return r.dedupReceiver.Receive(idx, kind, payload)
	case protocol.OrderedReliable:
		return r.orderedReceiver.Receive(idx, kind, payload)
	case protocol.TickBuffered:
		r.tickReceiver.Receive(tick, idx, kind, payload)
		return nil
	}
	return nil
}

// ReleaseTickBuffered returns every tick-buffered delivery whose tick
// has now arrived locally, across all tick-buffered channels.
func (m *MessageManager) ReleaseTickBuffered(localTick uint32) map[uint16][]DeliveredMessage {
	m.mu.Lock()
	routes := make(map[uint16]*channelRoute, len(m.routes))
	for id, r := range m.routes {
		routes[id] = r
	}
	m.mu.Unlock()

	out := make(map[uint16][]DeliveredMessage)
	for id, r := range routes {
		if r.mode != protocol.TickBuffered {
			continue
		}
		if msgs := r.tickReceiver.ReleaseUpTo(localTick); len(msgs) > 0 {
			out[id] = msgs
		}
	}
	return out
}

func (m *MessageManager) NotifyPacketDelivered(idx wrapping.U16) {
	m.mu.Lock()
	routes := make([]*channelRoute, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	m.mu.Unlock()
	for _, r := range routes {
		if r.reliableSender != nil {
			r.reliableSender.NotifyPacketDelivered(idx)
		}
	}
}

func (m *MessageManager) NotifyPacketLost(idx wrapping.U16) {
	m.mu.Lock()
	routes := make([]*channelRoute, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r)
	}
	m.mu.Unlock()
	for _, r := range routes {
		if r.reliableSender != nil {
			r.reliableSender.NotifyPacketLost(idx)
		}
	}
}
