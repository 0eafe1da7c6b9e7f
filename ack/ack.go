// Package ack implements the reliability/ack layer (§4.1): packet
// indexing, selective-ack bitfield maintenance, RTT estimation, and
// heartbeat/disconnection timing.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package ack

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/wire"
	"github.com/netweave/entitysync/wrapping"
)

// PacketNotifiable is implemented by every manager that must react to
// packet delivery/loss edges: MessageManager, HostWorldManager,
// EntityUpdateManager (§4.1).
type PacketNotifiable interface {
	NotifyPacketDelivered(idx wrapping.U16)
	NotifyPacketLost(idx wrapping.U16)
}

const windowSize = 32

// Manager assigns outgoing packet indices, parses incoming headers, and
// raises delivery/loss notifications to registered PacketNotifiables.
type Manager struct {
	mu sync.Mutex

	nextOutgoing  wrapping.U16
	lastReceived  wrapping.U16
	haveReceived  bool
	recvBitfield  uint32 // bit i set => lastReceived-(i+1) was received

	sendTimes map[wrapping.U16]time.Time // outstanding packet -> send time, for RTT

	notifiables []PacketNotifiable

	rtt        time.Duration
	rttInit    bool
	smoothing  float32

	lastDataSent time.Time
	lastAnyRecv  time.Time
	shouldAck    atomic.Bool

	pingSampler *PingSampler
}

func NewManager(cfg *cmn.ConnectionConfig) *Manager {
	m := &Manager{
		sendTimes:   make(map[wrapping.U16]time.Time),
		rtt:         cfg.RTTInitialEstimate,
		smoothing:   cfg.RTTSmoothingFactor,
		pingSampler: NewPingSampler(16),
	}
	now := time.Now()
	m.lastDataSent = now
	m.lastAnyRecv = now
	return m
}

func (m *Manager) Register(n PacketNotifiable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiables = append(m.notifiables, n)
}

// NextOutgoingIndex assigns and advances the next packet index a writer
// should stamp on the header it builds.
func (m *Manager) NextOutgoingIndex() wrapping.U16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.nextOutgoing
	m.nextOutgoing++
	return idx
}

// BuildHeader constructs the outgoing header for packetType, recording
// the send time of idx for RTT purposes whatever the packet type; a Data
// packet also refreshes the last-data-sent time NeedsHeartbeat checks.
func (m *Manager) BuildHeader(idx wrapping.U16, packetType wire.PacketType) wire.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendTimes[idx] = time.Now()
	if packetType == wire.PacketData {
		m.lastDataSent = time.Now()
	}
	m.shouldAck.Store(false)
	return wire.Header{
		Type:              packetType,
		NextOutgoingIndex: uint16(idx),
		LastReceivedIndex: uint16(m.lastReceived),
		AckBitfield:       m.recvBitfield,
	}
}

// MarkShouldSendEmptyAck arms the empty-ack obligation (§4.1). Cleared
// implicitly by BuildHeader/MarkSent once a packet actually goes out.
func (m *Manager) MarkShouldSendEmptyAck() { m.shouldAck.Store(true) }

func (m *Manager) ShouldSendEmptyAck() bool { return m.shouldAck.Load() }

func (m *Manager) MarkSent() { m.shouldAck.Store(false) }

// OnReceiveHeader processes an incoming header: updates the receive
// window, raises delivery notifications for newly-acked indices, raises
// loss notifications for indices that fall out of the window unacked,
// and folds new RTT samples into the EWMA estimate.
func (m *Manager) OnReceiveHeader(h wire.Header) {
	m.mu.Lock()
	m.lastAnyRecv = time.Now()
	recvIdx := wrapping.U16(h.NextOutgoingIndex)
	if !m.haveReceived || wrapping.SeqGreater16(recvIdx, m.lastReceived) {
		shift := uint32(1)
		if m.haveReceived {
			diff := wrapping.SeqDiff16(m.lastReceived, recvIdx)
			if diff > 0 && diff < 32 {
				shift = uint32(diff)
			} else if diff >= 32 {
				shift = 32
			}
		}
		if !m.haveReceived || shift >= 32 {
			m.recvBitfield = 0
		} else {
			m.recvBitfield = (m.recvBitfield << shift) | (1 << (shift - 1))
		}
		m.lastReceived = recvIdx
		m.haveReceived = true
		m.shouldAck.Store(true)
	}

	newlyAcked, lostNow := m.applyAckBitfield(h.LastReceivedIndex, h.AckBitfield)
	notifiables := append([]PacketNotifiable(nil), m.notifiables...)
	now := time.Now()
	var samples []time.Duration
	for _, idx := range newlyAcked {
		if st, ok := m.sendTimes[idx]; ok {
			samples = append(samples, now.Sub(st))
			delete(m.sendTimes, idx)
		}
	}
	for _, idx := range lostNow {
		delete(m.sendTimes, idx)
	}
	m.mu.Unlock()

	for _, s := range samples {
		m.foldRTTSample(s)
		m.pingSampler.Add(s)
	}
	for _, n := range notifiables {
		for _, idx := range newlyAcked {
			n.NotifyPacketDelivered(idx)
		}
		for _, idx := range lostNow {
			n.NotifyPacketLost(idx)
		}
	}
}

// applyAckBitfield compares the peer's reported ack window against what
// we think we know about our own in-flight packets, returning the set of
// indices newly confirmed delivered and the set that just aged out of
// the window without ever being acked (lost). Must be called with mu held.
func (m *Manager) applyAckBitfield(lastRecv uint16, bitfield uint32) (newlyAcked, lost []wrapping.U16) {
	last := wrapping.U16(lastRecv)
	if _, inFlight := m.sendTimes[last]; inFlight {
		newlyAcked = append(newlyAcked, last)
	}
	for i := 0; i < windowSize; i++ {
		if bitfield&(1<<uint(i)) == 0 {
			continue
		}
		idx := last - wrapping.U16(i+1)
		if _, inFlight := m.sendTimes[idx]; inFlight {
			newlyAcked = append(newlyAcked, idx)
		}
	}
	// Anything still in flight that has aged past the window's trailing
	// edge can never appear in a future bitfield: lost. Sweeping the
	// whole in-flight set (rather than only the boundary slot) also
	// catches indices skipped over when lastRecv jumps forward by more
	// than the window in a single header.
	for idx := range m.sendTimes {
		if wrapping.SeqDiff16(idx, last) > windowSize {
			lost = append(lost, idx)
		}
	}
	sortSeq(lost)
	return
}

// sortSeq orders indices oldest-first by wrap-safe comparison so loss
// notifications fire deterministically regardless of map iteration.
func sortSeq(xs []wrapping.U16) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && wrapping.SeqLess16(xs[j], xs[j-1]); j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

func (m *Manager) foldRTTSample(sample time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rttInit {
		m.rtt = sample
		m.rttInit = true
		return
	}
	alpha := float64(m.smoothing)
	m.rtt = time.Duration((1-alpha)*float64(m.rtt) + alpha*float64(sample))
}

func (m *Manager) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

func (m *Manager) PingSamples() *PingSampler { return m.pingSampler }

// NeedsHeartbeat reports whether HeartbeatInterval has elapsed since the
// last data packet was sent.
func (m *Manager) NeedsHeartbeat(interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastDataSent) >= interval
}

// ShouldDrop reports whether nothing has been heard from the peer for
// longer than disconnectionTimeout (§4.1, §5 "Cancellation & timeouts").
func (m *Manager) ShouldDrop(disconnectionTimeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastAnyRecv) >= disconnectionTimeout
}

// DecodeAndProcess parses bytes into a Header and drives OnReceiveHeader,
// logging and dropping on malformed input without ever panicking (§7 kind 1).
func (m *Manager) DecodeAndProcess(buf []byte) (wire.Header, bool) {
	r := wire.NewReader(buf)
	h, err := wire.DecodeHeader(r)
	if err != nil {
		glog.Warningf("dropping packet with malformed header: %v", err)
		return wire.Header{}, false
	}
	m.OnReceiveHeader(h)
	return h, true
}
