package hostworld

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/ack"
	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/worldsync"
	"github.com/netweave/entitysync/wrapping"
)

// TaggedCommand pairs an EntityCommand with the CommandId the wire
// format delta-encodes (§6 "entity commands ... delta-encoded
// CommandId").
type TaggedCommand struct {
	ID  wrapping.U16
	Cmd worldsync.EntityCommand
}

type pendingCommand struct {
	cmd      worldsync.EntityCommand
	lastSent time.Time
	everSent bool
}

// HostWorldManager owns the HostEngine that validates outgoing
// commands and a reliable-delivery pipeline for them, resending every
// still-unacknowledged command at RESEND_COMMAND_RTT_FACTOR*RTT until
// the AckManager confirms delivery (§4.4, §5 "Cancellation & timeouts").
type HostWorldManager struct {
	mu     sync.Mutex
	engine *worldsync.HostEngine

	nextID         wrapping.U16
	pending        map[wrapping.U16]*pendingCommand
	sentInPacket   map[wrapping.U16][]wrapping.U16
	packetSentAt   map[wrapping.U16]time.Time
	spawnAcked     map[entity.GlobalEntity]struct{}
	inFlight       map[entity.GlobalEntity]int
	maxInFlight    int
	recordTTL      time.Duration
	resendInterval func() time.Duration
}

var _ ack.PacketNotifiable = (*HostWorldManager)(nil)

func NewHostWorldManager(engine *worldsync.HostEngine, resendInterval func() time.Duration) *HostWorldManager {
	conn := &cmn.GCO.Get().Conn
	return &HostWorldManager{
		engine:         engine,
		pending:        make(map[wrapping.U16]*pendingCommand),
		sentInPacket:   make(map[wrapping.U16][]wrapping.U16),
		packetSentAt:   make(map[wrapping.U16]time.Time),
		spawnAcked:     make(map[entity.GlobalEntity]struct{}),
		inFlight:       make(map[entity.GlobalEntity]int),
		maxInFlight:    conn.MaxInFlightPerEntity,
		recordTTL:      conn.CommandRecordTTL,
		resendInterval: resendInterval,
	}
}

// Submit validates cmd against the entity's authority state machine
// and, if legal, enters it into the reliable pipeline, returning the
// CommandId assigned for delta-encoding on the wire.
func (m *HostWorldManager) Submit(cmd worldsync.EntityCommand) (wrapping.U16, error) {
	m.mu.Lock()
	if m.maxInFlight > 0 && m.inFlight[cmd.Entity] >= m.maxInFlight {
		m.mu.Unlock()
		return 0, cmn.NewErrTooManyInFlight(cmd.Entity.String(), m.maxInFlight)
	}
	m.mu.Unlock()

	if err := m.engine.Enqueue(cmd); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.pending[id] = &pendingCommand{cmd: cmd}
	m.inFlight[cmd.Entity]++
	return id, nil
}

// CollectDue returns every command that is new or whose resend
// interval has elapsed, oldest CommandId first. Sent-packet records
// older than CommandRecordTTL are purged on the way through — the
// commands themselves stay live in the pending queue (§5).
func (m *HostWorldManager) CollectDue(now time.Time) []TaggedCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, at := range m.packetSentAt {
		if m.recordTTL > 0 && now.Sub(at) > m.recordTTL {
			delete(m.sentInPacket, idx)
			delete(m.packetSentAt, idx)
		}
	}
	var ids []wrapping.U16
	for id, pc := range m.pending {
		if !pc.everSent || now.Sub(pc.lastSent) >= m.resendInterval() {
			ids = append(ids, id)
		}
	}
	sortU16(ids)
	out := make([]TaggedCommand, 0, len(ids))
	for _, id := range ids {
		out = append(out, TaggedCommand{ID: id, Cmd: m.pending[id].cmd})
	}
	return out
}

func (m *HostWorldManager) MarkSent(packetIdx, cmdID wrapping.U16, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc, ok := m.pending[cmdID]; ok {
		pc.lastSent = now
		pc.everSent = true
	}
	m.sentInPacket[packetIdx] = append(m.sentInPacket[packetIdx], cmdID)
	if _, ok := m.packetSentAt[packetIdx]; !ok {
		m.packetSentAt[packetIdx] = now
	}
}

func (m *HostWorldManager) NotifyPacketDelivered(idx wrapping.U16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sentInPacket[idx] {
		pc, ok := m.pending[id]
		if !ok {
			continue
		}
		switch pc.cmd.Type {
		case worldsync.MsgSpawn:
			m.spawnAcked[pc.cmd.Entity] = struct{}{}
		case worldsync.MsgDespawn:
			delete(m.spawnAcked, pc.cmd.Entity)
		}
		delete(m.pending, id)
		if n := m.inFlight[pc.cmd.Entity] - 1; n > 0 {
			m.inFlight[pc.cmd.Entity] = n
		} else {
			delete(m.inFlight, pc.cmd.Entity)
		}
	}
	delete(m.sentInPacket, idx)
	delete(m.packetSentAt, idx)
}

// PeerHasSpawned reports whether ge's Spawn has been acknowledged by
// the peer, the scope test the writer's relations-waiting check runs
// before serializing a component that references ge (§4.4).
func (m *HostWorldManager) PeerHasSpawned(ge entity.GlobalEntity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spawnAcked[ge]
	return ok
}

func (m *HostWorldManager) NotifyPacketLost(idx wrapping.U16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sentInPacket[idx] {
		if pc, ok := m.pending[id]; ok {
			pc.lastSent = time.Time{}
		}
	}
	delete(m.sentInPacket, idx)
	delete(m.packetSentAt, idx)
}

func (m *HostWorldManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func sortU16(xs []wrapping.U16) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
