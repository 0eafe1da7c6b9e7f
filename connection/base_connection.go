/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package connection

import (
	"time"

	"github.com/golang/glog"

	"github.com/netweave/entitysync/ack"
	"github.com/netweave/entitysync/channel"
	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/compress"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/hostworld"
	"github.com/netweave/entitysync/metrics"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/remoteworld"
	"github.com/netweave/entitysync/wire"
	"github.com/netweave/entitysync/worldsync"
	"github.com/netweave/entitysync/wrapping"
)

// finishBitsReserve covers the trailing terminator bit each of the
// message/command/update segments writes to close itself out, mirrored
// from hostworld's budget discipline (§4.4).
const finishBitsReserve = 4

// BaseConnection is one peer's transport-agnostic packet cycle: it owns
// the ack layer, the channel message manager, the host- and remote-world
// halves, and an optional compression codec, and folds all three wire
// segments (messages, entity commands, entity updates) into one packet
// under a single byte budget (§4, §4.4, §5).
type BaseConnection struct {
	Ack      *ack.Manager
	Kinds    *protocol.KindTable
	Messages *channel.MessageManager

	HostWorld *hostworld.HostWorldWriter
	Reader    *remoteworld.RemoteWorldReader

	Compress *compress.Codec
	Metrics  *metrics.Connection

	Config *cmn.ConnectionConfig

	bwBytes       int
	bwWindowStart time.Time
}

// NewBaseConnection wires the ack manager's delivery/loss fanout to
// every component that needs it, mirroring the HostEngine/MessageManager
// registration discipline each of those packages documents individually.
func NewBaseConnection(ackMgr *ack.Manager, kinds *protocol.KindTable, messages *channel.MessageManager,
	hw *hostworld.HostWorldWriter, reader *remoteworld.RemoteWorldReader, cfg *cmn.ConnectionConfig) *BaseConnection {
	bc := &BaseConnection{
		Ack: ackMgr, Kinds: kinds, Messages: messages,
		HostWorld: hw, Reader: reader, Config: cfg,
	}
	ackMgr.Register(messages)
	ackMgr.Register(hw.Commands)
	ackMgr.Register(hw.Updates)
	return bc
}

// WritePacket assembles one outgoing Data packet: header, tick, the due
// channel-message segment, then the entity-command and entity-update
// segments, all sharing budgetBytes. Whatever doesn't fit is logged and
// left for a later packet rather than blocking or panicking (§4.4).
func (bc *BaseConnection) WritePacket(now time.Time, tick wrapping.U16, budgetBytes int) ([]byte, wrapping.U16) {
	packetIdx := bc.Ack.NextOutgoingIndex()
	header := bc.Ack.BuildHeader(packetIdx, wire.PacketData)

	w := wire.NewWriter()
	header.Encode(w)
	w.WriteBits(uint64(tick), 16)

	budgetBits := budgetBytes*8 - finishBitsReserve
	writeMessageSegment(w, bc.Messages, bc.Kinds, now, uint32(tick), packetIdx, budgetBits)
	bc.HostWorld.WriteBody(w, packetIdx, now, budgetBits)

	payload := w.Bytes()
	if bc.Compress != nil && bc.Compress.Enabled() {
		if out, ok := bc.Compress.Compress(payload); ok {
			payload = out
		}
	}
	if bc.Metrics != nil && bc.Metrics.PacketsSent != nil {
		bc.Metrics.PacketsSent.Inc()
	}
	bc.measureBandwidth(now, len(payload))
	return payload, packetIdx
}

// measureBandwidth folds this packet into the rolling outbound-rate
// window; the gauge only updates when BandwidthMeasureDuration is
// configured (§6 "bandwidth_measure_duration").
func (bc *BaseConnection) measureBandwidth(now time.Time, n int) {
	if bc.Config == nil || bc.Config.BandwidthMeasureDuration == nil ||
		bc.Metrics == nil || bc.Metrics.BytesPerSecond == nil {
		return
	}
	if bc.bwWindowStart.IsZero() {
		bc.bwWindowStart = now
	}
	bc.bwBytes += n
	if elapsed := now.Sub(bc.bwWindowStart); elapsed >= *bc.Config.BandwidthMeasureDuration {
		bc.Metrics.BytesPerSecond.Set(float64(bc.bwBytes) / elapsed.Seconds())
		bc.bwBytes = 0
		bc.bwWindowStart = now
	}
}

// WriteHeartbeat builds a header-only packet (§4.1 "Heartbeat: if no
// Data packet has been sent for heartbeat_interval, emit a Heartbeat
// packet (header only)"), also satisfying the empty-ack obligation
// since the header always carries the current ack bitfield.
func (bc *BaseConnection) WriteHeartbeat() []byte {
	packetIdx := bc.Ack.NextOutgoingIndex()
	header := bc.Ack.BuildHeader(packetIdx, wire.PacketHeartbeat)
	w := wire.NewWriter()
	header.Encode(w)
	bc.Ack.MarkSent()
	if bc.Metrics != nil && bc.Metrics.PacketsSent != nil {
		bc.Metrics.PacketsSent.Inc()
	}
	return w.Bytes()
}

// MaybeWriteHeartbeatOrEmptyAck returns a header-only packet if either
// the heartbeat interval has elapsed since the last Data packet, or acks
// are pending with nothing queued to carry them (§4.1 "Empty-ack").
// Callers should prefer a full WritePacket whenever there is data to
// send; this is for otherwise-idle ticks.
func (bc *BaseConnection) MaybeWriteHeartbeatOrEmptyAck(heartbeatInterval time.Duration) ([]byte, bool) {
	if bc.Ack.NeedsHeartbeat(heartbeatInterval) || bc.Ack.ShouldSendEmptyAck() {
		return bc.WriteHeartbeat(), true
	}
	return nil, false
}

// ReadPacket decodes one incoming packet: the header feeds the ack
// manager's delivery/loss fanout regardless of packet type, but only a
// Data packet carries a tick and the message/entity segments. Malformed
// segments drop the remainder of the packet and are logged, never
// panic (§7 kind 1, §8 scenario 6).
func (bc *BaseConnection) ReadPacket(buf []byte) map[uint16][]channel.DeliveredMessage {
	if bc.Compress != nil && bc.Compress.Enabled() {
		if out, err := bc.Compress.Decompress(buf); err == nil {
			buf = out
		}
	}

	r := wire.NewReader(buf)
	header, err := wire.DecodeHeader(r)
	if err != nil {
		glog.Warningf("dropping packet with malformed header: %v", err)
		return nil
	}
	bc.Ack.OnReceiveHeader(header)
	if header.Type != wire.PacketData {
		return nil
	}

	tickBits, err := r.ReadBits(16)
	if err != nil {
		glog.Warningf("dropping data packet: malformed tick: %v", err)
		return nil
	}

	deliveries, err := readMessageSegment(r, bc.Messages, uint32(tickBits))
	if err != nil {
		glog.Warningf("dropping remainder of packet: malformed message segment: %v", err)
		return nil
	}

	if bc.Reader != nil {
		bc.Reader.ReadPacket(r)
	}
	return deliveries
}

// ExposeEntity enters ge into this connection's scope (§3 "Lifecycle
// summary"): a HostEntity id is minted from gen (released ids
// recirculate once their TTL elapses), the entity is registered
// host-owned in the local world, and its Spawn enters the reliable
// command pipeline.
func (bc *BaseConnection) ExposeEntity(ge entity.GlobalEntity, gen *entity.HostEntityGenerator, now time.Time) (entity.HostEntity, error) {
	h := gen.NextAt(now)
	if err := bc.Reader.World.AddHostOwned(ge, h); err != nil {
		return 0, err
	}
	if _, err := bc.HostWorld.Commands.Submit(worldsync.EntityCommand{Type: worldsync.MsgSpawn, Entity: ge}); err != nil {
		bc.Reader.World.Remove(ge)
		return 0, err
	}
	return h, nil
}

// ConcealEntity queues ge's Despawn and returns its HostEntity id to
// gen's recycler pool. The world record is kept so the in-flight
// Despawn still resolves on the wire; the host adapter removes it once
// the despawn is delivered.
func (bc *BaseConnection) ConcealEntity(ge entity.GlobalEntity, gen *entity.HostEntityGenerator, now time.Time) error {
	rec, ok := bc.Reader.World.Record(ge)
	if !ok || !rec.OwnedByUs {
		return cmn.NewErrEntityDoesNotExist(ge)
	}
	if _, err := bc.HostWorld.Commands.Submit(worldsync.EntityCommand{Type: worldsync.MsgDespawn, Entity: ge}); err != nil {
		return err
	}
	gen.Release(rec.Host, now)
	return nil
}

// DrainWorldEvents returns every entity world event (Spawn/Despawn/
// ComponentInserted/ComponentRemoved/AuthorityChanged) accumulated on
// the remote-world side since the last call, the entity-replication
// counterpart to the channel message Deliveries (§2 "Incoming" data
// flow). A connection with no Reader wired has nothing to drain.
func (bc *BaseConnection) DrainWorldEvents() []worldsync.EntityWorldEvent {
	if bc.Reader == nil {
		return nil
	}
	return bc.Reader.DrainWorldEvents()
}
