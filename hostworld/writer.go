package hostworld

import (
	"time"

	"github.com/golang/glog"

	"github.com/netweave/entitysync/ack"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/metrics"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/wire"
	"github.com/netweave/entitysync/worldsync"
	"github.com/netweave/entitysync/wrapping"
)

// finishBitsReserve covers the trailing 0 bit each of the
// tick-buffer/messages/commands/updates segments writes to terminate
// itself (§4.4 "Budget discipline").
const finishBitsReserve = 4

// ComponentSource resolves a component's live value and its
// serialization operations so HostWorldWriter can call CreateUpdate
// without owning component storage itself — that storage belongs to
// whatever host ECS adapter wires this engine in (§1 Non-goals).
type ComponentSource interface {
	Component(ge entity.GlobalEntity, kind uint16) (src interface{}, ops protocol.ComponentOps, ok bool)
}

// RelationValues is the optional interface a ComponentSource value
// implements when its kind carries relation fields (§4.4 "Relations-
// waiting"): it reports which local entities the fields currently
// reference, so the writer can hold the component back until every
// referenced entity's own Spawn has been acknowledged by the peer.
// The receive-side counterpart lives in remoteworld, keyed by
// RemoteEntity instead.
type RelationValues interface {
	ReferencedGlobalEntities() []entity.GlobalEntity
}

// HostWorldWriter packs one outbound Data packet under a byte budget:
// header, tick, entity commands, then entity updates, logging and
// skipping whatever doesn't fit rather than ever panicking (§4.4).
type HostWorldWriter struct {
	Ack      *ack.Manager
	Kinds    *protocol.KindTable
	Commands *HostWorldManager
	Updates  *EntityUpdateManager
	Resolve  func(entity.GlobalEntity) (entity.OwnedLocalEntity, bool)
	Source   ComponentSource
	Metrics  *metrics.Connection
}

// NewHostWorldWriter wires Resolve to world's own ResolveOwned, the real
// sender-space lookup a production connection uses (§4.4); tests that
// want a different Resolve can still build the struct literal directly.
func NewHostWorldWriter(ackMgr *ack.Manager, kinds *protocol.KindTable, commands *HostWorldManager,
	updates *EntityUpdateManager, world *entity.LocalWorldManager, source ComponentSource, conn *metrics.Connection) *HostWorldWriter {
	return &HostWorldWriter{
		Ack:      ackMgr,
		Kinds:    kinds,
		Commands: commands,
		Updates:  updates,
		Resolve:  world.ResolveOwned,
		Source:   source,
		Metrics:  conn,
	}
}

// WritePacket assembles and returns a standalone packet body (header,
// tick, commands, updates), along with the packet index the caller must
// pass back for delivery/loss wiring. Callers that also need to fold in
// a channel-message segment under the same byte budget (connection.
// BaseConnection) should instead assign the index and header themselves
// and call WriteBody directly.
func (hw *HostWorldWriter) WritePacket(now time.Time, tick wrapping.U16, budgetBytes int) ([]byte, wrapping.U16) {
	packetIdx := hw.Ack.NextOutgoingIndex()
	header := hw.Ack.BuildHeader(packetIdx, wire.PacketData)

	w := wire.NewWriter()
	header.Encode(w)
	w.WriteBits(uint64(tick), 16)

	budgetBits := budgetBytes*8 - finishBitsReserve
	hw.WriteBody(w, packetIdx, now, budgetBits)

	return w.Bytes(), packetIdx
}

// WriteBody appends the entity-command and entity-update segments onto
// an already-started packet (header/tick/any preceding segment already
// written to w), stopping at budgetBits measured from the start of the
// whole packet, not from w's current position.
func (hw *HostWorldWriter) WriteBody(w *wire.Writer, packetIdx wrapping.U16, now time.Time, budgetBits int) {
	hw.writeCommands(w, packetIdx, now, budgetBits)
	hw.writeUpdates(w, packetIdx, budgetBits)
}

func (hw *HostWorldWriter) writeCommands(w *wire.Writer, packetIdx wrapping.U16, now time.Time, budgetBits int) {
	for _, tc := range hw.Commands.CollectDue(now) {
		owned, ok := hw.Resolve(tc.Cmd.Entity)
		if !ok {
			continue
		}
		if tc.Cmd.Type == worldsync.MsgInsertComponent && !hw.relationsReady(tc.Cmd) {
			// Noop holds the command slot while the referenced
			// entities' Spawns are still in flight; the command stays
			// pending and retries on the reliable path (§4.4).
			hw.writeNoop(w, tc.ID, owned, budgetBits)
			continue
		}
		scratch := wire.NewWriter()
		scratch.WriteBool(true)
		scratch.WriteBits(uint64(tc.ID), 16)
		writeCommand(scratch, tc.Cmd, owned)

		if w.BitsWritten()+scratch.BitsWritten() > budgetBits {
			glog.Warningf("overflow: entity=%s command=%s bits_needed=%d bits_free=%d",
				tc.Cmd.Entity, tc.Cmd.Type, scratch.BitsWritten(), budgetBits-w.BitsWritten())
			hw.skip("command")
			continue
		}
		w.WriteBool(true)
		w.WriteBits(uint64(tc.ID), 16)
		writeCommand(w, tc.Cmd, owned)
		hw.Commands.MarkSent(packetIdx, tc.ID, now)
	}
	w.WriteBool(false)
}

func (hw *HostWorldWriter) writeUpdates(w *wire.Writer, packetIdx wrapping.U16, budgetBits int) {
	included := make(map[entity.GlobalEntity][]uint16)

	for ge, kinds := range hw.Updates.DirtyComponents() {
		owned, ok := hw.Resolve(ge)
		if !ok {
			continue
		}

		scratch := wire.NewWriter()
		scratch.WriteBool(true)
		writeOwned(scratch, owned)
		var writable []uint16
		for _, kind := range kinds {
			src, ops, ok := hw.Source.Component(ge, kind)
			if !ok {
				continue
			}
			h, ok := hw.Updates.Handler(ge, kind)
			if !ok {
				continue
			}
			ck, ok := hw.Kinds.Component(kind)
			if !ok {
				continue
			}
			if ck.HasRelations() && !hw.refsSpawnAcked(ge, src) {
				// Deferred, not snapshotted: the live mask stays dirty
				// and the update rides a later packet (§4.4).
				continue
			}
			scratch.WriteBool(true)
			wire.WriteKindTag(scratch, kind)
			protocol.WriteDiffMask(scratch, h.Peek(), ck.DiffMaskBits)
			ops.CreateUpdate(scratch, src, h.Peek())
			writable = append(writable, kind)
		}
		scratch.WriteBool(false)

		if len(writable) == 0 {
			continue
		}
		if w.BitsWritten()+scratch.BitsWritten() > budgetBits {
			glog.Warningf("overflow: entity=%s components=%d bits_needed=%d bits_free=%d",
				ge, len(writable), scratch.BitsWritten(), budgetBits-w.BitsWritten())
			hw.skip("update")
			continue
		}

		w.WriteBool(true)
		writeOwned(w, owned)
		for _, kind := range writable {
			src, ops, _ := hw.Source.Component(ge, kind)
			h, _ := hw.Updates.Handler(ge, kind)
			ck, _ := hw.Kinds.Component(kind)
			w.WriteBool(true)
			wire.WriteKindTag(w, kind)
			protocol.WriteDiffMask(w, h.Peek(), ck.DiffMaskBits)
			ops.CreateUpdate(w, src, h.Peek())
		}
		w.WriteBool(false)
		included[ge] = writable
	}
	w.WriteBool(false)

	hw.Updates.SnapshotForPacket(packetIdx, included)
}

// relationsReady reports whether cmd's component can be serialized
// now: either its kind has no relation fields, or every entity those
// fields reference is already in the peer's scope (Spawn acked).
func (hw *HostWorldWriter) relationsReady(cmd worldsync.EntityCommand) bool {
	if hw.Kinds == nil || hw.Source == nil {
		return true
	}
	ck, ok := hw.Kinds.Component(cmd.Component)
	if !ok || !ck.HasRelations() {
		return true
	}
	src, _, ok := hw.Source.Component(cmd.Entity, cmd.Component)
	if !ok {
		return true
	}
	return hw.refsSpawnAcked(cmd.Entity, src)
}

// refsSpawnAcked checks src's referenced entities against the peer's
// acked-spawn scope. A self-reference never blocks: the receive-side
// channel already orders an entity's Insert after its own Spawn.
func (hw *HostWorldWriter) refsSpawnAcked(ge entity.GlobalEntity, src interface{}) bool {
	rv, ok := src.(RelationValues)
	if !ok {
		return true
	}
	for _, ref := range rv.ReferencedGlobalEntities() {
		if ref != ge && !hw.Commands.PeerHasSpawned(ref) {
			return false
		}
	}
	return true
}

func (hw *HostWorldWriter) writeNoop(w *wire.Writer, id wrapping.U16, owned entity.OwnedLocalEntity, budgetBits int) {
	const noopBits = 1 + 16 + 8 + 17
	if w.BitsWritten()+noopBits > budgetBits {
		return
	}
	w.WriteBool(true)
	w.WriteBits(uint64(id), 16)
	w.WriteBits(uint64(worldsync.MsgNoop), 8)
	writeOwned(w, owned)
}

func (hw *HostWorldWriter) skip(kind string) {
	if hw.Metrics == nil || hw.Metrics.OverflowSkips == nil {
		return
	}
	hw.Metrics.OverflowSkips.WithLabelValues(kind).Inc()
}

func writeOwned(w *wire.Writer, o entity.OwnedLocalEntity) {
	w.WriteBool(o.IsRemote)
	if o.IsRemote {
		w.WriteBits(uint64(o.Remote), 16)
	} else {
		w.WriteBits(uint64(o.Host), 16)
	}
}

func writeCommand(w *wire.Writer, cmd worldsync.EntityCommand, owned entity.OwnedLocalEntity) {
	w.WriteBits(uint64(cmd.Type), 8)
	writeOwned(w, owned)
	switch cmd.Type {
	case worldsync.MsgInsertComponent, worldsync.MsgRemoveComponent:
		wire.WriteKindTag(w, cmd.Component)
	case worldsync.MsgSetAuthority:
		w.WriteBits(uint64(cmd.Authority), 8)
	case worldsync.MsgMigrateResponse:
		w.WriteBits(uint64(cmd.OldRemote), 16)
		w.WriteBits(uint64(cmd.NewHost), 16)
	}
}
