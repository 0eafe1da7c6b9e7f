// Package remoteworld implements the receive-side counterpart to
// hostworld: RemoteWorldReader decodes entity commands and component
// updates off an incoming packet and drives them into the per-entity
// channels and component storage, mirroring hostworld's writer
// structurally (§4.2 "Incoming" data flow).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package remoteworld

import (
	"time"

	"github.com/golang/glog"

	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/waitlist"
	"github.com/netweave/entitysync/wire"
	"github.com/netweave/entitysync/worldsync"
	"github.com/netweave/entitysync/wrapping"
)

// ComponentSink owns component storage on the receive side, symmetric
// to hostworld.ComponentSource: Insert creates local storage the first
// time a component is referenced, Destination returns it for in-place
// updates, and Remove drops it.
type ComponentSink interface {
	Insert(ge entity.GlobalEntity, kind uint16) (dst interface{}, ops protocol.ComponentOps, ok bool)
	Destination(ge entity.GlobalEntity, kind uint16) (dst interface{}, ops protocol.ComponentOps, ok bool)
	Remove(ge entity.GlobalEntity, kind uint16)
}

// RelationValues is an optional interface a ComponentSink destination
// value may implement when its ComponentKind.HasRelations() is true
// (§4.4 "relations-waiting check"): it reports which remote entities
// the component's fields currently reference, so a freshly materialized
// component can be held on the waitlist until every referenced entity
// is itself in scope. Components with no relation fields need not
// implement it.
type RelationValues interface {
	ReferencedEntities() []entity.RemoteEntity
}

// pendingReveal is what finalizing a relations-gated component Insert
// still needs once the waitlist reports its handle ready (§4.3.4).
type pendingReveal struct {
	entity    entity.GlobalEntity
	msgIdx    wrapping.U16
	component uint16
}

// RemoteWorldReader decodes one incoming packet's entity-command and
// entity-update segments, resolving each sender-space OwnedLocalEntity
// reference into a GlobalEntity before handing the message to
// RemoteEngine or the migration coordinator. Waitlist is optional: a
// nil Waitlist disables relations-gating entirely, delivering every
// component as soon as it decodes.
type RemoteWorldReader struct {
	World     *entity.LocalWorldManager
	Kinds     *protocol.KindTable
	Remote    *worldsync.RemoteEngine
	Migration *worldsync.MigrationCoordinator
	Sink      ComponentSink
	Waitlist  *waitlist.EntityWaitlist

	pendingThisPacket []pendingReveal
	pending           map[waitlist.Handle]pendingReveal
}

// resolveEntity follows hostworld's writeOwned convention in reverse:
// IsRemote=false means the sender is describing its own HostEntity id,
// which this side tracks as a RemoteEntity of the same numeric value;
// IsRemote=true means the sender is handing back this side's own
// HostEntity id, looked up directly in our host space.
func (rd *RemoteWorldReader) resolveEntity(o entity.OwnedLocalEntity, createIfAbsent bool) (entity.GlobalEntity, error) {
	if o.IsRemote {
		h := entity.HostEntity(o.Remote)
		ge, ok := rd.World.GlobalOfHost(h)
		if !ok {
			return 0, cmn.NewErrEntityDoesNotExist(h)
		}
		return ge, nil
	}

	r := entity.RemoteEntity(o.Host)
	ge, ok := rd.World.GlobalOfRemote(r)
	if ok {
		return ge, nil
	}
	if !createIfAbsent {
		return 0, cmn.NewErrEntityDoesNotExist(r)
	}
	ge = entity.NewGlobalEntity()
	if err := rd.World.AddRemoteOwned(ge, r); err != nil {
		return 0, err
	}
	return ge, nil
}

// ReadPacket decodes the command segment followed by the update
// segment from r, applying each in turn. Malformed input drops the
// rest of the packet and is logged, never panics (§7 kind 1). Relation-
// bearing Inserts recorded during the command segment are resolved
// against the now-decoded update segment before returning, so a
// component's fields are available before its waitlist membership is
// decided (§4.3.4).
func (rd *RemoteWorldReader) ReadPacket(r *wire.Reader) {
	rd.pendingThisPacket = nil
	if err := rd.readCommands(r); err != nil {
		glog.Warningf("dropping remainder of packet: malformed command segment: %v", err)
		return
	}
	if err := rd.readUpdates(r); err != nil {
		glog.Warningf("dropping remainder of packet: malformed update segment: %v", err)
		return
	}
	rd.finalizePendingInserts(time.Now())
}

// finalizePendingInserts resolves every relations-gated Insert recorded
// this packet: ready handles finalize immediately (emitting the Insert
// world event), and everything else is queued in rd.pending for a later
// DrainWorldEvents call to release.
func (rd *RemoteWorldReader) finalizePendingInserts(now time.Time) {
	for _, p := range rd.pendingThisPacket {
		refs := rd.referencedEntities(p.entity, p.component)
		h, ready := rd.Waitlist.Queue(refs, now)
		if ready {
			rd.finishInsert(p)
			continue
		}
		if rd.pending == nil {
			rd.pending = make(map[waitlist.Handle]pendingReveal)
		}
		rd.pending[h] = p
	}
	rd.pendingThisPacket = nil
}

func (rd *RemoteWorldReader) referencedEntities(ge entity.GlobalEntity, component uint16) []entity.RemoteEntity {
	dst, _, ok := rd.Sink.Destination(ge, component)
	if !ok {
		return nil
	}
	rv, ok := dst.(RelationValues)
	if !ok {
		return nil
	}
	return rv.ReferencedEntities()
}

func (rd *RemoteWorldReader) finishInsert(p pendingReveal) {
	if err := rd.Remote.Process(p.entity, p.msgIdx, worldsync.MsgInsertComponent, p.component, 0); err != nil {
		glog.Warningf("rejected deferred insert for %v: %v", p.entity, err)
	}
}

// DrainWorldEvents returns every world event accumulated since the last
// drain (§2 "Incoming" entity-world-event output), keeping the waitlist's
// notion of which remote entities are in scope current as it goes, and
// releasing any relations-gated Insert that just became resolvable.
func (rd *RemoteWorldReader) DrainWorldEvents() []worldsync.EntityWorldEvent {
	events := rd.Remote.DrainOutput()
	if rd.Waitlist == nil {
		return events
	}
	for _, ev := range events {
		rec, ok := rd.World.Record(ev.Entity)
		if !ok || rec.OwnedByUs {
			continue
		}
		switch ev.Event.Kind {
		case worldsync.EventSpawn:
			rd.Waitlist.AddEntity(rec.Remote)
		case worldsync.EventDespawn:
			rd.Waitlist.RemoveEntity(rec.Remote)
		}
	}
	rd.releaseReady(time.Now())
	return events
}

func (rd *RemoteWorldReader) releaseReady(now time.Time) {
	ready, expired := rd.Waitlist.CollectReady(now)
	for _, h := range ready {
		p, ok := rd.pending[h]
		if !ok {
			continue
		}
		delete(rd.pending, h)
		rd.finishInsert(p)
	}
	for _, h := range expired {
		if _, ok := rd.pending[h]; ok {
			glog.Warningf("waitlist entry expired for entity %v component %d", rd.pending[h].entity, rd.pending[h].component)
			delete(rd.pending, h)
		}
	}
}

func (rd *RemoteWorldReader) readCommands(r *wire.Reader) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		msgIdxBits, err := r.ReadBits(16)
		if err != nil {
			return err
		}
		if err := rd.readOneCommand(r, wrapping.U16(msgIdxBits)); err != nil {
			return err
		}
	}
}

func (rd *RemoteWorldReader) readOneCommand(r *wire.Reader, msgIdx wrapping.U16) error {
	typBits, err := r.ReadBits(8)
	if err != nil {
		return err
	}
	msgType := worldsync.MessageType(typBits)

	owned, err := readOwned(r)
	if err != nil {
		return err
	}

	var component uint16
	var authority entity.AuthState
	switch msgType {
	case worldsync.MsgInsertComponent, worldsync.MsgRemoveComponent:
		component, err = wire.ReadKindTag(r)
		if err != nil {
			return err
		}
	case worldsync.MsgSetAuthority:
		a, err := r.ReadBits(8)
		if err != nil {
			return err
		}
		authority = entity.AuthState(a)
	case worldsync.MsgMigrateResponse:
		oldRemote, err := r.ReadBits(16)
		if err != nil {
			return err
		}
		newHost, err := r.ReadBits(16)
		if err != nil {
			return err
		}
		ge, err := rd.resolveEntity(owned, false)
		if err != nil {
			glog.Warningf("migrate response for unknown entity: %v", err)
			return nil
		}
		if rd.Migration == nil {
			return nil
		}
		if err := rd.Migration.ApplyMigrateResponse(ge, entity.RemoteEntity(oldRemote), entity.HostEntity(newHost), msgIdx); err != nil {
			glog.Warningf("migration failed: %v", err)
		}
		return nil
	}

	// A structural command may physically arrive before the Spawn that
	// would teach us its id (the Spawn's packet retransmitting while a
	// later command's packet lands first), and the packet-level ack
	// means it will never be resent: learn the id here and let the
	// entity channel's ordered-ids buffer hold the command until its
	// Spawn drains. Auth commands stay resolve-only — an unresolvable
	// authority reference mid-migration belongs to the coordinator's
	// race path, not to a new entity.
	var createIfAbsent bool
	switch msgType {
	case worldsync.MsgSpawn, worldsync.MsgDespawn, worldsync.MsgInsertComponent, worldsync.MsgRemoveComponent:
		createIfAbsent = true
	}
	ge, err := rd.resolveEntity(owned, createIfAbsent)
	if err != nil {
		glog.Warningf("command %s for unresolvable entity: %v", msgType, err)
		return nil
	}

	if msgType == worldsync.MsgSetAuthority && rd.Migration != nil {
		if ch, ok := rd.Remote.Channel(ge); !ok || ch == nil {
			rd.Migration.RecordAuthorityRace(ge, authority)
		}
	}

	if msgType == worldsync.MsgInsertComponent && rd.Waitlist != nil {
		if ck, ok := rd.Kinds.Component(component); ok && ck.HasRelations() {
			rd.pendingThisPacket = append(rd.pendingThisPacket, pendingReveal{entity: ge, msgIdx: msgIdx, component: component})
			return nil
		}
	}

	if err := rd.Remote.Process(ge, msgIdx, msgType, component, authority); err != nil {
		glog.Warningf("rejected %s for %v: %v", msgType, ge, err)
	}
	if msgType == worldsync.MsgRemoveComponent {
		rd.Sink.Remove(ge, component)
	}
	return nil
}

func (rd *RemoteWorldReader) readUpdates(r *wire.Reader) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		owned, err := readOwned(r)
		if err != nil {
			return err
		}
		ge, err := rd.resolveEntity(owned, false)
		if err != nil {
			// ComponentOps decide their own field layout, so an
			// unresolvable entity leaves the remaining bit alignment
			// unrecoverable: treat it the same as a decode error.
			return cmn.NewErrMalformedPacket("update segment referenced an unknown entity")
		}
		if err := rd.readEntityUpdates(r, ge); err != nil {
			return err
		}
	}
}

func (rd *RemoteWorldReader) readEntityUpdates(r *wire.Reader, ge entity.GlobalEntity) error {
	for {
		more, err := r.ReadBool()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		kind, err := wire.ReadKindTag(r)
		if err != nil {
			return err
		}
		ck, ok := rd.Kinds.Component(kind)
		if !ok {
			return cmn.NewErrMalformedPacket("unknown component kind in update segment")
		}
		mask, err := protocol.ReadDiffMask(r, ck.DiffMaskBits)
		if err != nil {
			return err
		}

		dst, ops, ok := rd.Sink.Destination(ge, kind)
		if !ok {
			dst, ops, ok = rd.Sink.Insert(ge, kind)
			if !ok {
				return cmn.NewErrMalformedPacket("component sink could not materialize destination")
			}
		}
		if err := ops.ReadApplyUpdate(r, dst, mask); err != nil {
			return err
		}
	}
}

func readOwned(r *wire.Reader) (entity.OwnedLocalEntity, error) {
	isRemote, err := r.ReadBool()
	if err != nil {
		return entity.OwnedLocalEntity{}, err
	}
	id, err := r.ReadBits(16)
	if err != nil {
		return entity.OwnedLocalEntity{}, err
	}
	if isRemote {
		return entity.OwnedRemote(entity.RemoteEntity(id)), nil
	}
	return entity.OwnedHost(entity.HostEntity(id)), nil
}
