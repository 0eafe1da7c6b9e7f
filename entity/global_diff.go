package entity

import (
	"sync"

	"github.com/netweave/entitysync/protocol"
)

// ReceiverID identifies one connection's diff-mask receiver within a
// GlobalDiffHandler registration.
type ReceiverID uint64

// diffReceiver is one connection's private mask for a given
// (world entity, ComponentKind) pair.
type diffReceiver struct {
	mu   sync.Mutex
	mask protocol.DiffMask
}

// GlobalDiffHandler maps (world_entity, ComponentKind) -> set of
// per-receiver masks (§4.5). One authoritative component mutation ORs
// into every registered receiver's mask independently, which is how one
// source-of-truth component state drives independent per-peer delta
// streams (§4.4 "EntityUpdateManager").
type GlobalDiffHandler struct {
	mu        sync.RWMutex
	receivers map[WorldEntity]map[uint16]map[ReceiverID]*diffReceiver
}

func NewGlobalDiffHandler() *GlobalDiffHandler {
	return &GlobalDiffHandler{
		receivers: make(map[WorldEntity]map[uint16]map[ReceiverID]*diffReceiver),
	}
}

// Register creates (or returns the existing) receiver mask for
// (we, kind, id), sized to the component's diff-mask width.
func (h *GlobalDiffHandler) Register(we WorldEntity, kind protocol.ComponentKind, id ReceiverID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byKind, ok := h.receivers[we]
	if !ok {
		byKind = make(map[uint16]map[ReceiverID]*diffReceiver)
		h.receivers[we] = byKind
	}
	byID, ok := byKind[kind.ID]
	if !ok {
		byID = make(map[ReceiverID]*diffReceiver)
		byKind[kind.ID] = byID
	}
	if _, ok := byID[id]; !ok {
		byID[id] = &diffReceiver{mask: protocol.NewDiffMask(kind.DiffMaskBits)}
	}
}

func (h *GlobalDiffHandler) Unregister(we WorldEntity, kindID uint16, id ReceiverID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byKind, ok := h.receivers[we]; ok {
		if byID, ok := byKind[kindID]; ok {
			delete(byID, id)
		}
	}
}

// Mutate ORs fieldMask into every registered receiver's pending mask for
// (we, kindID) — the single mutation-time fanout point (§4.5).
func (h *GlobalDiffHandler) Mutate(we WorldEntity, kindID uint16, fieldMask protocol.DiffMask) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byKind, ok := h.receivers[we]
	if !ok {
		return
	}
	byID, ok := byKind[kindID]
	if !ok {
		return
	}
	for _, r := range byID {
		r.mu.Lock()
		r.mask.Or(fieldMask)
		r.mu.Unlock()
	}
}

// TakeAndClear returns the pending mask for one receiver and clears it
// (called when EntityUpdateManager packs an update into a packet, §4.4).
func (h *GlobalDiffHandler) TakeAndClear(we WorldEntity, kindID uint16, id ReceiverID) (protocol.DiffMask, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byKind, ok := h.receivers[we]
	if !ok {
		return protocol.DiffMask{}, false
	}
	byID, ok := byKind[kindID]
	if !ok {
		return protocol.DiffMask{}, false
	}
	r, ok := byID[id]
	if !ok {
		return protocol.DiffMask{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.mask.Clone()
	r.mask.ClearAll()
	return snapshot, true
}

// Reor re-ORs a dropped mask back into the live mask for one receiver
// (§4.4 EntityUpdateManager loss handling).
func (h *GlobalDiffHandler) Reor(we WorldEntity, kindID uint16, id ReceiverID, mask protocol.DiffMask) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byKind, ok := h.receivers[we]
	if !ok {
		return
	}
	byID, ok := byKind[kindID]
	if !ok {
		return
	}
	r, ok := byID[id]
	if !ok {
		return
	}
	r.mu.Lock()
	r.mask.Or(mask)
	r.mu.Unlock()
}
