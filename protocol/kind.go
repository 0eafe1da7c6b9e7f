// Package protocol interns ComponentKind, ChannelKind, and MessageKind
// names into dense integer ids through a finalize-once table (§5
// "Shared-resource policy", §9 "arenas+indices").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package protocol

import (
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/netweave/entitysync/cmn"
)

// ChannelMode fixes which sender/receiver pair a registered channel uses (§4.2).
type ChannelMode int

const (
	UnorderedUnreliable ChannelMode = iota
	UnorderedReliable
	OrderedReliable
	TickBuffered
)

// ComponentOps are the user-supplied operations a ComponentKind carries
// (§3 "ComponentKind"). Components are opaque to entitysync: it never
// inspects field values, only diff masks.
type ComponentOps interface {
	// Serialize writes the full component state.
	Serialize(w BitWriter)
	// Deserialize reads a full component state into a new instance.
	Deserialize(r BitReader) (interface{}, error)
	// ReadApplyUpdate reads and applies a diff-masked update onto dst.
	ReadApplyUpdate(r BitReader, dst interface{}, mask DiffMask) error
	// ReadApplyFieldUpdate applies a single field's update (fragment repair path).
	ReadApplyFieldUpdate(r BitReader, dst interface{}, field int) error
	// CopyToBox deep-copies a component for snapshotting into sent_updates.
	CopyToBox(src interface{}) interface{}
	// CreateUpdate writes only the fields whose DiffMask bit is set.
	CreateUpdate(w BitWriter, src interface{}, mask DiffMask)
	// Relations returns the field indices that hold entity references,
	// used by the relations-waiting check (§4.4).
	Relations() []int
}

// BitWriter/BitReader are minimal seams so protocol doesn't import the
// concrete bit-stream implementation (kept in package wire);
// component authors only need these two interfaces.
type BitWriter interface {
	WriteBits(value uint64, nbits int)
	WriteBool(bool)
	BitsWritten() int
}

type BitReader interface {
	ReadBits(nbits int) (uint64, error)
	ReadBool() (bool, error)
}

// DiffMask is a per-component bit-array (§3 "DiffMask").
type DiffMask struct {
	bits []uint64
}

func NewDiffMask(nbits int) DiffMask {
	return DiffMask{bits: make([]uint64, (nbits+63)/64)}
}

func (m *DiffMask) Set(i int)      { m.bits[i/64] |= 1 << uint(i%64) }
func (m *DiffMask) Clear(i int)    { m.bits[i/64] &^= 1 << uint(i%64) }
func (m DiffMask) IsSet(i int) bool {
	return m.bits[i/64]&(1<<uint(i%64)) != 0
}
func (m DiffMask) IsZero() bool {
	for _, w := range m.bits {
		if w != 0 {
			return false
		}
	}
	return true
}
func (m *DiffMask) ClearAll() {
	for i := range m.bits {
		m.bits[i] = 0
	}
}

// Or ORs other into m (used re-queuing a dropped mask, §4.4).
func (m *DiffMask) Or(other DiffMask) {
	for i := range m.bits {
		if i < len(other.bits) {
			m.bits[i] |= other.bits[i]
		}
	}
}

// AndNot clears every bit set in other (used to subtract confirmed-resent fields).
func (m *DiffMask) AndNot(other DiffMask) {
	for i := range m.bits {
		if i < len(other.bits) {
			m.bits[i] &^= other.bits[i]
		}
	}
}

// Clone returns an independent copy, used when snapshotting sent_updates.
func (m DiffMask) Clone() DiffMask {
	c := DiffMask{bits: make([]uint64, len(m.bits))}
	copy(c.bits, m.bits)
	return c
}

// WriteDiffMask writes the mask's first nbits as a flat bit sequence so
// the receiver learns which fields CreateUpdate is about to write
// before decoding a single one of them.
func WriteDiffMask(w BitWriter, m DiffMask, nbits int) {
	for i := 0; i < nbits; i++ {
		w.WriteBool(m.IsSet(i))
	}
}

// ReadDiffMask is the inverse of WriteDiffMask.
func ReadDiffMask(r BitReader, nbits int) (DiffMask, error) {
	m := NewDiffMask(nbits)
	for i := 0; i < nbits; i++ {
		b, err := r.ReadBool()
		if err != nil {
			return DiffMask{}, err
		}
		if b {
			m.Set(i)
		}
	}
	return m, nil
}

// ComponentKind is an interned component type (§3).
type ComponentKind struct {
	ID            uint16
	Name          string
	DiffMaskBits  int
	Ops           ComponentOps
	relationsMask map[int]bool
}

func (k ComponentKind) HasRelations() bool { return len(k.relationsMask) > 0 }

// ChannelKind is an interned channel registration (§4.2).
type ChannelKind struct {
	ID   uint16
	Name string
	Mode ChannelMode
}

// MessageKind is an interned user message type carried by a channel.
type MessageKind struct {
	ID   uint16
	Name string
}

// KindTable is the finalize-once registry for all three kind spaces.
// Before Finalize, registration is open; after Finalize, every mutating
// call returns cmn.ErrProtocolLocked (§5 "Shared-resource policy").
type KindTable struct {
	mu sync.RWMutex

	components []ComponentKind
	channels   []ChannelKind
	messages   []MessageKind

	componentByName map[string]uint16
	channelByName    map[string]uint16
	messageByName    map[string]uint16

	digest    uint64
	finalized bool
}

func NewKindTable() *KindTable {
	return &KindTable{
		componentByName: make(map[string]uint16),
		channelByName:    make(map[string]uint16),
		messageByName:    make(map[string]uint16),
	}
}

func (t *KindTable) RegisterComponent(name string, diffMaskBits int, ops ComponentOps, relations []int) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, cmn.NewErrProtocolLocked()
	}
	if _, ok := t.componentByName[name]; ok {
		return 0, cmn.NewErrProtocolAlreadyFinalized()
	}
	id := uint16(len(t.components))
	rel := make(map[int]bool, len(relations))
	for _, r := range relations {
		rel[r] = true
	}
	t.components = append(t.components, ComponentKind{
		ID: id, Name: name, DiffMaskBits: diffMaskBits, Ops: ops, relationsMask: rel,
	})
	t.componentByName[name] = id
	return id, nil
}

func (t *KindTable) RegisterChannel(name string, mode ChannelMode) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, cmn.NewErrProtocolLocked()
	}
	if _, ok := t.channelByName[name]; ok {
		return 0, cmn.NewErrProtocolAlreadyFinalized()
	}
	id := uint16(len(t.channels))
	t.channels = append(t.channels, ChannelKind{ID: id, Name: name, Mode: mode})
	t.channelByName[name] = id
	return id, nil
}

func (t *KindTable) RegisterMessage(name string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return 0, cmn.NewErrProtocolLocked()
	}
	if _, ok := t.messageByName[name]; ok {
		return 0, cmn.NewErrProtocolAlreadyFinalized()
	}
	id := uint16(len(t.messages))
	t.messages = append(t.messages, MessageKind{ID: id, Name: name})
	t.messageByName[name] = id
	return id, nil
}

// Finalize locks the table and computes a digest peers can compare at
// handshake time to detect a protocol mismatch before any traffic flows.
func (t *KindTable) Finalize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return t.digest
	}
	h := xxhash.New64()
	for _, c := range t.components {
		h.WriteString(c.Name)
	}
	for _, c := range t.channels {
		h.WriteString(c.Name)
	}
	for _, m := range t.messages {
		h.WriteString(m.Name)
	}
	t.digest = h.Sum64()
	t.finalized = true
	return t.digest
}

func (t *KindTable) Digest() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.digest
}

func (t *KindTable) Component(id uint16) (ComponentKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.components) {
		return ComponentKind{}, false
	}
	return t.components[id], true
}

func (t *KindTable) ComponentByName(name string) (ComponentKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.componentByName[name]
	if !ok {
		return ComponentKind{}, false
	}
	return t.components[id], true
}

func (t *KindTable) Channel(id uint16) (ChannelKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.channels) {
		return ChannelKind{}, false
	}
	return t.channels[id], true
}

// ChannelIDs returns every registered channel id in registration order,
// for callers that must iterate all bound channels each tick.
func (t *KindTable) ChannelIDs() []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint16, len(t.channels))
	for i := range t.channels {
		ids[i] = uint16(i)
	}
	return ids
}

func (t *KindTable) ChannelByName(name string) (ChannelKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.channelByName[name]
	if !ok {
		return ChannelKind{}, false
	}
	return t.channels[id], true
}

func (t *KindTable) Message(id uint16) (MessageKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.messages) {
		return MessageKind{}, false
	}
	return t.messages[id], true
}
