package entity

import (
	"sync"

	"github.com/netweave/entitysync/cmn"
)

// WorldEntity is the opaque handle the host application's ECS uses to
// refer to an entity (§4.5 "external 'world entity' handles").
type WorldEntity interface{}

// GlobalEntityMap maps between external world-entity handles and stable
// GlobalEntity ids, supporting pre-reservation of ids whose world-entity
// is supplied later — used at remote-spawn time (§4.5).
type GlobalEntityMap struct {
	mu          sync.RWMutex
	worldToGlob map[WorldEntity]GlobalEntity
	globToWorld map[GlobalEntity]WorldEntity // nil value = reserved, not yet bound
}

func NewGlobalEntityMap() *GlobalEntityMap {
	return &GlobalEntityMap{
		worldToGlob: make(map[WorldEntity]GlobalEntity),
		globToWorld: make(map[GlobalEntity]WorldEntity),
	}
}

// Insert registers a new world entity, minting a fresh GlobalEntity.
func (m *GlobalEntityMap) Insert(we WorldEntity) (GlobalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.worldToGlob[we]; exists {
		return 0, cmn.NewErrEntityAlreadyExists(globalEntityStringer{we})
	}
	ge := NewGlobalEntity()
	m.worldToGlob[we] = ge
	m.globToWorld[ge] = we
	return ge, nil
}

// Reserve pre-allocates a GlobalEntity with no bound world-entity yet,
// used when a remote Spawn arrives before the adapter has created a
// local world object for it.
func (m *GlobalEntityMap) Reserve() GlobalEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	ge := NewGlobalEntity()
	m.globToWorld[ge] = nil
	return ge
}

// Bind fulfils a reservation once the world entity becomes available.
func (m *GlobalEntityMap) Bind(ge GlobalEntity, we WorldEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.globToWorld[ge]
	if !ok {
		return cmn.NewErrEntityDoesNotExist(ge)
	}
	if existing != nil {
		return cmn.NewErrEntityAlreadyExists(ge)
	}
	m.globToWorld[ge] = we
	m.worldToGlob[we] = ge
	return nil
}

func (m *GlobalEntityMap) GlobalOf(we WorldEntity) (GlobalEntity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ge, ok := m.worldToGlob[we]
	return ge, ok
}

// WorldOf returns the bound world entity, or (nil, true) if ge is
// reserved but not yet bound, or (nil, false) if ge is unknown.
func (m *GlobalEntityMap) WorldOf(ge GlobalEntity) (WorldEntity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	we, ok := m.globToWorld[ge]
	return we, ok
}

func (m *GlobalEntityMap) Remove(ge GlobalEntity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if we, ok := m.globToWorld[ge]; ok && we != nil {
		delete(m.worldToGlob, we)
	}
	delete(m.globToWorld, ge)
}

type globalEntityStringer struct{ v WorldEntity }

func (g globalEntityStringer) String() string { return "<world-entity>" }
