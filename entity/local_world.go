package entity

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/cmn"
)

// ComponentSet tracks which ComponentKind ids are present on an entity,
// keyed by the interned component id (§3 "EntityRecord.components").
type ComponentSet map[uint16]struct{}

func (s ComponentSet) Has(kind uint16) bool { _, ok := s[kind]; return ok }
func (s ComponentSet) Add(kind uint16)      { s[kind] = struct{}{} }
func (s ComponentSet) Remove(kind uint16)   { delete(s, kind) }
func (s ComponentSet) Clone() ComponentSet {
	c := make(ComponentSet, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// LocalEntityRecord is the per-connection record for a global entity in
// scope (§3 "EntityRecord"). Exactly one of Host/Remote is valid at a
// time outside of a migration window (§4.3.3), discriminated by OwnedByUs.
type LocalEntityRecord struct {
	Global     GlobalEntity
	OwnedByUs  bool // true: Host is valid (we own it); false: Remote is valid (peer owns it)
	Host       HostEntity
	Remote     RemoteEntity
	Auth       AuthState
	Components ComponentSet
}

// LocalWorldManager holds the three maps of §4.5: GlobalEntity ->
// LocalEntityRecord, HostEntity -> GlobalEntity, RemoteEntity ->
// GlobalEntity, plus the per-entity redirect table used by migration.
type LocalWorldManager struct {
	mu sync.RWMutex

	records    map[GlobalEntity]*LocalEntityRecord
	hostToGlob map[HostEntity]GlobalEntity
	remToGlob  map[RemoteEntity]GlobalEntity

	redirects *RedirectTable
}

func NewLocalWorldManager(redirectTTLSeconds int64) *LocalWorldManager {
	return &LocalWorldManager{
		records:    make(map[GlobalEntity]*LocalEntityRecord),
		hostToGlob: make(map[HostEntity]GlobalEntity),
		remToGlob:  make(map[RemoteEntity]GlobalEntity),
		redirects:  NewRedirectTableTTL(time.Duration(redirectTTLSeconds) * time.Second),
	}
}

func (lw *LocalWorldManager) Redirects() *RedirectTable { return lw.redirects }

// AddHostOwned registers a global entity this side owns, tracked under
// the given HostEntity id.
func (lw *LocalWorldManager) AddHostOwned(ge GlobalEntity, h HostEntity) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, exists := lw.records[ge]; exists {
		return cmn.NewErrEntityAlreadyExists(ge)
	}
	lw.records[ge] = &LocalEntityRecord{Global: ge, OwnedByUs: true, Host: h, Components: ComponentSet{}}
	lw.hostToGlob[h] = ge
	return nil
}

// AddRemoteOwned registers a global entity the peer owns, tracked under
// the given RemoteEntity id (created when a Spawn is received, §4.3.1).
func (lw *LocalWorldManager) AddRemoteOwned(ge GlobalEntity, r RemoteEntity) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, exists := lw.records[ge]; exists {
		return cmn.NewErrEntityAlreadyExists(ge)
	}
	lw.records[ge] = &LocalEntityRecord{Global: ge, OwnedByUs: false, Remote: r, Components: ComponentSet{}}
	lw.remToGlob[r] = ge
	return nil
}

func (lw *LocalWorldManager) Remove(ge GlobalEntity) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	rec, ok := lw.records[ge]
	if !ok {
		return
	}
	if rec.OwnedByUs {
		delete(lw.hostToGlob, rec.Host)
	} else {
		delete(lw.remToGlob, rec.Remote)
	}
	delete(lw.records, ge)
}

func (lw *LocalWorldManager) Record(ge GlobalEntity) (*LocalEntityRecord, bool) {
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	rec, ok := lw.records[ge]
	return rec, ok
}

func (lw *LocalWorldManager) GlobalOfHost(h HostEntity) (GlobalEntity, bool) {
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	ge, ok := lw.hostToGlob[h]
	return ge, ok
}

func (lw *LocalWorldManager) GlobalOfRemote(r RemoteEntity) (GlobalEntity, bool) {
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	ge, ok := lw.remToGlob[r]
	return ge, ok
}

// ResolveOwned is the outgoing-direction counterpart to GlobalOfOwned:
// it reports how this side should refer to ge on the wire, the
// sender's-own-id convention hostworld.writeOwned/remoteworld.
// resolveEntity rely on (a HostEntity id when we own ge, a RemoteEntity
// id when the peer does). Used as HostWorldWriter.Resolve.
func (lw *LocalWorldManager) ResolveOwned(ge GlobalEntity) (OwnedLocalEntity, bool) {
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	rec, ok := lw.records[ge]
	if !ok {
		return OwnedLocalEntity{}, false
	}
	if rec.OwnedByUs {
		return OwnedHost(rec.Host), true
	}
	return OwnedRemote(rec.Remote), true
}

// GlobalOfOwned resolves an OwnedLocalEntity to its GlobalEntity,
// following any installed redirect first (§4.3.3 "redirects keep
// in-flight messages that reference it valid").
func (lw *LocalWorldManager) GlobalOfOwned(o OwnedLocalEntity) (GlobalEntity, error) {
	resolved, err := lw.redirects.Resolve(o)
	if err != nil {
		return 0, err
	}
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	if resolved.IsRemote {
		if ge, ok := lw.remToGlob[resolved.Remote]; ok {
			return ge, nil
		}
	} else {
		if ge, ok := lw.hostToGlob[resolved.Host]; ok {
			return ge, nil
		}
	}
	return 0, cmn.NewErrEntityDoesNotExist(resolved)
}

// Migrate flips an entity's owned role in place, preserving its
// GlobalEntity identity and component set (§3 "Lifecycle summary",
// §4.3.3). The caller is responsible for installing the redirect from
// the old OwnedLocalEntity to the new one.
func (lw *LocalWorldManager) Migrate(ge GlobalEntity, newOwnedByUs bool, newHost HostEntity, newRemote RemoteEntity) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	rec, ok := lw.records[ge]
	if !ok {
		return cmn.NewErrEntityDoesNotExist(ge)
	}
	if rec.OwnedByUs {
		delete(lw.hostToGlob, rec.Host)
	} else {
		delete(lw.remToGlob, rec.Remote)
	}
	rec.OwnedByUs = newOwnedByUs
	if newOwnedByUs {
		rec.Host = newHost
		lw.hostToGlob[newHost] = ge
	} else {
		rec.Remote = newRemote
		lw.remToGlob[newRemote] = ge
	}
	return nil
}
