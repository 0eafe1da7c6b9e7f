package worldsync

import (
	"sync"

	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/wrapping"
)

// MigrationCoordinator drives the handoff of a host-owned entity into
// a remote-owned one on the receiving side B (§4.3.3, steps 3-4): it
// removes the stale HostEntityChannel, constructs the replacement
// RemoteEntityChannel along the Delegated-from-birth path, installs
// the redirect so in-flight references to the old id still resolve,
// and holds any authority update that raced ahead of channel
// construction until the channel exists to receive it.
type MigrationCoordinator struct {
	mu           sync.Mutex
	world        *entity.LocalWorldManager
	remoteEngine *RemoteEngine
	hostEngine   *HostEngine

	// pendingAuth holds a global update that arrived for an entity
	// before its migrated RemoteEntityChannel was constructed (§4.3.3:
	// "it must not panic on lookup failure").
	pendingAuth map[entity.GlobalEntity]entity.AuthState
}

func NewMigrationCoordinator(world *entity.LocalWorldManager, remoteEngine *RemoteEngine, hostEngine *HostEngine) *MigrationCoordinator {
	return &MigrationCoordinator{
		world:        world,
		remoteEngine: remoteEngine,
		hostEngine:   hostEngine,
		pendingAuth:  make(map[entity.GlobalEntity]entity.AuthState),
	}
}

// ApplyMigrateResponse handles the MigrateResponse B receives from A
// (§4.3.3 step 3): ge is the entity migrating, oldRemoteOnA is the
// RemoteEntity id A already assigned in B's former HostEntity
// namespace, and newHostOnB is the HostEntity id A wants B to present
// going forward. The redirect installed maps the pre-migration host id
// to OwnedRemote(oldRemoteOnA), so anything still addressed to the old
// id resolves correctly.
func (m *MigrationCoordinator) ApplyMigrateResponse(ge entity.GlobalEntity, oldRemoteOnA entity.RemoteEntity, newHostOnB entity.HostEntity, epochID wrapping.U16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.world.Record(ge)
	if !ok {
		return nil
	}
	oldLocal := entity.OwnedHost(rec.Host)

	var components map[uint16]*ComponentChannel
	if hostCh, ok := m.hostEngine.Channel(ge); ok {
		components = hostCh.Components()
	} else {
		components = make(map[uint16]*ComponentChannel)
	}
	m.hostEngine.Remove(ge)

	var pending *entity.AuthState
	if status, ok := m.pendingAuth[ge]; ok {
		pending = &status
		delete(m.pendingAuth, ge)
	}
	m.remoteEngine.InstallMigrated(ge, epochID, components, pending)

	newRemote := entity.RemoteEntity(oldRemoteOnA)
	if err := m.world.Migrate(ge, false, newHostOnB, newRemote); err != nil {
		return err
	}
	newLocal := entity.OwnedRemote(newRemote)
	m.world.Redirects().Install(oldLocal, newLocal)
	return nil
}

// RecordAuthorityRace stashes an authority update that arrived for ge
// before its migrated channel exists, so InstallMigrated can reapply
// it atomically instead of the lookup simply failing.
func (m *MigrationCoordinator) RecordAuthorityRace(ge entity.GlobalEntity, status entity.AuthState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAuth[ge] = status
}
