package worldsync

import (
	"sync"

	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/wrapping"
)

// EntityWorldEvent pairs a WorldEvent with the entity it happened to,
// the unit the Engine's output buffer actually carries — a bare
// WorldEvent on its own can't be routed to the host application.
type EntityWorldEvent struct {
	Entity entity.GlobalEntity
	Event  WorldEvent
}

// RemoteEngine owns one RemoteEntityChannel per entity in scope on the
// receive side and an output buffer of events drained once per tick
// (§4.3 "An Engine ... owns a Map<LocalEntity, EntityChannel> and an
// output buffer"). Per-entity isolation means one entity's backlog
// never blocks delivery for any other.
type RemoteEngine struct {
	mu       sync.Mutex
	role     PeerRole
	channels map[entity.GlobalEntity]*RemoteEntityChannel
	output   []EntityWorldEvent
}

func NewRemoteEngine(role PeerRole) *RemoteEngine {
	return &RemoteEngine{role: role, channels: make(map[entity.GlobalEntity]*RemoteEntityChannel)}
}

func (e *RemoteEngine) channelFor(ge entity.GlobalEntity) *RemoteEntityChannel {
	ch, ok := e.channels[ge]
	if !ok {
		ch = NewRemoteEntityChannel(e.role)
		e.channels[ge] = ch
	}
	return ch
}

// Process routes one incoming message to its entity's channel and
// appends any resulting events to the output buffer. A channel-level
// error is returned for the caller to log (§7 kind 3); it never
// aborts processing of other entities.
func (e *RemoteEngine) Process(ge entity.GlobalEntity, msgIdx wrapping.U16, msgType MessageType, component uint16, authority entity.AuthState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := e.channelFor(ge)
	events, err := ch.Process(msgIdx, msgType, component, authority)
	for _, ev := range events {
		e.output = append(e.output, EntityWorldEvent{Entity: ge, Event: ev})
	}
	return err
}

// InstallMigrated replaces whatever channel exists for ge (normally
// none, since it just arrived via migration) with one constructed
// along the migration path, and immediately reapplies any authority
// update that arrived for ge before the channel existed.
func (e *RemoteEngine) InstallMigrated(ge entity.GlobalEntity, epochID wrapping.U16, components map[uint16]*ComponentChannel, pendingAuth *entity.AuthState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := NewMigratedRemoteEntityChannel(epochID, components)
	e.channels[ge] = ch
	if pendingAuth != nil {
		ch.auth.status = *pendingAuth
	}
}

// DrainOutput returns and clears every event accumulated since the
// last drain, in emission order.
func (e *RemoteEngine) DrainOutput() []EntityWorldEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.output
	e.output = nil
	return out
}

func (e *RemoteEngine) Remove(ge entity.GlobalEntity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, ge)
}

func (e *RemoteEngine) Channel(ge entity.GlobalEntity) (*RemoteEntityChannel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[ge]
	return ch, ok
}

// HostEngine owns one HostEntityChannel per entity the local side
// replicates outward and validates every outgoing command before it
// reaches the reliable sender (§4.3.2, §4.4 "HostWorldManager").
type HostEngine struct {
	mu       sync.Mutex
	role     PeerRole
	channels map[entity.GlobalEntity]*HostEntityChannel
	queue    []EntityCommand
}

func NewHostEngine(role PeerRole) *HostEngine {
	return &HostEngine{role: role, channels: make(map[entity.GlobalEntity]*HostEntityChannel)}
}

func (e *HostEngine) channelFor(ge entity.GlobalEntity) *HostEntityChannel {
	ch, ok := e.channels[ge]
	if !ok {
		ch = NewHostEntityChannel(e.role)
		e.channels[ge] = ch
	}
	return ch
}

// Enqueue validates cmd against its entity's HostEntityChannel and, if
// legal, appends it to the outgoing command queue.
func (e *HostEngine) Enqueue(cmd EntityCommand) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.channelFor(cmd.Entity)
	if err := ch.ValidateOutgoing(cmd); err != nil {
		return err
	}
	e.queue = append(e.queue, cmd)
	return nil
}

// DrainQueue returns and clears every command accumulated since the
// last drain, for HostWorldWriter to pack into outgoing packets.
func (e *HostEngine) DrainQueue() []EntityCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

func (e *HostEngine) Remove(ge entity.GlobalEntity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, ge)
}

func (e *HostEngine) Channel(ge entity.GlobalEntity) (*HostEntityChannel, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.channels[ge]
	return ch, ok
}
