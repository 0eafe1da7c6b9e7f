package worldsync

import (
	"sync"

	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/entity"
	"github.com/netweave/entitysync/wrapping"
)

// EntityLifecycleState is the top-level Despawned/Spawned state of a
// RemoteEntityChannel (§4.3.1).
type EntityLifecycleState int

const (
	Despawned EntityLifecycleState = iota
	Spawned
)

// EventKind discriminates the world events a RemoteEntityChannel emits.
type EventKind int

const (
	EventSpawn EventKind = iota
	EventDespawn
	EventComponentInserted
	EventComponentRemoved
	EventAuthorityChanged
)

// WorldEvent is one unit of output the host application or the
// HostEngine's mirrored view observes from a RemoteEntityChannel.
type WorldEvent struct {
	Kind      EventKind
	Component uint16
	Authority entity.AuthState
}

// bufferedMessage is one not-yet-processable entry in a channel's
// ordered-ids buffer, held until its blocking predecessor arrives.
type bufferedMessage struct {
	id        wrapping.U16
	msgType   MessageType
	component uint16
	authority entity.AuthState
}

// RemoteEntityChannel is the receive-side per-entity state machine
// (§4.3.1): it gates an unordered-reliable stream of EntityMessages
// into a causally legal sequence of world events, isolated per entity
// so no entity's backlog blocks another's delivery. Arrivals are
// inserted into an ordered-ids buffer and drained from the head; a
// head the current state can't accept (an Insert before its Spawn has
// arrived, a Spawn before the previous epoch's Despawn) stays buffered
// and replays once the missing predecessor lands, since the sender's
// id order is the entity's causal order.
type RemoteEntityChannel struct {
	mu sync.Mutex

	role        PeerRole
	state       EntityLifecycleState
	hasEpoch    bool
	lastEpochID wrapping.U16

	buffer []bufferedMessage // sorted ascending by wrap-safe id

	auth       *AuthChannel
	components map[uint16]*ComponentChannel
}

// NewRemoteEntityChannel starts a fresh, never-spawned channel. role is
// the local peer's own role (Client or Server), which Process's Spawn
// case uses to pick the right AuthChannel construction path (§4.3.1:
// "initialize AuthChannel (Client peer: Published; Server peer:
// Unpublished)").
func NewRemoteEntityChannel(role PeerRole) *RemoteEntityChannel {
	return &RemoteEntityChannel{role: role, state: Despawned}
}

// NewMigratedRemoteEntityChannel is the distinct construction path for
// an entity arriving via the migration protocol (§4.3.3): it starts
// already Spawned, with its component set preserved verbatim and its
// AuthChannel already Delegated+Available.
func NewMigratedRemoteEntityChannel(epochID wrapping.U16, components map[uint16]*ComponentChannel) *RemoteEntityChannel {
	return &RemoteEntityChannel{
		state:       Spawned,
		hasEpoch:    true,
		lastEpochID: epochID,
		auth:        NewDelegatedAuthChannel(),
		components:  components,
	}
}

func (c *RemoteEntityChannel) State() EntityLifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Components returns a shallow copy of the current component set, for
// handoff during migration ("component set preserved verbatim").
func (c *RemoteEntityChannel) Components() map[uint16]*ComponentChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint16]*ComponentChannel, len(c.components))
	for k, v := range c.components {
		out[k] = v
	}
	return out
}

func (c *RemoteEntityChannel) Auth() *AuthChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// Process inserts one (MessageIndex, EntityMessage) pair into the
// ordered-ids buffer and drains every head entry the current state can
// accept, returning the world events that produced. A nil, nil return
// with no events means the message was absorbed without externally
// visible effect yet: pre-epoch, duplicate, Noop, or buffered awaiting
// an earlier id. A non-nil error means a drained message was rejected
// as an illegal transition and should be logged, not treated fatally;
// draining continues past it.
func (c *RemoteEntityChannel) Process(msgIdx wrapping.U16, msgType MessageType, component uint16, authority entity.AuthState) ([]WorldEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case msgType == MsgNoop:
		return nil, nil
	case c.hasEpoch && wrapping.SeqLessOrEqual16(msgIdx, c.lastEpochID):
		return nil, nil // pre-epoch, dropped
	}
	if !c.bufferInsert(bufferedMessage{id: msgIdx, msgType: msgType, component: component, authority: authority}) {
		return nil, nil // duplicate id, already buffered
	}
	return c.drain()
}

// bufferInsert places m into the buffer at its wrap-safe id position,
// reporting false for a duplicate id.
func (c *RemoteEntityChannel) bufferInsert(m bufferedMessage) bool {
	pos := len(c.buffer)
	for i, b := range c.buffer {
		if b.id == m.id {
			return false
		}
		if wrapping.SeqLess16(m.id, b.id) {
			pos = i
			break
		}
	}
	c.buffer = append(c.buffer, bufferedMessage{})
	copy(c.buffer[pos+1:], c.buffer[pos:])
	c.buffer[pos] = m
	return true
}

// drain processes buffered messages from the head for as long as the
// head is acceptable in the current state. A blocked head (Spawn while
// Spawned, anything else while Despawned) ends the pass: its missing
// predecessor has a smaller id and will land ahead of it, unblocking
// both on a later Process call. Must be called with mu held.
func (c *RemoteEntityChannel) drain() ([]WorldEvent, error) {
	var events []WorldEvent
	var firstErr error
	for len(c.buffer) > 0 {
		head := c.buffer[0]

		// The epoch may have advanced mid-drain (a Despawn just
		// processed); anything the old epoch left behind is dead.
		if c.hasEpoch && wrapping.SeqLessOrEqual16(head.id, c.lastEpochID) {
			c.buffer = c.buffer[1:]
			continue
		}

		ev, blocked, err := c.apply(head)
		if blocked {
			break
		}
		c.buffer = c.buffer[1:]
		events = append(events, ev...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return events, firstErr
}

// apply attempts one buffered message against the current state.
// blocked=true means the state can't accept it yet and it must stay at
// the head; an error means it was consumed but rejected.
func (c *RemoteEntityChannel) apply(m bufferedMessage) (events []WorldEvent, blocked bool, err error) {
	switch m.msgType {
	case MsgSpawn:
		if c.state == Spawned {
			return nil, true, nil // awaiting the prior epoch's Despawn
		}
		c.state = Spawned
		c.hasEpoch = true
		c.lastEpochID = m.id
		c.components = make(map[uint16]*ComponentChannel)
		if c.role == RoleClient {
			c.auth = NewPublishedAuthChannel()
		} else {
			c.auth = NewAuthChannel()
		}
		return []WorldEvent{{Kind: EventSpawn}}, false, nil

	case MsgDespawn:
		if c.state != Spawned {
			return nil, true, nil // awaiting the Spawn it ends
		}
		c.state = Despawned
		c.hasEpoch = true
		c.lastEpochID = m.id
		c.auth = nil
		c.components = nil
		return []WorldEvent{{Kind: EventDespawn}}, false, nil

	case MsgInsertComponent, MsgRemoveComponent:
		if c.state != Spawned {
			return nil, true, nil // awaiting this epoch's Spawn
		}
		ch, ok := c.components[m.component]
		if !ok {
			ch = NewComponentChannel()
			c.components[m.component] = ch
		}
		if !ch.Apply(m.msgType) {
			return nil, false, nil // duplicate
		}
		kind := EventComponentInserted
		if m.msgType == MsgRemoveComponent {
			kind = EventComponentRemoved
		}
		return []WorldEvent{{Kind: kind, Component: m.component}}, false, nil

	case MsgPublish, MsgUnpublish, MsgEnableDelegation, MsgDisableDelegation, MsgSetAuthority:
		if c.state != Spawned {
			return nil, true, nil // awaiting this epoch's Spawn
		}
		if err := c.auth.Apply(m.msgType, m.authority); err != nil {
			return nil, false, err
		}
		return []WorldEvent{{Kind: EventAuthorityChanged, Authority: c.auth.Status()}}, false, nil

	default:
		return nil, false, cmn.NewErrMalformedPacket("unknown entity message type")
	}
}
