package worldsync

import (
	"strconv"
	"sync"

	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/entity"
)

// PeerRole distinguishes which side of a connection a HostEntityChannel
// is validating outgoing commands for (§4.3.2): the rules for legal
// SetAuthority transitions and which commands may even be sent differ
// by role.
type PeerRole int

const (
	RoleServer PeerRole = iota
	RoleClient
)

// authTransition is one (from, to) pair the Server role may send via
// SetAuthority (§4.3.2).
type authTransition struct {
	from, to entity.AuthState
}

var serverAuthTransitions = map[authTransition]bool{
	{entity.AuthAvailable, entity.AuthGranted}:   true,
	{entity.AuthGranted, entity.AuthAvailable}:   true,
	{entity.AuthAvailable, entity.AuthDenied}:    true,
	{entity.AuthDenied, entity.AuthAvailable}:    true,
	{entity.AuthAvailable, entity.AuthAvailable}: true,
}

// HostEntityChannel is the send-side state tracked per outgoing entity
// so commands illegal for the current authority state or the local
// role are rejected before they ever enter the reliable send pipeline.
// Rejection here is a programmer error, not a protocol event, so it is
// raised to the caller rather than logged and dropped (§4.3.2).
type HostEntityChannel struct {
	mu     sync.Mutex
	role   PeerRole
	status entity.AuthState

	components map[uint16]*ComponentChannel
}

func NewHostEntityChannel(role PeerRole) *HostEntityChannel {
	return &HostEntityChannel{role: role, status: entity.AuthNotDelegated, components: make(map[uint16]*ComponentChannel)}
}

func (h *HostEntityChannel) Status() entity.AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *HostEntityChannel) Components() map[uint16]*ComponentChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[uint16]*ComponentChannel, len(h.components))
	for k, v := range h.components {
		out[k] = v
	}
	return out
}

// ValidateOutgoing checks cmd against the authority state machine and
// this side's role before it may be handed to the sender.
func (h *HostEntityChannel) ValidateOutgoing(cmd EntityCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd.Type {
	case MsgInsertComponent:
		if _, ok := h.components[cmd.Component]; ok {
			return cmn.NewErrComponentAlreadyExists(componentName(cmd.Component))
		}
		h.components[cmd.Component] = NewComponentChannel()
		return nil

	case MsgRemoveComponent:
		if _, ok := h.components[cmd.Component]; !ok {
			return cmn.NewErrComponentDoesNotExist(componentName(cmd.Component))
		}
		delete(h.components, cmd.Component)
		return nil

	case MsgEnableDelegation:
		// The entity enters its delegated lifecycle; authority starts
		// unheld (§4.3.2).
		h.status = entity.AuthAvailable
		return nil

	case MsgDisableDelegation:
		h.status = entity.AuthNotDelegated
		return nil

	case MsgSetAuthority:
		if h.role != RoleServer {
			return cmn.NewErrAuthorityRejected("client", cmd.Type.String())
		}
		if !serverAuthTransitions[authTransition{h.status, cmd.Authority}] {
			return cmn.NewErrAuthorityRejected(h.status.String(), cmd.Type.String())
		}
		h.status = cmd.Authority
		return nil

	case MsgMigrateResponse:
		if h.role != RoleServer {
			return cmn.NewErrAuthorityRejected("client", cmd.Type.String())
		}
		// Taking over a delegated entity puts its authority up for
		// grabs immediately (§4.3.3 step 2).
		h.status = entity.AuthAvailable
		return nil

	case MsgRequestAuthority, MsgReleaseAuthority, MsgEnableDelegationResponse:
		if h.role != RoleClient {
			return cmn.NewErrAuthorityRejected("server", cmd.Type.String())
		}
		return nil

	default:
		return nil
	}
}

func componentName(kind uint16) string {
	return "component#" + strconv.Itoa(int(kind))
}
