package worldsync

import (
	"sync"

	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/entity"
)

// ChannelAuthState is the channel-local view of delegation (§3
// "EntityAuthChannelState"), distinct from the global entity.AuthState
// which only has meaning once the channel has reached Delegated.
type ChannelAuthState int

const (
	ChannelUnpublished ChannelAuthState = iota
	ChannelPublished
	ChannelDelegated
)

func (s ChannelAuthState) String() string {
	switch s {
	case ChannelUnpublished:
		return "Unpublished"
	case ChannelPublished:
		return "Published"
	case ChannelDelegated:
		return "Delegated"
	default:
		return "Unknown"
	}
}

// AuthChannel is the receive-side Publish/Delegate/Request-Grant-
// Release sub-state-machine of an entity channel (§4.3.1).
type AuthChannel struct {
	mu      sync.Mutex
	channel ChannelAuthState
	status  entity.AuthState
}

// NewAuthChannel starts an ordinary, freshly spawned entity's auth
// channel in Unpublished/NotDelegated.
func NewAuthChannel() *AuthChannel {
	return &AuthChannel{channel: ChannelUnpublished, status: entity.AuthNotDelegated}
}

// NewPublishedAuthChannel starts a freshly spawned entity's auth
// channel already in Published/NotDelegated, the Client-peer spawn
// path of §4.3.1's table ("Client peer: Published").
func NewPublishedAuthChannel() *AuthChannel {
	return &AuthChannel{channel: ChannelPublished, status: entity.AuthNotDelegated}
}

// NewDelegatedAuthChannel is the distinct construction path migration
// requires: a migrated entity's new RemoteEntityChannel starts already
// in Delegated with status Available, never Unpublished (§4.3.3, "the
// single most violated invariant if implemented casually").
func NewDelegatedAuthChannel() *AuthChannel {
	return &AuthChannel{channel: ChannelDelegated, status: entity.AuthAvailable}
}

func (a *AuthChannel) State() ChannelAuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channel
}

func (a *AuthChannel) Status() entity.AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Apply processes one auth-related message against the channel's
// current state. An illegal transition is rejected, not panicked
// (§4.3.1 "Any other transition is rejected (logged, not fatal)").
func (a *AuthChannel) Apply(msgType MessageType, status entity.AuthState) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.channel {
	case ChannelUnpublished:
		if msgType == MsgPublish {
			a.channel = ChannelPublished
			return nil
		}
	case ChannelPublished:
		if msgType == MsgEnableDelegation {
			a.channel = ChannelDelegated
			a.status = entity.AuthAvailable
			return nil
		}
	case ChannelDelegated:
		switch msgType {
		case MsgDisableDelegation:
			a.channel = ChannelPublished
			a.status = entity.AuthNotDelegated
			return nil
		case MsgSetAuthority:
			a.status = status
			return nil
		}
	}
	return cmn.NewErrAuthorityRejected(a.channel.String(), msgType.String())
}
