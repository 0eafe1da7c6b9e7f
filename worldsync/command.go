// Package worldsync implements the per-entity world-replication state
// machines (§4.3): RemoteEntityChannel and HostEntityChannel, each
// entity's AuthChannel and per-component ComponentChannel, the Engine
// that owns one channel per entity, and the migration protocol that
// rebinds a host-owned entity into a remote-owned one.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package worldsync

import "github.com/netweave/entitysync/entity"

// MessageType is the one-byte wire tag discriminating EntityCommand/
// EntityMessage variants (§6 "EntityMessageType tag").
type MessageType byte

const (
	MsgSpawn                    MessageType = 0
	MsgDespawn                  MessageType = 1
	MsgInsertComponent          MessageType = 2
	MsgRemoveComponent          MessageType = 3
	MsgPublish                  MessageType = 4
	MsgUnpublish                MessageType = 5
	MsgEnableDelegation         MessageType = 6
	MsgDisableDelegation        MessageType = 7
	MsgSetAuthority             MessageType = 8
	MsgRequestAuthority         MessageType = 9
	MsgReleaseAuthority         MessageType = 10
	MsgEnableDelegationResponse MessageType = 11
	MsgMigrateResponse          MessageType = 12
	MsgNoop                     MessageType = 255
)

func (t MessageType) String() string {
	switch t {
	case MsgSpawn:
		return "Spawn"
	case MsgDespawn:
		return "Despawn"
	case MsgInsertComponent:
		return "InsertComponent"
	case MsgRemoveComponent:
		return "RemoveComponent"
	case MsgPublish:
		return "Publish"
	case MsgUnpublish:
		return "Unpublish"
	case MsgEnableDelegation:
		return "EnableDelegation"
	case MsgDisableDelegation:
		return "DisableDelegation"
	case MsgSetAuthority:
		return "SetAuthority"
	case MsgRequestAuthority:
		return "RequestAuthority"
	case MsgReleaseAuthority:
		return "ReleaseAuthority"
	case MsgEnableDelegationResponse:
		return "EnableDelegationResponse"
	case MsgMigrateResponse:
		return "MigrateResponse"
	case MsgNoop:
		return "Noop"
	default:
		return "Unknown"
	}
}

// EntityCommand is the host-local tagged union over GlobalEntity
// (§3 "EntityCommand") queued by the sending side before it is
// reparameterized into an EntityMessage for the wire.
type EntityCommand struct {
	Type      MessageType
	Entity    entity.GlobalEntity
	Component uint16
	Authority entity.AuthState
	OldRemote entity.RemoteEntity
	NewHost   entity.HostEntity
}

// LocalID is the constraint satisfied by whichever id space an
// EntityMessage is reparameterized over: HostEntity for commands a
// sender emits, RemoteEntity for commands the receiving peer
// echoes back (§3 "EntityMessage<E>").
type LocalID interface {
	entity.HostEntity | entity.RemoteEntity
}

// EntityMessage is the wire form of EntityCommand, carrying whichever
// local id space the recipient will look up with.
type EntityMessage[E LocalID] struct {
	Type      MessageType
	Entity    E
	Component uint16
	Authority entity.AuthState
	OldRemote entity.RemoteEntity
	NewHost   entity.HostEntity
}
