/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package connection

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/netweave/entitysync/channel"
	"github.com/netweave/entitysync/cmn"
	"github.com/netweave/entitysync/worldsync"
	"github.com/netweave/entitysync/wrapping"
)

// Transport is the out-of-scope framework adapter's seam (§1 Non-goals
// "no bundled transport"): Connection only needs to push and pull raw
// packet payloads, never anything about sockets, NAT, or addressing.
type Transport interface {
	Send(payload []byte) error
	// Recv returns the next pending packet, ok=false once none remain
	// for this tick (never blocks).
	Recv() (payload []byte, ok bool, err error)
}

// Connection drives one BaseConnection's per-tick cycle over a
// Transport: receive everything pending, release anything whose local
// tick has now arrived, then send one outgoing packet (§5 "each
// connection advances independently").
type Connection struct {
	ID          string
	Base        *BaseConnection
	Transport   Transport
	BudgetBytes int

	tick wrapping.U16

	// Deliveries receives every batch of application-visible messages
	// decoded this tick, keyed by channel id. Sized generously so a
	// slow consumer doesn't stall the read path; when the channel is
	// full the new batch is dropped with a logged warning instead of
	// blocking the tick loop.
	Deliveries chan map[uint16][]channel.DeliveredMessage
	// WorldEvents receives every batch of entity world events drained
	// from the remote-world side this tick (§2 "Incoming" entity
	// world-event output), sized and dropped-on-full the same way as
	// Deliveries.
	WorldEvents chan []worldsync.EntityWorldEvent
	// Events carries DisconnectEvents for this connection alone — a
	// panicking or timed-out tick never reaches past RunTick itself.
	Events chan cmn.DisconnectEvent
}

func NewConnection(id string, base *BaseConnection, transport Transport, budgetBytes int) *Connection {
	return &Connection{
		ID:          id,
		Base:        base,
		Transport:   transport,
		BudgetBytes: budgetBytes,
		Deliveries:  make(chan map[uint16][]channel.DeliveredMessage, 16),
		WorldEvents: make(chan []worldsync.EntityWorldEvent, 16),
		Events:      make(chan cmn.DisconnectEvent, 1),
	}
}

// RunTick performs receive_all_packets -> process_all_packets ->
// send_all_packets. A panic anywhere in the cycle is recovered into a
// DisconnectEvent for this connection only and never propagates, so one
// misbehaving connection can't take the whole Server down (§5.1).
// The returned bool reports whether the connection is still alive.
func (c *Connection) RunTick(now time.Time) (alive bool) {
	alive = true
	defer func() {
		if r := recover(); r != nil {
			c.disconnect(fmt.Sprintf("panic: %v", r))
			alive = false
		}
	}()

	c.receiveAllPackets()
	c.processAllPackets()

	if c.Base.Config != nil && c.Base.Ack.ShouldDrop(c.Base.Config.DisconnectionTimeout) {
		c.disconnect("disconnection timeout elapsed with no traffic received")
		return false
	}

	c.sendAllPackets(now)
	return true
}

func (c *Connection) receiveAllPackets() {
	for {
		payload, ok, err := c.Transport.Recv()
		if err != nil {
			glog.Warningf("connection %s: transport receive error: %v", c.ID, err)
			return
		}
		if !ok {
			return
		}
		if deliveries := c.Base.ReadPacket(payload); len(deliveries) > 0 {
			select {
			case c.Deliveries <- deliveries:
			default:
				glog.Warningf("connection %s: deliveries channel full, dropping a batch", c.ID)
			}
		}
	}
}

func (c *Connection) processAllPackets() {
	released := c.Base.Messages.ReleaseTickBuffered(uint32(c.tick))
	if len(released) > 0 {
		select {
		case c.Deliveries <- released:
		default:
			glog.Warningf("connection %s: deliveries channel full, dropping a tick-buffered release", c.ID)
		}
	}

	if events := c.Base.DrainWorldEvents(); len(events) > 0 {
		select {
		case c.WorldEvents <- events:
		default:
			glog.Warningf("connection %s: world events channel full, dropping a batch", c.ID)
		}
	}
}

func (c *Connection) sendAllPackets(now time.Time) {
	payload, _ := c.Base.WritePacket(now, c.tick, c.BudgetBytes)
	if err := c.Transport.Send(payload); err != nil {
		glog.Warningf("connection %s: transport send error: %v", c.ID, err)
	}
	c.tick++
}

func (c *Connection) disconnect(reason string) {
	glog.Errorf("connection %s: disconnecting: %s", c.ID, reason)
	select {
	case c.Events <- cmn.DisconnectEvent{Reason: reason}:
	default:
	}
}
