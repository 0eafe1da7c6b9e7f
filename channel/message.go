// Package channel implements the MessageManager and its four
// sender/receiver pairs (§4.2): unordered-unreliable, unordered-
// reliable, ordered-reliable, and tick-buffered delivery, including
// fragmentation. Gating a delivered message on entity visibility is the
// remoteworld package's job (package waitlist); this package only
// produces the DeliveredMessage that a caller may choose to waitlist.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package channel

import (
	"github.com/netweave/entitysync/wrapping"
)

// OutgoingMessage is one application message queued for send on a
// channel, tagged with the strictly increasing MessageIndex assigned at
// enqueue time (§4.2).
type OutgoingMessage struct {
	Index   wrapping.U16
	Kind    uint16
	Payload []byte

	// Fragment metadata, set by the fragmenter when Payload exceeds the
	// per-packet budget (§4.2 "Fragmentation"). FragIndex counts from 0;
	// FragTotal is the fragment count; a fragment's own MessageIndex is
	// Index+FragIndex so indices stay contiguous across the message.
	IsFragment bool
	FragIndex  int
	FragTotal  int
}

// DeliveredMessage is a fully reassembled message ready to hand to the
// application.
type DeliveredMessage struct {
	Index   wrapping.U16
	Kind    uint16
	Payload []byte
}

// PacketBudget tracks how many bits remain while HostWorldWriter (or
// MessageManager acting alone) drains a source into the current packet
// (§4.4 "Budget discipline").
type PacketBudget struct {
	TotalBits     int
	bitsUsed      int
}

func NewPacketBudget(totalBits int) *PacketBudget { return &PacketBudget{TotalBits: totalBits} }

func (b *PacketBudget) Remaining() int { return b.TotalBits - b.bitsUsed }

func (b *PacketBudget) Consume(bits int) bool {
	if bits > b.Remaining() {
		return false
	}
	b.bitsUsed += bits
	return true
}
