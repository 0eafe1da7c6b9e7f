package wire

import (
	"fmt"

	"github.com/netweave/entitysync/cmn"
)

// PacketType is the 3-bit packet-type enum of §6. Values >=5 are a
// protocol error and the packet must be dropped (§8 scenario 6).
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketHeartbeat
	PacketHandshake
	PacketPing
	PacketPong
)

func (t PacketType) Valid() bool { return t <= PacketPong }

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "Data"
	case PacketHeartbeat:
		return "Heartbeat"
	case PacketHandshake:
		return "Handshake"
	case PacketPing:
		return "Ping"
	case PacketPong:
		return "Pong"
	default:
		return fmt.Sprintf("Invalid(%d)", uint8(t))
	}
}

// Header is the fixed packet header (§6): packet-type (3 bits), sender
// next-packet-index (u16), last-received-index (u16), 32-bit ack bitfield.
type Header struct {
	Type              PacketType
	NextOutgoingIndex  uint16
	LastReceivedIndex  uint16
	AckBitfield        uint32
}

// HeaderBits is the fixed size of the encoded header, used by writers to
// reserve budget up front.
const HeaderBits = 3 + 16 + 16 + 32

func (h Header) Encode(w *Writer) {
	w.WriteBits(uint64(h.Type), 3)
	w.WriteBits(uint64(h.NextOutgoingIndex), 16)
	w.WriteBits(uint64(h.LastReceivedIndex), 16)
	w.WriteBits(uint64(h.AckBitfield), 32)
}

// DecodeHeader parses a header off r. A packet-type value >=5 is a
// malformed-input error (§7 kind 1, §8 scenario 6): the caller must drop
// the packet, not process any of it.
func DecodeHeader(r *Reader) (Header, error) {
	var h Header
	t, err := r.ReadBits(3)
	if err != nil {
		return h, err
	}
	h.Type = PacketType(t)
	if !h.Type.Valid() {
		return h, cmn.NewErrMalformedPacket(fmt.Sprintf("invalid packet type %d", t))
	}
	next, err := r.ReadBits(16)
	if err != nil {
		return h, err
	}
	h.NextOutgoingIndex = uint16(next)
	last, err := r.ReadBits(16)
	if err != nil {
		return h, err
	}
	h.LastReceivedIndex = uint16(last)
	bf, err := r.ReadBits(32)
	if err != nil {
		return h, err
	}
	h.AckBitfield = uint32(bf)
	return h, nil
}
