// Package connection assembles BaseConnection's per-tick read/write
// cycle out of ack, channel, hostworld, and remoteworld, and fans out
// many such connections concurrently in Server (§5, §5.1).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package connection

import (
	"time"

	"github.com/golang/glog"

	"github.com/netweave/entitysync/channel"
	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/wire"
	"github.com/netweave/entitysync/wrapping"
)

// writeMessageSegment appends every bound channel's due traffic onto w,
// one sub-segment per channel, skipping whatever doesn't fit the shared
// budget rather than ever growing past it (§4.4 "Budget discipline").
// The segment is terminated by a false "more channels follow" bit.
func writeMessageSegment(w *wire.Writer, mgr *channel.MessageManager, kinds *protocol.KindTable, now time.Time, tick uint32, packetIdx wrapping.U16, budgetBits int) {
	for _, channelID := range kinds.ChannelIDs() {
		ck, ok := kinds.Channel(channelID)
		if !ok {
			continue
		}

		var due []channel.OutgoingMessage
		if ck.Mode == protocol.TickBuffered {
			due = mgr.TakeTick(channelID, tick)
		} else {
			due = mgr.CollectDue(channelID, now)
		}
		if len(due) == 0 {
			continue
		}

		scratch := wire.NewWriter()
		scratch.WriteBool(true)
		wire.WriteKindTag(scratch, channelID)
		var included []channel.OutgoingMessage
		for _, msg := range due {
			scratch.WriteBool(true)
			writeOutgoingMessage(scratch, msg)
			included = append(included, msg)
		}
		scratch.WriteBool(false)

		if w.BitsWritten()+scratch.BitsWritten() > budgetBits {
			glog.Warningf("overflow: channel=%d messages=%d bits_needed=%d bits_free=%d",
				channelID, len(due), scratch.BitsWritten(), budgetBits-w.BitsWritten())
			continue
		}

		w.WriteBool(true)
		wire.WriteKindTag(w, channelID)
		for _, msg := range included {
			w.WriteBool(true)
			writeOutgoingMessage(w, msg)
		}
		w.WriteBool(false)

		if ck.Mode == protocol.UnorderedReliable || ck.Mode == protocol.OrderedReliable {
			for _, msg := range included {
				mgr.MarkSent(channelID, packetIdx, msg.Index, now)
			}
		}
	}
	w.WriteBool(false)
}

// readMessageSegment is the inverse of writeMessageSegment, dispatching
// each decoded message into its channel's receiver and collecting
// whatever becomes ready for delivery as a result (possibly nothing, for
// an ordered-reliable arrival blocked behind a gap, or a tick-buffered
// arrival waiting for its tick to become current).
func readMessageSegment(r *wire.Reader, mgr *channel.MessageManager, tick uint32) (map[uint16][]channel.DeliveredMessage, error) {
	out := make(map[uint16][]channel.DeliveredMessage)
	for {
		more, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		if !more {
			return out, nil
		}
		channelID, err := wire.ReadKindTag(r)
		if err != nil {
			return nil, err
		}
		for {
			moreMsg, err := r.ReadBool()
			if err != nil {
				return nil, err
			}
			if !moreMsg {
				break
			}
			msg, err := readOutgoingMessage(r)
			if err != nil {
				return nil, err
			}
			if delivered := mgr.Receive(channelID, msg, tick); len(delivered) > 0 {
				out[channelID] = append(out[channelID], delivered...)
			}
		}
	}
}

func writeOutgoingMessage(w *wire.Writer, msg channel.OutgoingMessage) {
	w.WriteBits(uint64(msg.Index), 16)
	w.WriteBool(msg.IsFragment)
	if msg.IsFragment {
		w.WriteBits(uint64(msg.FragIndex), 16)
		w.WriteBits(uint64(msg.FragTotal), 16)
	}
	wire.WriteKindTag(w, msg.Kind)
	w.WriteBits(uint64(len(msg.Payload)), 16)
	for _, b := range msg.Payload {
		w.WriteBits(uint64(b), 8)
	}
}

func readOutgoingMessage(r *wire.Reader) (channel.OutgoingMessage, error) {
	idx, err := r.ReadBits(16)
	if err != nil {
		return channel.OutgoingMessage{}, err
	}
	isFragment, err := r.ReadBool()
	if err != nil {
		return channel.OutgoingMessage{}, err
	}
	var fragIndex, fragTotal uint64
	if isFragment {
		fragIndex, err = r.ReadBits(16)
		if err != nil {
			return channel.OutgoingMessage{}, err
		}
		fragTotal, err = r.ReadBits(16)
		if err != nil {
			return channel.OutgoingMessage{}, err
		}
	}
	kind, err := wire.ReadKindTag(r)
	if err != nil {
		return channel.OutgoingMessage{}, err
	}
	length, err := r.ReadBits(16)
	if err != nil {
		return channel.OutgoingMessage{}, err
	}
	payload := make([]byte, length)
	for i := range payload {
		b, err := r.ReadBits(8)
		if err != nil {
			return channel.OutgoingMessage{}, err
		}
		payload[i] = byte(b)
	}
	return channel.OutgoingMessage{
		Index:      wrapping.U16(idx),
		Kind:       kind,
		Payload:    payload,
		IsFragment: isFragment,
		FragIndex:  int(fragIndex),
		FragTotal:  int(fragTotal),
	}, nil
}
