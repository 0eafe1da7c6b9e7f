package channel

import (
	"sync"

	"github.com/netweave/entitysync/wrapping"
)

// FragmentReceiver reassembles a message split across consecutive
// MessageIndex values (§4.2 "Fragmentation") once every fragment from
// FragIndex 0 through FragTotal-1 has arrived, independent of arrival
// order within the fragment run.
type FragmentReceiver struct {
	mu      sync.Mutex
	inFlight map[wrapping.U16]*fragmentAssembly // keyed by the first fragment's index
}

type fragmentAssembly struct {
	kind   uint16
	total  int
	have   int
	chunks [][]byte
}

func NewFragmentReceiver() *FragmentReceiver {
	return &FragmentReceiver{inFlight: make(map[wrapping.U16]*fragmentAssembly)}
}

// Receive feeds one fragment in. msg.Index is the fragment's own
// index; the base index of the whole message is msg.Index - FragIndex.
// Returns the reassembled payload once the final fragment arrives, or
// nil while assembly is still incomplete.
func (f *FragmentReceiver) Receive(msg OutgoingMessage) (payload []byte, kind uint16, complete bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := msg.Index - wrapping.U16(msg.FragIndex)
	asm, ok := f.inFlight[base]
	if !ok {
		asm = &fragmentAssembly{kind: msg.Kind, total: msg.FragTotal, chunks: make([][]byte, msg.FragTotal)}
		f.inFlight[base] = asm
	}
	if asm.chunks[msg.FragIndex] == nil {
		asm.chunks[msg.FragIndex] = msg.Payload
		asm.have++
	}
	if asm.have < asm.total {
		return nil, 0, false
	}
	delete(f.inFlight, base)
	total := 0
	for _, c := range asm.chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range asm.chunks {
		out = append(out, c...)
	}
	return out, asm.kind, true
}

// SplitForSend breaks a payload into FragTotal pieces no larger than
// maxChunkBytes, assigning contiguous indices starting at startIdx so
// the receiver can locate the base with simple subtraction.
func SplitForSend(startIdx wrapping.U16, kind uint16, payload []byte, maxChunkBytes int) []OutgoingMessage {
	if len(payload) <= maxChunkBytes {
		return []OutgoingMessage{{Index: startIdx, Kind: kind, Payload: payload}}
	}
	var chunks [][]byte
	for off := 0; off < len(payload); off += maxChunkBytes {
		end := off + maxChunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	out := make([]OutgoingMessage, len(chunks))
	for i, c := range chunks {
		out[i] = OutgoingMessage{
			Index:      startIdx + wrapping.U16(i),
			Kind:       kind,
			Payload:    c,
			IsFragment: true,
			FragIndex:  i,
			FragTotal:  len(chunks),
		}
	}
	return out
}
