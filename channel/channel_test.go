package channel

import (
	"testing"
	"time"

	"github.com/netweave/entitysync/protocol"
	"github.com/netweave/entitysync/wrapping"
)

func TestUnreliableSenderDrainEmptiesQueue(t *testing.T) {
	s := NewUnreliableSender()
	s.Enqueue(1, []byte("a"))
	s.Enqueue(1, []byte("b"))
	msgs := s.Drain()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(s.Drain()) != 0 {
		t.Fatal("expected queue empty after drain")
	}
}

func TestReliableSenderResendsAfterInterval(t *testing.T) {
	s := NewReliableSender(func() time.Duration { return 200 * time.Millisecond })
	idx := s.Enqueue(1, []byte("payload"))

	due := s.CollectDue(time.Now())
	if len(due) != 1 || due[0].Index != idx {
		t.Fatalf("expected the fresh message due immediately, got %+v", due)
	}
	sentAt := time.Now()
	s.MarkSent(wrapping.U16(0), idx, sentAt)

	if due := s.CollectDue(sentAt.Add(time.Millisecond)); len(due) != 0 {
		t.Fatalf("expected no resend before interval elapses, got %+v", due)
	}

	future := sentAt.Add(250 * time.Millisecond)
	if due := s.CollectDue(future); len(due) != 1 {
		t.Fatalf("expected resend after interval elapses, got %+v", due)
	}
}

func TestReliableSenderDeliveredClearsPending(t *testing.T) {
	s := NewReliableSender(func() time.Duration { return time.Second })
	idx := s.Enqueue(1, []byte("x"))
	s.MarkSent(wrapping.U16(5), idx, time.Now())
	s.NotifyPacketDelivered(wrapping.U16(5))
	if s.PendingCount() != 0 {
		t.Fatalf("expected pending cleared on delivery, got %d", s.PendingCount())
	}
}

func TestReliableSenderLostForcesImmediateResend(t *testing.T) {
	s := NewReliableSender(func() time.Duration { return time.Hour })
	idx := s.Enqueue(1, []byte("x"))
	s.MarkSent(wrapping.U16(5), idx, time.Now())
	s.NotifyPacketLost(wrapping.U16(5))
	due := s.CollectDue(time.Now())
	if len(due) != 1 {
		t.Fatalf("expected loss to force immediate resend candidacy, got %+v", due)
	}
}

func TestDedupReceiverDropsRepeat(t *testing.T) {
	r := NewDedupReceiver(100)
	first := r.Receive(wrapping.U16(7), 1, []byte("a"))
	if len(first) != 1 {
		t.Fatal("expected first arrival delivered")
	}
	second := r.Receive(wrapping.U16(7), 1, []byte("a"))
	if len(second) != 0 {
		t.Fatal("expected duplicate arrival dropped")
	}
}

func TestOrderedArrangerReleasesContiguousPrefix(t *testing.T) {
	a := NewOrderedArranger()
	if out := a.Receive(wrapping.U16(2), 1, []byte("c")); len(out) != 0 {
		t.Fatalf("expected gap to block delivery, got %+v", out)
	}
	if out := a.Receive(wrapping.U16(1), 1, []byte("b")); len(out) != 0 {
		t.Fatalf("expected continued gap, got %+v", out)
	}
	out := a.Receive(wrapping.U16(0), 1, []byte("a"))
	if len(out) != 3 {
		t.Fatalf("expected filling the gap to release all 3 in order, got %d", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(out[i].Payload) != want {
			t.Fatalf("out of order release: %+v", out)
		}
	}
	if a.PendingCount() != 0 {
		t.Fatalf("expected window drained, got %d pending", a.PendingCount())
	}
}

func TestOrderedArrangerDropsStaleDuplicate(t *testing.T) {
	a := NewOrderedArranger()
	a.Receive(wrapping.U16(0), 1, []byte("a"))
	if out := a.Receive(wrapping.U16(0), 1, []byte("a-dup")); len(out) != 0 {
		t.Fatalf("expected stale duplicate ignored, got %+v", out)
	}
}

func TestFragmentReceiverReassemblesOutOfOrder(t *testing.T) {
	fr := NewFragmentReceiver()
	frags := SplitForSend(wrapping.U16(10), 3, []byte("hello world this is long"), 5)
	if len(frags) < 2 {
		t.Fatal("expected payload to split into multiple fragments")
	}
	var payload []byte
	var kind uint16
	var complete bool
	for i := len(frags) - 1; i >= 0; i-- {
		payload, kind, complete = fr.Receive(frags[i])
	}
	if !complete {
		t.Fatal("expected assembly complete after last fragment arrives")
	}
	if string(payload) != "hello world this is long" {
		t.Fatalf("reassembly mismatch: %q", payload)
	}
	if kind != 3 {
		t.Fatalf("expected kind preserved, got %d", kind)
	}
}

func TestTickBufferedReceiverReleasesUpToLocalTick(t *testing.T) {
	r := NewTickBufferedReceiver()
	r.Receive(5, wrapping.U16(0), 1, []byte("a"))
	r.Receive(7, wrapping.U16(1), 1, []byte("b"))
	if out := r.ReleaseUpTo(4); len(out) != 0 {
		t.Fatalf("expected nothing ready yet, got %+v", out)
	}
	out := r.ReleaseUpTo(6)
	if len(out) != 1 {
		t.Fatalf("expected tick 5 released, got %+v", out)
	}
	out = r.ReleaseUpTo(10)
	if len(out) != 1 {
		t.Fatalf("expected tick 7 released, got %+v", out)
	}
}

func TestMessageManagerRoundTripUnorderedReliable(t *testing.T) {
	kinds := protocol.NewKindTable()
	chID, _ := kinds.RegisterChannel("entity-events", protocol.UnorderedReliable)
	kinds.Finalize()

	mm := NewMessageManager(kinds, 512)
	mm.Bind(chID, func() time.Duration { return time.Second }, 1000)

	idx := mm.Send(chID, 9, []byte("spawn"), 0)
	due := mm.CollectDue(chID, time.Now())
	if len(due) != 1 || due[0].Index != idx {
		t.Fatalf("expected queued message due for send, got %+v", due)
	}
	mm.MarkSent(chID, wrapping.U16(1), idx, time.Now())

	delivered := mm.Receive(chID, due[0], 0)
	if len(delivered) != 1 || string(delivered[0].Payload) != "spawn" {
		t.Fatalf("expected delivery, got %+v", delivered)
	}

	mm.NotifyPacketDelivered(wrapping.U16(1))
}

func TestGlobalRequestTableMatchesResponse(t *testing.T) {
	tbl := NewGlobalRequestTable()
	key, ch := tbl.IssueRequest()
	if !tbl.ResolveResponse(key, []byte("pong")) {
		t.Fatal("expected response to match pending request")
	}
	select {
	case payload := <-ch:
		if string(payload) != "pong" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	default:
		t.Fatal("expected payload available on channel")
	}
	if tbl.PendingCount() != 0 {
		t.Fatalf("expected pending count 0, got %d", tbl.PendingCount())
	}
}

func TestGlobalRequestTableUnmatchedResponseDropped(t *testing.T) {
	tbl := NewGlobalRequestTable()
	if tbl.ResolveResponse(999, []byte("x")) {
		t.Fatal("expected unmatched response to report false")
	}
}
