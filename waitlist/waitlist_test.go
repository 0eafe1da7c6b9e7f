package waitlist

import (
	"testing"
	"time"

	"github.com/netweave/entitysync/entity"
)

func TestQueueReadyImmediatelyWhenAllInScope(t *testing.T) {
	wl := New()
	e1 := entity.RemoteEntity(1)
	wl.AddEntity(e1)

	_, ready := wl.Queue([]entity.RemoteEntity{e1}, time.Now())
	if !ready {
		t.Fatal("expected immediate readiness when all required entities already in scope")
	}
}

func TestAddEntityPromotesWaitingHandle(t *testing.T) {
	wl := New()
	e1, e2 := entity.RemoteEntity(1), entity.RemoteEntity(2)

	h, ready := wl.Queue([]entity.RemoteEntity{e1, e2}, time.Now())
	if ready {
		t.Fatal("expected not ready before both entities are in scope")
	}

	wl.AddEntity(e1)
	readyNow, _ := wl.CollectReady(time.Now())
	if len(readyNow) != 0 {
		t.Fatalf("expected still blocked on e2, got ready=%v", readyNow)
	}

	wl.AddEntity(e2)
	readyNow, _ = wl.CollectReady(time.Now())
	if len(readyNow) != 1 || readyNow[0] != h {
		t.Fatalf("expected handle %v released, got %v", h, readyNow)
	}
}

func TestCollectReadyExpiresStaleHandles(t *testing.T) {
	wl := NewWithTTL(10 * time.Millisecond)
	start := time.Now()
	wl.Queue([]entity.RemoteEntity{entity.RemoteEntity(9)}, start)

	ready, expired := wl.CollectReady(start.Add(5 * time.Millisecond))
	if len(ready) != 0 || len(expired) != 0 {
		t.Fatalf("expected nothing resolved yet, got ready=%v expired=%v", ready, expired)
	}

	ready, expired = wl.CollectReady(start.Add(20 * time.Millisecond))
	if len(ready) != 0 || len(expired) != 1 {
		t.Fatalf("expected the handle to expire, got ready=%v expired=%v", ready, expired)
	}
}

func TestQueueItemAndCollectReadyItemsRoundTrip(t *testing.T) {
	wl := New()
	store := NewStore[string]()
	e1 := entity.RemoteEntity(42)

	h, ready := QueueItem(wl, store, []entity.RemoteEntity{e1}, "payload", time.Now())
	if ready {
		t.Fatal("expected not ready before entity enters scope")
	}

	wl.AddEntity(e1)
	items := CollectReadyItems(wl, store, time.Now())
	if len(items) != 1 || items[0] != "payload" {
		t.Fatalf("expected payload released, got %v", items)
	}
	_ = h
}
