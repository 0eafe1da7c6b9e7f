package waitlist

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/entity"
)

// Store holds the deferred item for each handle, decoupled from
// EntityWaitlist so several stores (delivered messages, component
// inserts, field updates) can share a single waitlist (§4.3.4).
type Store[T any] struct {
	mu    sync.Mutex
	items map[Handle]T
}

func NewStore[T any]() *Store[T] {
	return &Store[T]{items: make(map[Handle]T)}
}

func (s *Store[T]) Put(h Handle, item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[h] = item
}

// TakeAll removes and returns the items for handles, skipping any
// handle this store never received (e.g. it belongs to a different store).
func (s *Store[T]) TakeAll(handles []Handle) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(handles))
	for _, h := range handles {
		if item, ok := s.items[h]; ok {
			out = append(out, item)
			delete(s.items, h)
		}
	}
	return out
}

// Drop removes handles without returning their items, used for the
// expired set CollectReady reports.
func (s *Store[T]) Drop(handles []Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handles {
		delete(s.items, h)
	}
}

// QueueItem is the convenience entry point §4.3.4 describes as
// queue(entities, store, item): register the handle with wl and stash
// item in store in one call, returning whether it was ready immediately.
func QueueItem[T any](wl *EntityWaitlist, store *Store[T], entities []entity.RemoteEntity, item T, now time.Time) (Handle, bool) {
	h, ready := wl.Queue(entities, now)
	store.Put(h, item)
	return h, ready
}

// CollectReadyItems pops every item whose handle is now ready from
// store, dropping expired handles from store without returning them.
func CollectReadyItems[T any](wl *EntityWaitlist, store *Store[T], now time.Time) []T {
	ready, expired := wl.CollectReady(now)
	store.Drop(expired)
	return store.TakeAll(ready)
}
