// Package waitlist defers delivery of anything that references a
// remote entity not yet in scope, releasing it once every required
// entity has been observed spawned, and expiring it after a TTL
// (§4.3.4 "EntityWaitlist").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package waitlist

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/entity"
)

// Handle identifies one queued item independent of what kind of thing
// it is — a delivered message, a component insert, a field update —
// so a single EntityWaitlist can gate several stores at once.
type Handle uint64

const defaultTTL = 60 * time.Second

// EntityWaitlist tracks, for every queued handle, the set of
// RemoteEntity values it is still waiting on, and the reverse index
// from entity to the handles blocked on it.
type EntityWaitlist struct {
	mu sync.Mutex

	nextHandle Handle
	required   map[Handle]map[entity.RemoteEntity]struct{}
	waitingOn  map[entity.RemoteEntity]map[Handle]struct{}
	inScope    map[entity.RemoteEntity]struct{}
	queuedAt   map[Handle]time.Time
	ready      map[Handle]struct{}

	ttl time.Duration
}

func New() *EntityWaitlist { return NewWithTTL(defaultTTL) }

func NewWithTTL(ttl time.Duration) *EntityWaitlist {
	return &EntityWaitlist{
		required:  make(map[Handle]map[entity.RemoteEntity]struct{}),
		waitingOn: make(map[entity.RemoteEntity]map[Handle]struct{}),
		inScope:   make(map[entity.RemoteEntity]struct{}),
		queuedAt:  make(map[Handle]time.Time),
		ready:     make(map[Handle]struct{}),
		ttl:       ttl,
	}
}

// Queue registers a new handle waiting on entities, marking it ready
// immediately if every entity is already in scope.
func (w *EntityWaitlist) Queue(entities []entity.RemoteEntity, now time.Time) (Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextHandle++
	h := w.nextHandle
	w.queuedAt[h] = now

	pending := make(map[entity.RemoteEntity]struct{})
	for _, e := range entities {
		if _, inScope := w.inScope[e]; inScope {
			continue
		}
		pending[e] = struct{}{}
		if w.waitingOn[e] == nil {
			w.waitingOn[e] = make(map[Handle]struct{})
		}
		w.waitingOn[e][h] = struct{}{}
	}

	if len(pending) == 0 {
		w.ready[h] = struct{}{}
		return h, true
	}
	w.required[h] = pending
	return h, false
}

// AddEntity marks e as in scope and promotes every handle whose
// requirement set becomes fully satisfied as a result.
func (w *EntityWaitlist) AddEntity(e entity.RemoteEntity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inScope[e] = struct{}{}

	for h := range w.waitingOn[e] {
		pending := w.required[h]
		delete(pending, e)
		if len(pending) == 0 {
			delete(w.required, h)
			w.ready[h] = struct{}{}
		}
	}
	delete(w.waitingOn, e)
}

// RemoveEntity takes e back out of scope, e.g. on despawn, so future
// Queue calls referencing it wait again. Handles already released are
// unaffected.
func (w *EntityWaitlist) RemoveEntity(e entity.RemoteEntity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inScope, e)
}

// CollectReady returns and clears every handle now ready, plus every
// handle that expired (queued longer than the TTL and still unready);
// the caller is expected to drop an expired handle's item from its
// store without attempting delivery.
func (w *EntityWaitlist) CollectReady(now time.Time) (ready []Handle, expired []Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for h := range w.ready {
		ready = append(ready, h)
		delete(w.ready, h)
		delete(w.queuedAt, h)
	}
	for h, pending := range w.required {
		if now.Sub(w.queuedAt[h]) < w.ttl {
			continue
		}
		expired = append(expired, h)
		delete(w.required, h)
		delete(w.queuedAt, h)
		for e := range pending {
			delete(w.waitingOn[e], h)
		}
	}
	return ready, expired
}

func (w *EntityWaitlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.required) + len(w.ready)
}
