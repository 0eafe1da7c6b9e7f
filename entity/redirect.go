package entity

import (
	"sync"
	"time"

	"github.com/netweave/entitysync/cmn"
)

type redirectEntry struct {
	to      OwnedLocalEntity
	expires time.Time
}

// RedirectTable rebinds an old OwnedLocalEntity to a new one during
// migration (§4.3.3). Entries expire after a TTL (default 60s, §5) and
// lookups are transitive, bounded by the table's current size to turn a
// cycle into an error instead of an infinite loop (§9 "redirect cycles").
type RedirectTable struct {
	mu      sync.RWMutex
	entries map[OwnedLocalEntity]redirectEntry
	ttl     time.Duration
}

func NewRedirectTable() *RedirectTable {
	return &RedirectTable{
		entries: make(map[OwnedLocalEntity]redirectEntry),
		ttl:     60 * time.Second,
	}
}

func NewRedirectTableTTL(ttl time.Duration) *RedirectTable {
	t := NewRedirectTable()
	t.ttl = ttl
	return t
}

// Install installs a redirect from -> to, valid for the table's TTL.
func (t *RedirectTable) Install(from, to OwnedLocalEntity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[from] = redirectEntry{to: to, expires: time.Now().Add(t.ttl)}
}

// Resolve follows installed, unexpired redirects transitively: if A->B
// and B->C are both installed, Resolve(A) = C (§8 "Redirect
// transitivity"). The traversal is bounded by the current table size;
// exceeding it is treated as a cycle (§9).
func (t *RedirectTable) Resolve(from OwnedLocalEntity) (OwnedLocalEntity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cur := from
	limit := len(t.entries) + 1
	for i := 0; i < limit; i++ {
		entry, ok := t.entries[cur]
		if !ok {
			return cur, nil
		}
		if time.Now().After(entry.expires) {
			return cur, nil
		}
		cur = entry.to
	}
	return OwnedLocalEntity{}, cmn.NewErrRedirectCycle()
}

// Expire drops entries past their TTL, mirroring the waitlist's own TTL
// sweep (§4.3.4). Resolve already ignores an expired entry on lookup,
// so Expire only reclaims the entries' memory.
func (t *RedirectTable) Expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.entries {
		if now.After(v.expires) {
			delete(t.entries, k)
		}
	}
}

func (t *RedirectTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
