package channel

import (
	"encoding/binary"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/netweave/entitysync/wrapping"
)

// dedupFilter is a fast-reject probabilistic gate in front of the exact
// MessageIndex window check every reliable/unreliable receiver performs
// (SPEC_FULL.md §1.2). A negative answer ("definitely new") skips the
// exact check's map probe; a positive answer still falls through to the
// authoritative check, since a cuckoo filter can false-positive but
// never false-negative.
type dedupFilter struct {
	cf *cuckoo.Filter
}

func newDedupFilter(capacity uint) *dedupFilter {
	return &dedupFilter{cf: cuckoo.NewFilter(capacity)}
}

func key(idx wrapping.U16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(idx))
	return b[:]
}

// MaybeSeen reports whether idx might already have been observed. false
// is authoritative ("definitely not seen"); true requires the caller to
// still consult its exact dedup structure.
func (d *dedupFilter) MaybeSeen(idx wrapping.U16) bool {
	return d.cf.Lookup(key(idx))
}

func (d *dedupFilter) MarkSeen(idx wrapping.U16) {
	d.cf.InsertUnique(key(idx))
}

func (d *dedupFilter) Forget(idx wrapping.U16) {
	d.cf.Delete(key(idx))
}
