package task

import "github.com/yuuki/xio-rdma-core/internal/xerr"

// RKeyPair is one (old_rkey, new_rkey) translation entry (spec.md §3, §4.5).
type RKeyPair struct {
	Old uint32
	New uint32
}

// RKeyTable is the array of (old_rkey -> new_rkey) pairs a Connection
// owns during and after a dup2 re-home (spec.md §3 RKeyTbl entity).
// Two independent instances exist per Connection: rkey_tbl records keys
// this side re-registered; peer_rkey_tbl records keys the peer granted
// that now need translating on inbound descriptors (spec.md §4.5).
type RKeyTable struct {
	pairs []RKeyPair
}

// NewRKeyTable returns an empty table with room for capacity entries.
func NewRKeyTable(capacity int) *RKeyTable {
	return &RKeyTable{pairs: make([]RKeyPair, 0, capacity)}
}

// Record stores an (old, new) pair, overwriting any existing entry for
// old so repeated dup2 calls don't accumulate stale chains.
func (t *RKeyTable) Record(old, new uint32) {
	for i, p := range t.pairs {
		if p.Old == old {
			t.pairs[i].New = new
			return
		}
	}
	t.pairs = append(t.pairs, RKeyPair{Old: old, New: new})
}

// Translate looks up old in the table. A zero key is always translated
// to zero unchanged (spec.md §8 property 4); any other unknown key is
// KindRkeyUnknown.
func (t *RKeyTable) Translate(old uint32) (uint32, error) {
	if old == 0 {
		return 0, nil
	}
	for _, p := range t.pairs {
		if p.Old == old {
			return p.New, nil
		}
	}
	return 0, xerr.New(xerr.KindRkeyUnknown, "Translate", nil)
}

// Len reports the number of recorded pairs, for tests.
func (t *RKeyTable) Len() int { return len(t.pairs) }

// Pairs returns a copy of the recorded pairs, for tests/metrics.
func (t *RKeyTable) Pairs() []RKeyPair {
	out := make([]RKeyPair, len(t.pairs))
	copy(out, t.pairs)
	return out
}
