// Package versioned provides a key-value map whose writes are tagged with
// an explicit revision number.
//
// Each key keeps a short history indexed by revision. A slot that is not
// Present is a hole: the key did not exist as of that revision.
//
//	revision:   0      1      2      3
//	key "a":  [ v0  ,  v0  ,  v2  ,  -- ]   (deleted at 3)
//	key "b":  [ --  ,  --  ,  w2        ]   (created at 2)
//
// Revision 0 holds the state loaded from storage. Higher revisions are
// speculative; Collapse folds them down into a lower revision (commit)
// and Rollback discards them. The caller always passes the revision it
// is working at; the map holds no notion of a "current" revision.
package versioned

import (
	"iter"
	"slices"
)

// Slot is one revision of a key's history.
type Slot[V any] struct {
	Value   V
	Present bool
}

// Change is a key whose value differs between revision 0 and the latest
// revision.
type Change[K comparable, V any] struct {
	Key    K
	Before Slot[V]
	After  Slot[V]
}

// Map is a revisioned map. It is not safe for concurrent use.
type Map[K comparable, V any] struct {
	equal   func(a, b V) bool
	entries map[K][]Slot[V]
	order   []K
}

// NewMap creates an empty map. equal is used by Diff to decide whether a
// value changed.
func NewMap[K comparable, V any](equal func(a, b V) bool) *Map[K, V] {
	return &Map[K, V]{
		equal:   equal,
		entries: make(map[K][]Slot[V]),
	}
}

// Get returns the value of k visible at rev. A revision past the end of
// the key's history reads the latest value.
func (m *Map[K, V]) Get(k K, rev int) (V, bool) {
	h := m.entries[k]
	if len(h) == 0 {
		var zero V
		return zero, false
	}
	s := h[min(rev, len(h)-1)]
	return s.Value, s.Present
}

// Has reports whether k exists at rev.
func (m *Map[K, V]) Has(k K, rev int) bool {
	_, ok := m.Get(k, rev)
	return ok
}

// Set writes v for k at rev. It returns false without modifying the map
// when rev is older than the latest revision recorded for k.
func (m *Map[K, V]) Set(k K, v V, rev int) bool {
	return m.write(k, Slot[V]{Value: v, Present: true}, rev)
}

// Delete removes k at rev. It returns false without modifying the map
// when rev is older than the latest revision recorded for k.
func (m *Map[K, V]) Delete(k K, rev int) bool {
	if _, ok := m.entries[k]; !ok {
		return true
	}
	return m.write(k, Slot[V]{}, rev)
}

func (m *Map[K, V]) write(k K, s Slot[V], rev int) bool {
	if rev < 0 {
		return false
	}
	h, ok := m.entries[k]
	if !ok {
		h = make([]Slot[V], rev+1)
		h[rev] = s
		m.entries[k] = h
		m.order = append(m.order, k)
		return true
	}
	if rev < len(h)-1 {
		return false
	}
	last := h[len(h)-1]
	for len(h) <= rev {
		h = append(h, last)
	}
	h[rev] = s
	m.entries[k] = h
	return true
}

// Collapse folds every revision above rev into rev. Afterwards Get(k, rev)
// returns what Get(k, latest) returned before. Keys left with no present
// slot are dropped.
func (m *Map[K, V]) Collapse(rev int) {
	m.truncate(rev, true)
}

// Rollback discards every revision above rev.
func (m *Map[K, V]) Rollback(rev int) {
	m.truncate(rev, false)
}

func (m *Map[K, V]) truncate(rev int, fold bool) {
	if rev < 0 {
		rev = 0
	}
	pruned := false
	for k, h := range m.entries {
		if len(h) > rev+1 {
			if fold {
				h[rev] = h[len(h)-1]
			}
			h = slices.Clip(h[:rev+1])
			m.entries[k] = h
		}
		if allHoles(h) {
			delete(m.entries, k)
			pruned = true
		}
	}
	if pruned {
		m.order = slices.DeleteFunc(m.order, func(k K) bool {
			_, ok := m.entries[k]
			return !ok
		})
	}
}

func allHoles[V any](h []Slot[V]) bool {
	for _, s := range h {
		if s.Present {
			return false
		}
	}
	return true
}

// Keys yields, in insertion order, every key that exists at rev.
func (m *Map[K, V]) Keys(rev int) iter.Seq[K] {
	return func(yield func(K) bool) {
		for _, k := range m.order {
			if !m.Has(k, rev) {
				continue
			}
			if !yield(k) {
				return
			}
		}
	}
}

// Size returns the number of keys that exist at rev.
func (m *Map[K, V]) Size(rev int) int {
	n := 0
	for _, h := range m.entries {
		if h[min(rev, len(h)-1)].Present {
			n++
		}
	}
	return n
}

// Diff yields every key whose value at revision 0 differs from its latest
// value.
func (m *Map[K, V]) Diff() iter.Seq[Change[K, V]] {
	return func(yield func(Change[K, V]) bool) {
		for _, k := range m.order {
			h := m.entries[k]
			before, after := h[0], h[len(h)-1]
			if before.Present == after.Present &&
				(!before.Present || m.equal == nil || m.equal(before.Value, after.Value)) {
				continue
			}
			if !yield(Change[K, V]{Key: k, Before: before, After: after}) {
				return
			}
		}
	}
}

// History returns a copy of k's revision history, or nil.
func (m *Map[K, V]) History(k K) []Slot[V] {
	return slices.Clone(m.entries[k])
}

// SetHistory replaces k's history. It is used to restore a serialized
// map; an empty or all-hole history removes the key.
func (m *Map[K, V]) SetHistory(k K, h []Slot[V]) {
	_, existed := m.entries[k]
	if len(h) == 0 || allHoles(h) {
		if existed {
			delete(m.entries, k)
			m.order = slices.DeleteFunc(m.order, func(o K) bool { return o == k })
		}
		return
	}
	m.entries[k] = slices.Clone(h)
	if !existed {
		m.order = append(m.order, k)
	}
}
