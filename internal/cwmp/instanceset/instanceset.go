// Package instanceset holds candidate object instances, each described by
// the values of a few of its child parameters, and matches them against
// alias constraints.
package instanceset

import (
	"maps"
	"slices"
)

// Instance maps a child parameter name (relative to the instance) to its
// sanitized value. Values must be comparable: bool, int64 or string.
type Instance map[string]any

// Matches reports whether every key of want is present in inst with an
// equal value.
func (inst Instance) Matches(want Instance) bool {
	for k, v := range want {
		got, ok := inst[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// Set is an ordered collection of instances.
type Set struct {
	items []Instance
}

// New creates an empty Set.
func New() *Set { return &Set{} }

// Add appends inst.
func (s *Set) Add(inst Instance) { s.items = append(s.items, inst) }

// Delete removes the first member equal to inst.
func (s *Set) Delete(inst Instance) {
	for i, m := range s.items {
		if maps.Equal(m, inst) {
			s.items = slices.Delete(s.items, i, i+1)
			return
		}
	}
}

// Len returns the number of instances.
func (s *Set) Len() int { return len(s.items) }

// All returns the instances in insertion order.
func (s *Set) All() []Instance { return slices.Clone(s.items) }

// Superset returns the members that carry at least the keys and values of
// inst.
func (s *Set) Superset(inst Instance) []Instance {
	var out []Instance
	for _, m := range s.items {
		if m.Matches(inst) {
			out = append(out, m)
		}
	}
	return out
}

// Subset returns the members whose keys and values are all present in
// inst.
func (s *Set) Subset(inst Instance) []Instance {
	var out []Instance
	for _, m := range s.items {
		if inst.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}
