// Package pathset indexes the concrete and wildcard paths known for one
// device so that pattern queries do not have to scan the whole tree.
//
// Two indexes are maintained:
//
//	byLength:   len(path)           → {paths}
//	fragments:  depth → segment     → {paths}
//
// Exact lookups intersect the fragment sets of every segment, starting
// with the smallest. Pattern lookups do the same with per-depth unions
// (a literal plus "*" when wildcard relaxations are requested).
package pathset

import (
	"errors"
	"slices"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// ErrAliasedPath is returned by Add for paths with alias segments. Aliases
// must be resolved or stripped before a path is indexed.
var ErrAliasedPath = errors.New("pathset: aliased path cannot be indexed")

// Unbounded is a depth large enough to match any stored path.
const Unbounded = path.MaxSegments

type members map[*path.Path]struct{}

// Set is an append-only index of paths. It is not safe for concurrent use;
// each session owns its own Set.
type Set struct {
	byLength  []members
	fragments []map[string]members
	paths     []*path.Path
}

// New creates an empty Set.
func New() *Set {
	return &Set{}
}

// Len returns the number of distinct paths stored.
func (s *Set) Len() int { return len(s.paths) }

// All returns every stored path in insertion order.
func (s *Set) All() []*path.Path {
	return slices.Clone(s.paths)
}

// Add stores p and returns the stored instance for its canonical form.
func (s *Set) Add(p *path.Path) (*path.Path, error) {
	if p.Alias() != 0 {
		return nil, ErrAliasedPath
	}
	if existing := s.Get(p); existing != nil {
		return existing, nil
	}

	n := p.Len()
	for len(s.byLength) <= n {
		s.byLength = append(s.byLength, members{})
	}
	s.byLength[n][p] = struct{}{}

	for i := 0; i < n; i++ {
		if len(s.fragments) <= i {
			s.fragments = append(s.fragments, map[string]members{})
		}
		key := p.Segment(i).String()
		set := s.fragments[i][key]
		if set == nil {
			set = members{}
			s.fragments[i][key] = set
		}
		set[p] = struct{}{}
	}
	s.paths = append(s.paths, p)
	return p, nil
}

// Get returns the stored path equal to p, or nil.
func (s *Set) Get(p *path.Path) *path.Path {
	n := p.Len()
	if n >= len(s.byLength) || len(s.byLength[n]) == 0 {
		return nil
	}
	if n == 0 {
		for stored := range s.byLength[0] {
			return stored
		}
	}

	sets := make([]members, 0, n)
	for i := 0; i < n; i++ {
		set := s.fragments[i][p.Segment(i).String()]
		if len(set) == 0 {
			return nil
		}
		sets = append(sets, set)
	}
	slices.SortFunc(sets, func(a, b members) int { return len(a) - len(b) })

	for candidate := range sets[0] {
		if candidate.Len() != n {
			continue
		}
		if inAll(candidate, sets[1:]) {
			return candidate
		}
	}
	return nil
}

// Find returns stored paths matching pattern, sorted with path.Compare.
//
// Parameters:
//   - superset: a literal pattern segment also matches a stored "*"
//   - subset: a "*" pattern segment also matches any stored literal
//   - depth: maximum length of a returned path; 0 means pattern.Len()
//
// Alias segments in pattern are treated as "*". A pattern "*" segment
// always matches a stored "*".
func (s *Set) Find(pattern *path.Path, superset, subset bool, depth int) []*path.Path {
	minLen := pattern.Len()
	maxLen := depth
	if maxLen < minLen {
		maxLen = minLen
	}
	if maxLen >= len(s.byLength) {
		maxLen = len(s.byLength) - 1
	}
	if minLen > maxLen {
		return nil
	}

	var filters [][]members
	for i := 0; i < pattern.Len(); i++ {
		if i >= len(s.fragments) {
			return nil
		}
		seg := pattern.Segment(i)
		var union []members
		if seg.IsWildcard() || seg.IsAlias() {
			if subset {
				continue
			}
			if set := s.fragments[i]["*"]; len(set) > 0 {
				union = append(union, set)
			}
		} else {
			if set := s.fragments[i][seg.String()]; len(set) > 0 {
				union = append(union, set)
			}
			if superset {
				if set := s.fragments[i]["*"]; len(set) > 0 {
					union = append(union, set)
				}
			}
		}
		if len(union) == 0 {
			return nil
		}
		filters = append(filters, union)
	}

	lengths := s.byLength[minLen : maxLen+1]
	if len(filters) == 0 {
		filters = append(filters, lengths)
	}
	slices.SortFunc(filters, func(a, b []members) int { return unionSize(a) - unionSize(b) })

	var out []*path.Path
	for _, set := range filters[0] {
		for candidate := range set {
			if n := candidate.Len(); n < minLen || n > maxLen {
				continue
			}
			if inAllUnions(candidate, filters[1:]) {
				out = append(out, candidate)
			}
		}
	}
	slices.SortFunc(out, path.Compare)
	return out
}

func inAll(p *path.Path, sets []members) bool {
	for _, set := range sets {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func inAllUnions(p *path.Path, unions [][]members) bool {
	for _, union := range unions {
		found := false
		for _, set := range union {
			if _, ok := set[p]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func unionSize(union []members) int {
	n := 0
	for _, set := range union {
		n += len(set)
	}
	return n
}
