// Package gpn estimates how many GetParameterNames calls a one-level-at-a-
// time discovery of a set of subtrees would take, and uses the estimate to
// choose between a shallow and a deep probe.
package gpn

import "github.com/nerrad567/gray-logic-acs/internal/cwmp/path"

// Pattern is a path that still needs discovery. Bit i of Undiscovered is
// set when the level at depth i under the pattern has not been listed.
type Pattern struct {
	Path         *path.Path
	Undiscovered uint64
}

// Tuning holds the constants of the estimate.
type Tuning struct {
	// WildcardMultiplier weights wildcard subtrees, whose fan-out is unknown.
	WildcardMultiplier int
	// UndiscoveredDepth is the depth below which nothing is explored.
	UndiscoveredDepth int
}

// DefaultTuning returns the stock constants.
func DefaultTuning() Tuning {
	return Tuning{WildcardMultiplier: 2, UndiscoveredDepth: 7}
}

// EstimateCount returns the estimated number of one-level GPN calls needed
// to discover patterns from depth onwards. It is 0 for no patterns and
// never decreases as patterns are added.
func EstimateCount(patterns []Pattern, depth int, t Tuning) int {
	if len(patterns) == 0 {
		return 0
	}

	count := 0
	for _, p := range patterns {
		if depth < 64 && p.Undiscovered&(1<<uint(depth)) != 0 {
			count = 1
			break
		}
	}
	if depth >= t.UndiscoveredDepth {
		return count
	}

	var (
		order    []string
		literals = make(map[string][]Pattern)
		wildcard []Pattern
	)
	for _, p := range patterns {
		if p.Path.Len() <= depth {
			continue
		}
		seg := p.Path.Segment(depth)
		if seg.IsWildcard() || seg.IsAlias() {
			wildcard = append(wildcard, p)
			continue
		}
		name := seg.Name()
		if _, ok := literals[name]; !ok {
			order = append(order, name)
		}
		literals[name] = append(literals[name], p)
	}

	for _, name := range order {
		group := append(literals[name], wildcard...)
		count += EstimateCount(group, depth+1, t)
	}
	if len(wildcard) > 0 {
		count += t.WildcardMultiplier * EstimateCount(wildcard, depth+1, t)
	}
	return count
}

// NextLevel reports whether a GPN rooted at a path of length pathLen
// should list one level only. A deep probe is chosen while the estimate
// stays below 2^(8-pathLen).
func NextLevel(estimate, pathLen int) bool {
	return estimate >= 1<<uint(max(0, 8-pathLen))
}
