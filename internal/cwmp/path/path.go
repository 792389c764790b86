package path

import (
	"strings"
)

// MaxSegments is the longest path supported. Wildcard and alias positions
// are tracked in 64-bit masks.
const MaxSegments = 64

// SegmentKind distinguishes literal, wildcard and alias segments.
type SegmentKind uint8

const (
	// Literal is a concrete name such as "Device" or "1".
	Literal SegmentKind = iota
	// Wildcard is the "*" token.
	Wildcard
	// Alias is a bracketed group of (sub-path, value) constraints.
	Alias
)

// AliasPair is one constraint of an alias segment: the instance's child at
// Path must hold Value.
type AliasPair struct {
	Path  *Path
	Value string
}

// Segment is one element of a Path.
type Segment struct {
	kind  SegmentKind
	name  string
	pairs []AliasPair
	str   string
}

// Kind returns the segment kind.
func (s Segment) Kind() SegmentKind { return s.kind }

// IsWildcard reports whether the segment is "*".
func (s Segment) IsWildcard() bool { return s.kind == Wildcard }

// IsAlias reports whether the segment is an alias group.
func (s Segment) IsAlias() bool { return s.kind == Alias }

// Name returns the literal name. It is empty for wildcard and alias segments.
func (s Segment) Name() string { return s.name }

// Pairs returns the alias constraints in canonical order. The returned
// slice must not be modified.
func (s Segment) Pairs() []AliasPair { return s.pairs }

// String returns the canonical form of the segment.
func (s Segment) String() string { return s.str }

// Path is an immutable, interned parameter name.
//
// Paths are only created by an Interner (Parse, Root) or derived from an
// existing Path (Slice, Concat, StripAlias, Child); derived paths are
// interned by the same Interner as their source.
type Path struct {
	segments []Segment
	wildcard uint64
	alias    uint64
	str      string
	interner *Interner
}

// Len returns the number of segments.
func (p *Path) Len() int { return len(p.segments) }

// Segment returns the i-th segment.
func (p *Path) Segment(i int) Segment { return p.segments[i] }

// Wildcard returns a bitmask with bit i set when segment i is "*".
func (p *Path) Wildcard() uint64 { return p.wildcard }

// Alias returns a bitmask with bit i set when segment i is an alias group.
func (p *Path) Alias() uint64 { return p.alias }

// String returns the canonical string form. The root path renders as "".
func (p *Path) String() string { return p.str }

// MarshalText implements encoding.TextMarshaler.
func (p *Path) MarshalText() ([]byte, error) { return []byte(p.str), nil }

// Interner returns the interner that owns this path.
func (p *Path) Interner() *Interner { return p.interner }

// Slice returns the sub-path of segments [start, end).
func (p *Path) Slice(start, end int) *Path {
	if start < 0 {
		start = 0
	}
	if end > len(p.segments) {
		end = len(p.segments)
	}
	if start == 0 && end == len(p.segments) {
		return p
	}
	if start >= end {
		return p.interner.Root()
	}
	return p.interner.intern(p.segments[start:end])
}

// Parent returns the path without its last segment, or nil for the root.
func (p *Path) Parent() *Path {
	if len(p.segments) == 0 {
		return nil
	}
	return p.Slice(0, len(p.segments)-1)
}

// Concat returns p followed by other.
func (p *Path) Concat(other *Path) *Path {
	if other.Len() == 0 {
		return p
	}
	if p.Len() == 0 {
		return p.interner.intern(other.segments)
	}
	segs := make([]Segment, 0, len(p.segments)+len(other.segments))
	segs = append(segs, p.segments...)
	segs = append(segs, other.segments...)
	return p.interner.intern(segs)
}

// Child returns p with one more literal segment. The name "*" yields a
// wildcard segment.
func (p *Path) Child(name string) (*Path, error) {
	if name == "*" {
		return p.ChildWildcard(), nil
	}
	if err := validateLiteral(name); err != nil {
		return nil, err
	}
	segs := make([]Segment, 0, len(p.segments)+1)
	segs = append(segs, p.segments...)
	segs = append(segs, literalSegment(name))
	return p.interner.intern(segs), nil
}

// ChildWildcard returns p.*.
func (p *Path) ChildWildcard() *Path {
	segs := make([]Segment, 0, len(p.segments)+1)
	segs = append(segs, p.segments...)
	segs = append(segs, wildcardSegment)
	return p.interner.intern(segs)
}

// StripAlias replaces every alias segment with "*".
func (p *Path) StripAlias() *Path {
	if p.alias == 0 {
		return p
	}
	segs := make([]Segment, len(p.segments))
	for i, s := range p.segments {
		if s.kind == Alias {
			segs[i] = wildcardSegment
		} else {
			segs[i] = s
		}
	}
	return p.interner.intern(segs)
}

// HasPrefix reports whether the first prefix.Len() segments of p equal
// prefix segment for segment.
func (p *Path) HasPrefix(prefix *Path) bool {
	if prefix.Len() > p.Len() {
		return false
	}
	for i := range prefix.segments {
		if p.segments[i].str != prefix.segments[i].str {
			return false
		}
	}
	return true
}

var wildcardSegment = Segment{kind: Wildcard, str: "*"}

func literalSegment(name string) Segment {
	return Segment{kind: Literal, name: name, str: name}
}

func aliasSegment(pairs []AliasPair) Segment {
	var b strings.Builder
	b.WriteByte('[')
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pair.Path.String())
		b.WriteByte(':')
		b.WriteString(encodeAliasValue(pair.Value))
	}
	b.WriteByte(']')
	return Segment{kind: Alias, pairs: pairs, str: b.String()}
}

// joinSegments renders the canonical string and the two bitmasks.
func joinSegments(segs []Segment) (str string, wildcard, alias uint64) {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.str)
		switch s.kind {
		case Wildcard:
			wildcard |= 1 << uint(i)
		case Alias:
			alias |= 1 << uint(i)
		}
	}
	return b.String(), wildcard, alias
}
