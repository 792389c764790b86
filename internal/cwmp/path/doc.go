// Package path implements the hierarchical parameter names used throughout
// the ACS reconciliation engine.
//
// A Path is an ordered list of segments. Each segment is one of:
//
//   - a literal name ("Device", "WANDevice", "1")
//   - the wildcard token "*", matching any single segment
//   - an alias group "[SubPath:value,...]", matching any object instance
//     whose SubPath parameter currently holds value
//
// Paths are immutable and interned: every Path is created through an
// Interner, which guarantees that two paths with the same canonical string
// are the same *Path while they live in the same cache epoch. Interned
// paths can therefore be compared with == and used as map keys.
//
// # Interning lifecycle
//
//	┌─────────────┐  Rotate()  ┌─────────────┐  Rotate()
//	│   current   │ ─────────▶ │  previous   │ ─────────▶ dropped
//	└─────────────┘            └─────────────┘
//	       ▲                          │
//	       └──── promoted on lookup ──┘
//
// Rotation never changes the identity of a Path a caller already holds; it
// only affects which instance a later Parse returns once the old one has
// aged out of both generations. Run rotates on a fixed interval.
//
// # Canonical form
//
// Segments are joined with ".". Alias pairs are sorted by sub-path string,
// then by value, and whitespace around alias tokens is dropped, so
//
//	a.[ x : 1 , y : 2 ]   and   a.[y:2,x:1]
//
// both render as "a.[x:1,y:2]". Values that would not survive a round trip
// as bare tokens are JSON-quoted.
package path
