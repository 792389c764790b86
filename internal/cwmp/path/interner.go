package path

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRotation is the interval at which Run ages out unused paths.
const DefaultRotation = 2 * time.Minute

// Interner owns the canonical instances of Path values.
//
// It keeps two generations of cached paths. A lookup that hits the
// previous generation promotes the path to the current one, so paths in
// active use survive any number of rotations.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Path values themselves are immutable.
type Interner struct {
	mu       sync.Mutex
	current  map[string]*Path
	previous map[string]*Path
	root     *Path
}

// NewInterner creates an empty interner.
func NewInterner() *Interner {
	in := &Interner{
		current:  make(map[string]*Path),
		previous: make(map[string]*Path),
	}
	in.root = &Path{interner: in}
	return in
}

// Root returns the zero-length path.
func (in *Interner) Root() *Path { return in.root }

// Parse returns the interned Path for s.
//
// Parameters:
//   - s: dotted path, possibly with "*" and "[sub:value,...]" segments
//
// Returns:
//   - *Path: the canonical instance
//   - error: ErrEmptySegment, ErrIllegalCharacter, ErrUnbalancedBrackets,
//     ErrUnterminatedQuote, ErrInvalidAlias or ErrTooLong
func (in *Interner) Parse(s string) (*Path, error) {
	if s == "" {
		return in.root, nil
	}
	if p, ok := in.lookup(s); ok {
		return p, nil
	}
	segs, err := in.parseSegments(s)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", s, err)
	}
	if len(segs) > MaxSegments {
		return nil, fmt.Errorf("parsing %q: %w", s, ErrTooLong)
	}
	p := in.intern(segs)
	if p.str != s {
		in.store(s, p)
	}
	return p, nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// compile-time constant paths.
func (in *Interner) MustParse(s string) *Path {
	p, err := in.Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Rotate moves the current generation to the previous one and drops the
// old previous generation.
func (in *Interner) Rotate() {
	in.mu.Lock()
	in.previous = in.current
	in.current = make(map[string]*Path, len(in.previous))
	in.mu.Unlock()
}

// Clear drops both generations.
func (in *Interner) Clear() {
	in.mu.Lock()
	in.previous = make(map[string]*Path)
	in.current = make(map[string]*Path)
	in.mu.Unlock()
}

// Len returns the number of cached keys across both generations.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.current) + len(in.previous)
}

// Run rotates the cache every interval until ctx is cancelled.
func (in *Interner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultRotation
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in.Rotate()
		}
	}
}

func (in *Interner) lookup(key string) (*Path, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.current[key]; ok {
		return p, true
	}
	if p, ok := in.previous[key]; ok {
		in.current[key] = p
		return p, true
	}
	return nil, false
}

func (in *Interner) store(key string, p *Path) {
	in.mu.Lock()
	in.current[key] = p
	in.mu.Unlock()
}

// intern returns the canonical instance for segs, creating it if needed.
func (in *Interner) intern(segs []Segment) *Path {
	if len(segs) == 0 {
		return in.root
	}
	str, wildcard, alias := joinSegments(segs)

	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.current[str]; ok {
		return p
	}
	if p, ok := in.previous[str]; ok {
		in.current[str] = p
		return p
	}
	owned := make([]Segment, len(segs))
	copy(owned, segs)
	p := &Path{
		segments: owned,
		wildcard: wildcard,
		alias:    alias,
		str:      str,
		interner: in,
	}
	in.current[str] = p
	return p
}
