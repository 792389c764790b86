package devicedata

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/pathset"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/versioned"
)

// ErrStaleRevision is returned when a write targets a revision older than
// the latest one recorded for a path.
var ErrStaleRevision = errors.New("devicedata: write at stale revision")

// DeviceData is the cached parameter tree of one device.
//
// Timestamps maps every known path, including wildcard paths, to the last
// time its existence (or, for a wildcard, the full list of its matches)
// was confirmed. Attributes maps concrete paths to their attribute record;
// a concrete path exists at a revision iff it has attributes there.
type DeviceData struct {
	Paths      *pathset.Set
	Timestamps *versioned.Map[*path.Path, int64]
	Attributes *versioned.Map[*path.Path, Attributes]
	// Trackers maps a watched path to tracker names and the attribute
	// kinds each one watches.
	Trackers map[*path.Path]map[string]Flags
	// Changes holds the names of trackers that fired.
	Changes map[string]struct{}
}

// New creates an empty DeviceData.
func New() *DeviceData {
	return &DeviceData{
		Paths:      pathset.New(),
		Timestamps: versioned.NewMap[*path.Path](func(a, b int64) bool { return a == b }),
		Attributes: versioned.NewMap[*path.Path](Attributes.Equal),
		Trackers:   make(map[*path.Path]map[string]Flags),
		Changes:    make(map[string]struct{}),
	}
}

// canonical returns the stored path equal to p. Paths parsed after the
// interner rotated are distinct pointers from the stored keys.
func (d *DeviceData) canonical(p *path.Path) *path.Path {
	if stored := d.Paths.Get(p); stored != nil {
		return stored
	}
	return p
}

// Timestamp returns the confirmation time of p at rev, or 0.
func (d *DeviceData) Timestamp(p *path.Path, rev int) int64 {
	ts, _ := d.Timestamps.Get(d.canonical(p), rev)
	return ts
}

// Get returns the attributes of p at rev.
func (d *DeviceData) Get(p *path.Path, rev int) (Attributes, bool) {
	return d.Attributes.Get(d.canonical(p), rev)
}

// Has reports whether p exists at rev.
func (d *DeviceData) Has(p *path.Path, rev int) bool {
	return d.Attributes.Has(d.canonical(p), rev)
}

// Set records that p was observed at ts with attrs. A nil attrs records
// that p no longer exists. Wildcard paths only carry a timestamp.
//
// Set returns toClear extended with the clears the caller must apply once
// the whole batch of sets is done.
func (d *DeviceData) Set(rev int, p *path.Path, ts int64, attrs *Attributes, toClear []Clear) ([]Clear, error) {
	stored, err := d.Paths.Add(p)
	if err != nil {
		return toClear, fmt.Errorf("setting %s: %w", p, err)
	}
	p = stored

	if p.Wildcard() != 0 || attrs == nil {
		if p.Wildcard() != 0 && ts > d.Timestamp(p, rev) {
			if !d.Timestamps.Set(p, ts, rev) {
				return toClear, fmt.Errorf("setting %s: %w", p, ErrStaleRevision)
			}
		}
		return append(toClear, Clear{Path: p, Timestamp: ts}), nil
	}

	cur, exists := d.Attributes.Get(p, rev)
	next := cur
	var changed Flags
	if !exists {
		changed |= FlagExist
	}

	if a := attrs.Object; a != nil && (next.Object == nil || a.Timestamp > next.Object.Timestamp) {
		if next.Object == nil || next.Object.Value != a.Value {
			changed |= FlagObject
		}
		next.Object = &TimedBool{Timestamp: a.Timestamp, Value: a.Value}
	}
	if a := attrs.Writable; a != nil && (next.Writable == nil || a.Timestamp > next.Writable.Timestamp) {
		if next.Writable == nil || next.Writable.Value != a.Value {
			changed |= FlagWritable
		}
		next.Writable = &TimedBool{Timestamp: a.Timestamp, Value: a.Value}
	}
	if a := attrs.Value; a != nil && (next.Value == nil || a.Timestamp > next.Value.Timestamp) {
		if next.Value == nil || !next.Value.Value.Equal(a.Value) {
			changed |= FlagValue
		}
		next.Value = &TimedValue{Timestamp: a.Timestamp, Value: a.Value}
	}

	// A value implies a leaf; a newer object=true discards the value.
	if next.Value != nil && (next.Object == nil || next.Object.Timestamp < next.Value.Timestamp) {
		if next.Object == nil || next.Object.Value {
			changed |= FlagObject
		}
		next.Object = &TimedBool{Timestamp: next.Value.Timestamp, Value: false}
	}
	if next.Object != nil && next.Object.Value && next.Value != nil && next.Value.Timestamp < next.Object.Timestamp {
		next.Value = nil
		changed |= FlagValue
	}
	if next.Kind() == KindLeaf && (cur.Object == nil || cur.Object.Value) {
		toClear = append(toClear, Clear{Path: p.ChildWildcard(), Timestamp: next.Object.Timestamp})
	}

	if !d.Attributes.Set(p, next, rev) {
		return toClear, fmt.Errorf("setting %s: %w", p, ErrStaleRevision)
	}
	if curTs := d.Timestamp(p, rev); ts > curTs {
		d.Timestamps.Set(p, ts, rev)
	}

	if p.Len() > 1 {
		parent := p.Parent()
		pa, ok := d.Attributes.Get(parent, rev)
		if !ok || d.Timestamp(parent, rev) < ts || pa.Object == nil || !pa.Object.Value || pa.Object.Timestamp < ts {
			toClear, err = d.Set(rev, parent, ts, &Attributes{Object: &TimedBool{Timestamp: ts, Value: true}}, toClear)
			if err != nil {
				return toClear, err
			}
		}
	}

	d.notify(p, changed)
	return toClear, nil
}

// Clear applies c at rev.
//
// With a timestamp, every stored path matching c.Path (including its
// subtree and broader wildcard entries) that was last confirmed before
// c.Timestamp is deleted, unless the instance it belongs to at depth
// c.Path.Len() was itself confirmed since then.
func (d *DeviceData) Clear(rev int, c Clear) error {
	if c.Timestamp > 0 {
		n := c.Path.Len()
		for _, m := range d.Paths.Find(c.Path, true, true, pathset.Unbounded) {
			ts, ok := d.Timestamps.Get(m, rev)
			hasAttrs := d.Attributes.Has(m, rev)
			if !ok && !hasAttrs {
				continue
			}
			if ts >= c.Timestamp {
				continue
			}
			if m.Len() > n {
				if prefix := d.Paths.Get(m.Slice(0, n)); prefix != nil && d.Timestamp(prefix, rev) >= c.Timestamp {
					continue
				}
			}
			if !d.Timestamps.Delete(m, rev) || !d.Attributes.Delete(m, rev) {
				return fmt.Errorf("clearing %s: %w", m, ErrStaleRevision)
			}
			if hasAttrs {
				d.notify(m, FlagExist)
			}
		}
	}

	if c.Attributes != nil && !c.Attributes.IsZero() {
		for _, m := range d.Paths.Find(c.Path, false, true, c.Path.Len()) {
			attrs, ok := d.Attributes.Get(m, rev)
			if !ok {
				continue
			}
			var changed Flags
			if attrs.Object != nil && attrs.Object.Timestamp < c.Attributes.Object {
				attrs.Object = nil
				changed |= FlagObject
			}
			if attrs.Writable != nil && attrs.Writable.Timestamp < c.Attributes.Writable {
				attrs.Writable = nil
				changed |= FlagWritable
			}
			if attrs.Value != nil && attrs.Value.Timestamp < c.Attributes.Value {
				attrs.Value = nil
				changed |= FlagValue
			}
			if changed == 0 {
				continue
			}
			if !d.Attributes.Set(m, attrs, rev) {
				return fmt.Errorf("clearing %s: %w", m, ErrStaleRevision)
			}
			d.notify(m, changed)
		}
	}

	if c.Changes != 0 {
		for _, m := range d.Paths.Find(c.Path, true, true, c.Path.Len()) {
			d.notify(m, c.Changes)
		}
	}
	return nil
}

// ApplyClears applies clears in order.
func (d *DeviceData) ApplyClears(rev int, clears []Clear) error {
	for _, c := range clears {
		if err := d.Clear(rev, c); err != nil {
			return err
		}
	}
	return nil
}

// Track registers tracker name on p for the given attribute kinds. Alias
// segments are widened to wildcards.
func (d *DeviceData) Track(p *path.Path, name string, flags Flags) error {
	p, err := d.Paths.Add(p.StripAlias())
	if err != nil {
		return fmt.Errorf("tracking %s: %w", name, err)
	}
	t := d.Trackers[p]
	if t == nil {
		t = make(map[string]Flags)
		d.Trackers[p] = t
	}
	t[name] |= flags
	return nil
}

// ClearTrackers removes tracker name everywhere and forgets that it fired.
func (d *DeviceData) ClearTrackers(name string) {
	for p, t := range d.Trackers {
		delete(t, name)
		if len(t) == 0 {
			delete(d.Trackers, p)
		}
	}
	delete(d.Changes, name)
}

// Changed reports whether tracker name fired.
func (d *DeviceData) Changed(name string) bool {
	_, ok := d.Changes[name]
	return ok
}

func (d *DeviceData) notify(p *path.Path, flags Flags) {
	if flags == 0 || len(d.Trackers) == 0 {
		return
	}
	for _, tp := range d.Paths.Find(p, true, false, p.Len()) {
		for name, watch := range d.Trackers[tp] {
			if watch&flags != 0 {
				d.Changes[name] = struct{}{}
			}
		}
	}
}

// Unpack resolves a pattern into the concrete paths it currently refers
// to, sorted with path.Compare.
//
// Wildcards match every existing instance. An alias segment matches the
// instances whose children hold the listed values. Literal segments after
// the last alias are appended whether or not the resulting path exists.
func (d *DeviceData) Unpack(p *path.Path, rev int) []*path.Path {
	if p.Alias() == 0 {
		if p.Wildcard() == 0 {
			if stored := d.Paths.Get(p); stored != nil && d.Attributes.Has(stored, rev) {
				return []*path.Path{stored}
			}
			return nil
		}
		var out []*path.Path
		for _, m := range d.Paths.Find(p, false, true, p.Len()) {
			if m.Wildcard() == 0 && d.Attributes.Has(m, rev) {
				out = append(out, m)
			}
		}
		return out
	}

	i := bits.Len64(p.Alias()) - 1
	bases := []*path.Path{p.Slice(0, i)}
	if i > 0 {
		bases = d.Unpack(bases[0], rev)
	}

	pairs := p.Segment(i).Pairs()
	var matched []*path.Path
	for _, base := range bases {
		for _, child := range d.Paths.Find(base.ChildWildcard(), false, true, i+1) {
			if child.Wildcard() != 0 || !d.Attributes.Has(child, rev) {
				continue
			}
			if d.matchesAlias(child, pairs, rev) {
				matched = append(matched, child)
			}
		}
	}

	tail := p.Slice(i+1, p.Len())
	if tail.Len() == 0 {
		slices.SortFunc(matched, path.Compare)
		return matched
	}

	var out []*path.Path
	for _, m := range matched {
		full := m.Concat(tail)
		if tail.Wildcard() == 0 {
			out = append(out, full)
			continue
		}
		out = append(out, d.Unpack(full, rev)...)
	}
	slices.SortFunc(out, path.Compare)
	return slices.Compact(out)
}

func (d *DeviceData) matchesAlias(instance *path.Path, pairs []path.AliasPair, rev int) bool {
	for _, pair := range pairs {
		found := false
		for _, target := range d.Unpack(instance.Concat(pair.Path), rev) {
			attrs, ok := d.Attributes.Get(target, rev)
			if !ok || attrs.Value == nil {
				continue
			}
			stored := Sanitize(attrs.Value.Value)
			want := Sanitize(Value{Raw: pair.Value, Type: stored.Type})
			if rawEqual(want.Raw, stored.Raw) {
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

// Commit folds every revision above rev into rev.
func (d *DeviceData) Commit(rev int) {
	d.Timestamps.Collapse(rev)
	d.Attributes.Collapse(rev)
}

// Rollback discards every revision above rev.
func (d *DeviceData) Rollback(rev int) {
	d.Timestamps.Rollback(rev)
	d.Attributes.Rollback(rev)
}
