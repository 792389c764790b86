package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/gpn"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/instanceset"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// trackerPrerequisite watches the data alias resolution depends on.
const trackerPrerequisite = "prerequisite"

// Top-level subtrees kept by the ACS rather than the device.
const (
	rootVirtualParameters = "VirtualParameters"
	rootTags              = "Tags"
	rootEvents            = "Events"
	rootDeviceID          = "DeviceID"
	rootDownloads         = "Downloads"
	rootReboot            = "Reboot"
	rootFactoryReset      = "FactoryReset"
)

// localRoot returns the local subtree p belongs to, or "" for device
// parameters.
func localRoot(p *path.Path) string {
	if p.Len() == 0 || p.Segment(0).Kind() != path.Literal {
		return ""
	}
	switch name := p.Segment(0).Name(); name {
	case rootVirtualParameters, rootTags, rootEvents, rootDeviceID,
		rootDownloads, rootReboot, rootFactoryReset:
		return name
	}
	return ""
}

// syncState is the work the declarations of a level still require.
type syncState struct {
	// gpn maps a probe root to the patterns it must discover.
	gpn map[*path.Path][]gpn.Pattern
	gpv map[*path.Path]struct{}
	spv map[*path.Path]devicedata.Value

	deletes []*path.Path
	creates []instanceCreate
	planned map[*path.Path]*instanceset.Set

	tags         map[*path.Path]bool
	localDeletes []*path.Path
	localCreates []instanceCreate
	downloads    map[*path.Path]int64
	reboot       int64
	factoryReset int64

	vpCalls []*vpCall
}

type instanceCreate struct {
	parent *path.Path
	keys   map[string]string
}

func newSyncState() *syncState {
	return &syncState{
		gpn:       make(map[*path.Path][]gpn.Pattern),
		gpv:       make(map[*path.Path]struct{}),
		spv:       make(map[*path.Path]devicedata.Value),
		planned:   make(map[*path.Path]*instanceset.Set),
		tags:      make(map[*path.Path]bool),
		downloads: make(map[*path.Path]int64),
	}
}

// probe schedules discovery of pattern below root.
func (st *syncState) probe(root, pattern *path.Path) {
	var bits uint64
	for i := root.Len(); i < pattern.Len() && i < 64; i++ {
		bits |= 1 << uint(i)
	}
	full := root.Concat(pattern.Slice(root.Len(), pattern.Len()))
	st.gpn[root] = append(st.gpn[root], gpn.Pattern{Path: full, Undiscovered: bits})
}

func (st *syncState) delete(inst *path.Path, local bool) {
	list := &st.deletes
	if local {
		list = &st.localDeletes
	}
	if !slices.Contains(*list, inst) {
		*list = append(*list, inst)
	}
}

func (st *syncState) create(parent *path.Path, keys map[string]string, local bool) {
	c := instanceCreate{parent: parent, keys: keys}
	if local {
		st.localCreates = append(st.localCreates, c)
		return
	}
	st.creates = append(st.creates, c)
}

// runDeclarations compiles the declarations of lvl into a syncState.
func (e *Engine) runDeclarations(sc *Context, lvl *level) (*syncState, error) {
	rev := lvl.Revision

	decls := slices.Clone(lvl.Declarations)
	keyDecls, err := sc.keyDeclarations(rev)
	if err != nil {
		return nil, err
	}
	decls = append(decls, keyDecls...)
	for i := range decls {
		normalize(&decls[i], sc.Timestamp)
	}

	var all []devicedata.Declaration
	for _, d := range decls {
		if d.Path.Alias() == 0 || d.PathGet == 0 {
			continue
		}
		for _, pd := range aliasDeclarations(d.Path, d.PathGet, false) {
			flags := devicedata.FlagExist
			if pd.AttrGet != nil {
				flags |= devicedata.FlagValue
			}
			if err := sc.Data.Track(pd.Path, trackerPrerequisite, flags); err != nil {
				return nil, err
			}
			all = append(all, pd)
		}
	}
	all = append(all, decls...)

	var (
		pathGets  = make(map[*path.Path]int64)
		attrGets  = make(map[*path.Path]devicedata.AttrTimestamps)
		attrSets  = make(map[*path.Path]devicedata.AttrValues)
		instances []devicedata.Declaration
	)
	for _, d := range all {
		pattern := d.Path.StripAlias()
		if d.PathGet > 0 {
			pathGets[pattern] = max(pathGets[pattern], d.PathGet)
		}
		if d.PathSet != nil {
			instances = append(instances, d)
		}
		if d.AttrGet == nil && d.AttrSet == nil {
			continue
		}
		for _, target := range sc.targets(d.Path, rev) {
			if target != pattern && d.PathGet > 0 {
				pathGets[target] = max(pathGets[target], d.PathGet)
			}
			if d.AttrGet != nil {
				attrGets[target] = attrGets[target].Max(*d.AttrGet)
			}
			if d.AttrSet != nil {
				attrSets[target] = mergeAttrSet(attrSets[target], *d.AttrSet, d.Defer)
			}
		}
	}

	st := newSyncState()
	for _, d := range instances {
		e.processInstances(sc, st, rev, d)
	}
	if err := e.processDeclarations(sc, st, rev, pathGets, attrGets, attrSets); err != nil {
		return nil, err
	}
	return st, nil
}

// mergeAttrSet folds next into cur attribute by attribute. A deferred
// attribute only fills a gap.
func mergeAttrSet(cur, next devicedata.AttrValues, deferred bool) devicedata.AttrValues {
	if next.Object != nil && (cur.Object == nil || !deferred) {
		cur.Object = next.Object
	}
	if next.Writable != nil && (cur.Writable == nil || !deferred) {
		cur.Writable = next.Writable
	}
	if next.Value != nil && (cur.Value == nil || !deferred) {
		cur.Value = next.Value
	}
	return cur
}

// normalize caps timestamps at the session start, so data fetched during
// the session always satisfies them, and makes any declaration imply
// that its path is discovered.
func normalize(d *devicedata.Declaration, now int64) {
	d.PathGet = min(d.PathGet, now)
	if d.AttrGet != nil {
		a := *d.AttrGet
		a.Object = min(a.Object, now)
		a.Writable = min(a.Writable, now)
		a.Value = min(a.Value, now)
		d.AttrGet = &a
	}
	if d.PathGet == 0 && (d.AttrGet != nil || d.AttrSet != nil || d.PathSet != nil) {
		d.PathGet = 1
	}
}

// aliasDeclarations returns what must be known to resolve the aliases of
// p: the instances it ranges over and the value of every alias key.
func aliasDeclarations(p *path.Path, ts int64, value bool) []devicedata.Declaration {
	stripped := p.StripAlias()
	first := devicedata.Declaration{Path: stripped, PathGet: ts}
	if value {
		first.AttrGet = &devicedata.AttrTimestamps{Value: ts}
	}
	out := []devicedata.Declaration{first}
	for i := 0; i < p.Len(); i++ {
		seg := p.Segment(i)
		if !seg.IsAlias() {
			continue
		}
		base := stripped.Slice(0, i+1)
		for _, pair := range seg.Pairs() {
			out = append(out, aliasDeclarations(base.Concat(pair.Path), ts, true)...)
		}
	}
	return out
}

// targets resolves the concrete paths a declaration applies to. A plain
// path is its own target whether or not it exists yet.
func (sc *Context) targets(p *path.Path, rev int) []*path.Path {
	if p.Alias() == 0 && p.Wildcard() == 0 {
		return []*path.Path{p}
	}
	return sc.Data.Unpack(p, rev)
}

// keyDeclarations declares the alias keys of instances created by
// AddObject until the device reports them, and forgets instances whose
// keys match or that no longer exist.
func (sc *Context) keyDeclarations(rev int) ([]devicedata.Declaration, error) {
	var out []devicedata.Declaration
	for _, inst := range slices.SortedFunc(maps.Keys(sc.pendingKeys), path.Compare) {
		keys := sc.pendingKeys[inst]
		if !sc.Data.Has(inst, rev) {
			delete(sc.pendingKeys, inst)
			continue
		}
		matched, err := sc.matchesKeys(inst, keys, rev)
		if err != nil {
			return nil, err
		}
		if matched {
			delete(sc.pendingKeys, inst)
			continue
		}
		for _, sub := range slices.Sorted(maps.Keys(keys)) {
			rel, err := sc.interner.Parse(sub)
			if err != nil {
				return nil, fmt.Errorf("alias key %q: %w", sub, err)
			}
			v := devicedata.Value{Raw: keys[sub]}
			out = append(out, devicedata.Declaration{
				Path:    inst.Concat(rel),
				PathGet: 1,
				AttrGet: &devicedata.AttrTimestamps{Value: 1},
				AttrSet: &devicedata.AttrValues{Value: &v},
			})
		}
	}
	return out, nil
}

// matchesKeys reports whether inst currently satisfies the alias keys.
func (sc *Context) matchesKeys(inst *path.Path, keys map[string]string, rev int) (bool, error) {
	var b strings.Builder
	if parent := inst.Parent(); parent.Len() > 0 {
		b.WriteString(parent.String())
		b.WriteByte('.')
	}
	b.WriteByte('[')
	for i, sub := range slices.Sorted(maps.Keys(keys)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(sub)
		b.WriteByte(':')
		b.WriteString(path.QuoteAliasValue(keys[sub]))
	}
	b.WriteByte(']')
	alias, err := sc.interner.Parse(b.String())
	if err != nil {
		return false, fmt.Errorf("alias keys of %s: %w", inst, err)
	}
	return slices.Contains(sc.Data.Unpack(alias, rev), inst), nil
}

// processInstances plans the creations and deletions that bring the
// number of instances matching d.Path within d.PathSet.
func (e *Engine) processInstances(sc *Context, st *syncState, rev int, d devicedata.Declaration) {
	p := d.Path
	n := p.Len()
	if n == 0 {
		return
	}
	local := localRoot(p) != ""
	seg := p.Segment(n - 1)

	if seg.Kind() == path.Literal {
		// A fixed instance can be removed but not created.
		if d.PathSet.Max == 0 {
			for _, inst := range sc.targets(p, rev) {
				if sc.Data.Has(inst, rev) {
					st.delete(inst, local)
				}
			}
		}
		return
	}

	keys := make(map[string]string)
	want := instanceset.Instance{}
	if seg.IsAlias() {
		for _, pair := range seg.Pairs() {
			keys[pair.Path.String()] = pair.Value
			want[pair.Path.String()] = pair.Value
		}
	}

	parentPattern := p.Slice(0, n-1)
	last := p.Slice(n-1, n)
	parents := []*path.Path{parentPattern}
	if parentPattern.Alias()|parentPattern.Wildcard() != 0 {
		parents = sc.Data.Unpack(parentPattern, rev)
	}

	for _, parent := range parents {
		if parent.Len() > 0 && !local {
			attrs, ok := sc.Data.Get(parent, rev)
			if !ok || attrs.Kind() == devicedata.KindLeaf {
				continue
			}
		}
		if !local && sc.Data.Timestamp(parent.ChildWildcard(), rev) < d.PathGet {
			// The instance list is not known yet.
			continue
		}

		existing := sc.Data.Unpack(parent.Concat(last), rev)
		count := len(existing)

		waiting := instanceset.New()
		for inst, k := range sc.pendingKeys {
			if inst.Parent() == parent && !slices.Contains(existing, inst) {
				waiting.Add(keyInstance(k))
			}
		}
		count += len(waiting.Superset(want))

		planned := st.planned[parent]
		if planned == nil {
			planned = instanceset.New()
			st.planned[parent] = planned
		}
		count += len(planned.Superset(want))

		if excess := count - d.PathSet.Max; excess > 0 {
			for _, inst := range existing[max(0, len(existing)-excess):] {
				st.delete(inst, local)
			}
		}
		for ; count < d.PathSet.Min; count++ {
			planned.Add(want)
			st.create(parent, keys, local)
		}
	}
}

func keyInstance(keys map[string]string) instanceset.Instance {
	inst := make(instanceset.Instance, len(keys))
	for k, v := range keys {
		inst[k] = v
	}
	return inst
}

// processDeclarations compares what is declared with what is known and
// fills st with the probes, fetches and writes still needed.
func (e *Engine) processDeclarations(
	sc *Context,
	st *syncState,
	rev int,
	pathGets map[*path.Path]int64,
	attrGets map[*path.Path]devicedata.AttrTimestamps,
	attrSets map[*path.Path]devicedata.AttrValues,
) error {
	for _, p := range slices.SortedFunc(maps.Keys(pathGets), path.Compare) {
		if localRoot(p) == "" {
			sc.discover(st, rev, sc.interner.Root(), p, pathGets[p])
		}
	}

	vp := make(map[string]*vpCall)
	call := func(name string) *vpCall {
		c := vp[name]
		if c == nil {
			c = &vpCall{Name: name}
			vp[name] = c
		}
		return c
	}

	for _, p := range slices.SortedFunc(maps.Keys(attrGets), path.Compare) {
		g := attrGets[p]
		attrs, ok := sc.Data.Get(p, rev)
		if !ok {
			continue
		}
		switch localRoot(p) {
		case "":
		case rootVirtualParameters:
			if p.Len() != 2 {
				continue
			}
			if g.Value > 0 && (attrs.Value == nil || attrs.Value.Timestamp < g.Value) {
				call(p.Segment(1).Name()).AttrGet.Value = g.Value
			}
			if g.Writable > 0 && (attrs.Writable == nil || attrs.Writable.Timestamp < g.Writable) {
				call(p.Segment(1).Name()).AttrGet.Writable = g.Writable
			}
			continue
		default:
			continue
		}

		if stale(attrs.Object, g.Object) || stale(attrs.Writable, g.Writable) {
			st.probe(p.Parent(), p)
		}
		if g.Value > 0 && (attrs.Value == nil || attrs.Value.Timestamp < g.Value) {
			switch attrs.Kind() {
			case devicedata.KindLeaf:
				st.gpv[p] = struct{}{}
			case devicedata.KindUnknown:
				st.probe(p.Parent(), p)
			case devicedata.KindObject:
			}
		}
	}

	for _, p := range slices.SortedFunc(maps.Keys(attrSets), path.Compare) {
		want := attrSets[p].Value
		if want == nil {
			// Object and writable attributes are read-only.
			continue
		}
		switch localRoot(p) {
		case "":
			sc.planValue(st, rev, p, *want)
		case rootTags:
			if p.Len() == 2 {
				on := devicedata.Sanitize(devicedata.Value{Raw: want.Raw, Type: devicedata.TypeBoolean}).Raw == true
				if on != sc.Data.Has(p, rev) {
					st.tags[p] = on
				}
			}
		case rootReboot, rootFactoryReset:
			if p.Len() != 1 {
				continue
			}
			desired := dateTimeOf(*want)
			if desired > sc.localDateTime(p, rev) {
				if p.Segment(0).Name() == rootReboot {
					st.reboot = max(st.reboot, desired)
				} else {
					st.factoryReset = max(st.factoryReset, desired)
				}
			}
		case rootDownloads:
			if p.Len() != 3 || p.Segment(2).Name() != "Download" {
				continue
			}
			inst := p.Parent()
			if !sc.Data.Has(inst, rev) {
				continue
			}
			if desired := dateTimeOf(*want); desired > sc.localDateTime(p, rev) {
				st.downloads[inst] = max(st.downloads[inst], desired)
			}
		case rootVirtualParameters:
			if p.Len() != 2 {
				continue
			}
			attrs, ok := sc.Data.Get(p, rev)
			if !ok {
				continue
			}
			name := p.Segment(1).Name()
			if attrs.Value == nil {
				c := call(name)
				c.AttrGet.Value = max(c.AttrGet.Value, 1)
				continue
			}
			v := *want
			if v.Type == "" {
				v.Type = attrs.Value.Value.Type
			}
			v = devicedata.Sanitize(v)
			if !v.Equal(devicedata.Sanitize(attrs.Value.Value)) {
				call(name).AttrSet = &devicedata.AttrValues{Value: &v}
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(vp)) {
		st.vpCalls = append(st.vpCalls, vp[name])
	}
	return nil
}

func stale(a *devicedata.TimedBool, want int64) bool {
	return want > 0 && (a == nil || a.Timestamp < want)
}

// discover walks the known tree along pattern from cur and schedules a
// probe wherever the children of a node are not known as of ts.
func (sc *Context) discover(st *syncState, rev int, cur, pattern *path.Path, ts int64) {
	i := cur.Len()
	if i >= pattern.Len() {
		return
	}
	listed := sc.Data.Timestamp(cur.ChildWildcard(), rev) >= ts

	var children []*path.Path
	if seg := pattern.Segment(i); seg.IsWildcard() {
		if !listed {
			st.probe(cur, pattern)
			return
		}
		for _, c := range sc.Data.Paths.Find(cur.ChildWildcard(), false, true, i+1) {
			if c.Wildcard() == 0 && sc.Data.Has(c, rev) {
				children = append(children, c)
			}
		}
	} else {
		child := cur.Concat(pattern.Slice(i, i+1))
		if !listed && sc.Data.Timestamp(child, rev) < ts {
			st.probe(cur, pattern)
			return
		}
		if sc.Data.Has(child, rev) {
			children = append(children, child)
		}
	}

	for _, c := range children {
		if attrs, _ := sc.Data.Get(c, rev); attrs.Kind() == devicedata.KindLeaf {
			continue
		}
		sc.discover(st, rev, c, pattern, ts)
	}
}

// planValue schedules a SetParameterValues entry when the device value
// differs from want. Values are compared after coercion to the device's
// type.
func (sc *Context) planValue(st *syncState, rev int, p *path.Path, want devicedata.Value) {
	attrs, ok := sc.Data.Get(p, rev)
	if !ok {
		return
	}
	switch attrs.Kind() {
	case devicedata.KindUnknown:
		st.probe(p.Parent(), p)
		return
	case devicedata.KindObject:
		return
	case devicedata.KindLeaf:
	}
	if attrs.Value == nil {
		st.gpv[p] = struct{}{}
		return
	}
	if want.Type == "" {
		want.Type = attrs.Value.Value.Type
	}
	want = devicedata.Sanitize(want)
	if !want.Equal(devicedata.Sanitize(attrs.Value.Value)) {
		st.spv[p] = want
	}
}

// localDateTime returns the dateTime value of a local parameter, or 0.
func (sc *Context) localDateTime(p *path.Path, rev int) int64 {
	attrs, ok := sc.Data.Get(p, rev)
	if !ok || attrs.Value == nil {
		return 0
	}
	return dateTimeOf(attrs.Value.Value)
}

func dateTimeOf(v devicedata.Value) int64 {
	n, _ := devicedata.Sanitize(devicedata.Value{Raw: v.Raw, Type: devicedata.TypeDateTime}).Raw.(int64)
	return n
}
