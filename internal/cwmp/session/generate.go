package session

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/gpn"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// generateGetRPC returns the next discovery or fetch: GetParameterNames
// for the shortest pending probe root, then GetParameterValues batches.
func (e *Engine) generateGetRPC(sc *Context) (*Request, *Fault) {
	st := sc.sync

	if len(st.gpn) > 0 {
		roots := slices.SortedFunc(maps.Keys(st.gpn), byLength)
		root := roots[0]
		estimate := gpn.EstimateCount(st.gpn[root], root.Len(), e.limits.Tuning)
		return e.request(sc, pendingRPC{
			Request: &rpc.GetParameterNames{
				ParameterPath: objectName(root),
				NextLevel:     gpn.NextLevel(estimate, root.Len()),
			},
			Path: root,
		})
	}

	if len(st.gpv) > 0 {
		paths := slices.SortedFunc(maps.Keys(st.gpv), path.Compare)
		paths = paths[:min(len(paths), e.limits.BatchSize)]
		names := make([]string, len(paths))
		for i, p := range paths {
			names[i] = p.String()
		}
		return e.request(sc, pendingRPC{Request: &rpc.GetParameterValues{ParameterNames: names}})
	}
	return nil, nil
}

// generateSetRPC returns the next write, in order: delete an instance,
// add an instance, set values, download, reboot, factory reset.
func (e *Engine) generateSetRPC(sc *Context) (*Request, *Fault) {
	st := sc.sync

	if len(st.deletes) > 0 {
		inst := st.deletes[0]
		return e.request(sc, pendingRPC{
			Request: &rpc.DeleteObject{ObjectName: objectName(inst)},
			Path:    inst,
		})
	}

	if len(st.creates) > 0 {
		c := st.creates[0]
		return e.request(sc, pendingRPC{
			Request: &rpc.AddObject{ObjectName: objectName(c.parent)},
			Path:    c.parent,
			Keys:    c.keys,
		})
	}

	if len(st.spv) > 0 {
		paths := slices.SortedFunc(maps.Keys(st.spv), path.Compare)
		paths = paths[:min(len(paths), e.limits.BatchSize)]
		list := make([]rpc.ParameterValue, len(paths))
		for i, p := range paths {
			list[i] = rpc.ParameterValue{Name: p.String(), Value: st.spv[p]}
		}
		return e.request(sc, pendingRPC{Request: &rpc.SetParameterValues{ParameterList: list}})
	}

	if len(st.downloads) > 0 {
		inst := slices.SortedFunc(maps.Keys(st.downloads), path.Compare)[0]
		desired := st.downloads[inst]
		rev := sc.revision()
		fileName := sc.localString(inst, "FileName", rev)
		var url string
		var size int64
		if sc.snapshot != nil {
			url, size = sc.snapshot.FileURL(fileName)
		}
		return e.request(sc, pendingRPC{
			Request: &rpc.Download{
				CommandKey:     strconv.FormatInt(desired, 36) + "-" + inst.Segment(inst.Len()-1).Name(),
				FileType:       sc.localString(inst, "FileType", rev),
				URL:            url,
				FileSize:       size,
				TargetFileName: sc.localString(inst, "TargetFileName", rev),
			},
			Path:    inst,
			Desired: desired,
		})
	}

	if st.reboot > 0 {
		return e.request(sc, pendingRPC{
			Request: &rpc.Reboot{CommandKey: strconv.FormatInt(st.reboot, 36)},
			Desired: st.reboot,
		})
	}

	if st.factoryReset > 0 {
		return e.request(sc, pendingRPC{Request: &rpc.FactoryReset{}, Desired: st.factoryReset})
	}
	return nil, nil
}

// applyLocal performs the writes that concern local subtrees only: tags
// and download instances. It reports whether anything was written.
func (e *Engine) applyLocal(sc *Context) (bool, error) {
	st := sc.sync
	if len(st.tags) == 0 && len(st.localDeletes) == 0 && len(st.localCreates) == 0 {
		return false, nil
	}
	w := sc.writer()

	for _, p := range slices.SortedFunc(maps.Keys(st.tags), path.Compare) {
		if st.tags[p] {
			w.leaf(p, devicedata.Value{Raw: true, Type: devicedata.TypeBoolean}, true)
		} else {
			w.remove(p)
		}
	}
	for _, inst := range st.localDeletes {
		w.remove(inst)
	}

	next := make(map[*path.Path]int)
	for _, c := range st.localCreates {
		n, ok := next[c.parent]
		if !ok {
			n = sc.nextInstance(c.parent, w.rev)
		}
		next[c.parent] = n + 1

		inst, err := c.parent.Child(strconv.Itoa(n))
		if err != nil {
			return false, fmt.Errorf("creating instance under %s: %w", c.parent, err)
		}
		w.set(inst, &devicedata.Attributes{
			Object:   &devicedata.TimedBool{Timestamp: w.t, Value: true},
			Writable: &devicedata.TimedBool{Timestamp: w.t, Value: true},
		})
		for _, sub := range slices.Sorted(maps.Keys(c.keys)) {
			rel, err := sc.interner.Parse(sub)
			if err != nil {
				return false, fmt.Errorf("alias key %q: %w", sub, err)
			}
			w.leaf(inst.Concat(rel), devicedata.Value{Raw: c.keys[sub], Type: devicedata.TypeString}, true)
		}
		if localRoot(c.parent) == rootDownloads {
			w.leafChild(inst, "Download", dateTime(0), true)
		}
	}

	e.logger.Debug("local writes", "device_id", sc.DeviceID,
		"tags", len(st.tags), "created", len(st.localCreates), "deleted", len(st.localDeletes))
	return true, w.flush()
}

// nextInstance returns one past the highest numeric instance of parent.
func (sc *Context) nextInstance(parent *path.Path, rev int) int {
	n := 1
	for _, c := range sc.Data.Paths.Find(parent.ChildWildcard(), false, true, parent.Len()+1) {
		if c.Wildcard() != 0 || !sc.Data.Has(c, rev) {
			continue
		}
		if i, err := strconv.Atoi(c.Segment(c.Len() - 1).Name()); err == nil && i >= n {
			n = i + 1
		}
	}
	return n
}

// localString returns the string value of inst.name, or "".
func (sc *Context) localString(inst *path.Path, name string, rev int) string {
	p, err := inst.Child(name)
	if err != nil {
		return ""
	}
	attrs, ok := sc.Data.Get(p, rev)
	if !ok || attrs.Value == nil {
		return ""
	}
	s, _ := devicedata.Sanitize(devicedata.Value{Raw: attrs.Value.Value.Raw, Type: devicedata.TypeString}).Raw.(string)
	return s
}

// objectName renders p the way CWMP names objects, with a trailing dot.
func objectName(p *path.Path) string {
	if p.Len() == 0 {
		return ""
	}
	return p.String() + "."
}

func byLength(a, b *path.Path) int {
	if a.Len() != b.Len() {
		return a.Len() - b.Len()
	}
	return path.Compare(a, b)
}

func dateTime(ms int64) devicedata.Value {
	return devicedata.Value{Raw: ms, Type: devicedata.TypeDateTime}
}

// writer batches DeviceData writes at one revision and timestamp and
// applies the resulting clears at the end.
type writer struct {
	sc     *Context
	rev    int
	t      int64
	clears []devicedata.Clear
	err    error
}

func (sc *Context) writer() *writer {
	return &writer{sc: sc, rev: sc.revision(), t: sc.nextTimestamp()}
}

func (w *writer) set(p *path.Path, attrs *devicedata.Attributes) {
	if w.err != nil {
		return
	}
	w.clears, w.err = w.sc.Data.Set(w.rev, p, w.t, attrs, w.clears)
}

// leaf writes a leaf parameter with a known value.
func (w *writer) leaf(p *path.Path, v devicedata.Value, writable bool) {
	w.set(p, &devicedata.Attributes{
		Object:   &devicedata.TimedBool{Timestamp: w.t},
		Writable: &devicedata.TimedBool{Timestamp: w.t, Value: writable},
		Value:    &devicedata.TimedValue{Timestamp: w.t, Value: devicedata.Sanitize(v)},
	})
}

func (w *writer) leafChild(parent *path.Path, name string, v devicedata.Value, writable bool) {
	p, err := parent.Child(name)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("writing %s.%s: %w", parent, name, err)
		}
		return
	}
	w.leaf(p, v, writable)
}

// value records a fetched or pushed value without touching other
// attributes.
func (w *writer) value(p *path.Path, v devicedata.Value) {
	w.set(p, &devicedata.Attributes{
		Value: &devicedata.TimedValue{Timestamp: w.t, Value: devicedata.Sanitize(v)},
	})
}

func (w *writer) remove(p *path.Path) {
	w.set(p, nil)
}

func (w *writer) flush() error {
	if w.err != nil {
		return w.err
	}
	return w.sc.Data.ApplyClears(w.rev, w.clears)
}
