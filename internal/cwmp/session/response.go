package session

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// RPCResponse applies the device's response to the pending request.
func (e *Engine) RPCResponse(sc *Context, id string, res rpc.CPEResponse) error {
	p := sc.pending
	if p == nil {
		return ErrNoPendingRequest
	}
	if id != p.ID || res.Name() != rpc.ResponseName(p.Request) {
		return fmt.Errorf("%w: got %s %q, pending %s %q", ErrResponseMismatch, res.Name(), id, p.Request.Name(), p.ID)
	}

	w := sc.writer()
	switch r := res.(type) {
	case *rpc.GetParameterNamesResponse:
		if err := e.applyParameterNames(sc, w, p, r); err != nil {
			return err
		}
	case *rpc.GetParameterValuesResponse:
		for _, pv := range r.ParameterList {
			pp, err := sc.interner.Parse(pv.Name)
			if err != nil {
				return fmt.Errorf("parameter %q: %w", pv.Name, err)
			}
			w.value(pp, pv.Value)
		}
	case *rpc.SetParameterValuesResponse:
		req, _ := p.Request.(*rpc.SetParameterValues)
		for _, pv := range req.ParameterList {
			w.value(sc.interner.MustParse(pv.Name), pv.Value)
		}
	case *rpc.AddObjectResponse:
		inst, err := p.Path.Child(r.InstanceNumber)
		if err != nil {
			return fmt.Errorf("instance %q: %w", r.InstanceNumber, err)
		}
		w.set(inst, &devicedata.Attributes{Object: &devicedata.TimedBool{Timestamp: w.t, Value: true}})
		if len(p.Keys) > 0 {
			sc.pendingKeys[inst] = p.Keys
		}
	case *rpc.DeleteObjectResponse:
		w.remove(p.Path)
	case *rpc.RebootResponse:
		w.leaf(sc.interner.MustParse(rootReboot), dateTime(p.Desired), true)
	case *rpc.FactoryResetResponse:
		w.leaf(sc.interner.MustParse(rootFactoryReset), dateTime(p.Desired), true)
	case *rpc.DownloadResponse:
		sc.applyDownload(w, p, r)
	default:
		return fmt.Errorf("%w: unexpected %s", ErrResponseMismatch, res.Name())
	}
	if err := w.flush(); err != nil {
		return err
	}

	sc.pending = nil
	if len(sc.levels) > 0 {
		sc.top().Synced = false
	}
	return nil
}

type nameEntry struct {
	path  *path.Path
	attrs *devicedata.Attributes
}

// applyParameterNames records a GetParameterNamesResponse. Missing
// ancestors are inferred, and wildcard markers record that the listed
// objects' children are now fully known.
func (e *Engine) applyParameterNames(sc *Context, w *writer, p *pendingRPC, r *rpc.GetParameterNamesResponse) error {
	req, _ := p.Request.(*rpc.GetParameterNames)
	root := p.Path

	seen := make(map[*path.Path]bool)
	var entries []nameEntry
	var objects []*path.Path
	object := func() *devicedata.Attributes {
		return &devicedata.Attributes{Object: &devicedata.TimedBool{Timestamp: w.t, Value: true}}
	}

	for _, info := range r.ParameterList {
		name := strings.TrimSuffix(info.Name, ".")
		isObject := len(name) != len(info.Name)
		if name == "" {
			continue
		}
		pp, err := sc.interner.Parse(name)
		if err != nil {
			e.logger.Warn("ignoring invalid parameter name", "device_id", sc.DeviceID, "name", info.Name, "error", err)
			continue
		}
		if !pp.HasPrefix(root) || seen[pp] || pp.Wildcard()|pp.Alias() != 0 {
			continue
		}
		seen[pp] = true
		entries = append(entries, nameEntry{path: pp, attrs: &devicedata.Attributes{
			Object:   &devicedata.TimedBool{Timestamp: w.t, Value: isObject},
			Writable: &devicedata.TimedBool{Timestamp: w.t, Value: info.Writable},
		}})
		if isObject {
			objects = append(objects, pp)
		}
	}

	for _, entry := range slices.Clone(entries) {
		for anc := entry.path.Parent(); anc.Len() > root.Len() && !seen[anc]; anc = anc.Parent() {
			seen[anc] = true
			entries = append(entries, nameEntry{path: anc, attrs: object()})
			objects = append(objects, anc)
		}
	}
	if root.Len() > 0 && !seen[root] {
		entries = append(entries, nameEntry{path: root, attrs: object()})
	}

	entries = append(entries, nameEntry{path: root.ChildWildcard()})
	if !req.NextLevel {
		for _, o := range objects {
			entries = append(entries, nameEntry{path: o.ChildWildcard()})
		}
	}

	slices.SortFunc(entries, func(a, b nameEntry) int {
		aw, bw := a.path.Wildcard() != 0, b.path.Wildcard() != 0
		switch {
		case aw != bw:
			if aw {
				return 1
			}
			return -1
		case a.path.Len() != b.path.Len():
			return b.path.Len() - a.path.Len()
		}
		return path.Compare(a.path, b.path)
	})
	for _, entry := range entries {
		w.set(entry.path, entry.attrs)
	}
	return nil
}

func (sc *Context) applyDownload(w *writer, p *pendingRPC, r *rpc.DownloadResponse) {
	req, _ := p.Request.(*rpc.Download)
	inst := p.Path
	w.leafChild(inst, "Download", dateTime(p.Desired), true)

	op := &Operation{
		Name:           "Download",
		CommandKey:     req.CommandKey,
		Timestamp:      sc.Timestamp,
		Trigger:        p.Desired,
		Instance:       inst.String(),
		FileType:       req.FileType,
		FileName:       sc.localString(inst, "FileName", w.rev),
		TargetFileName: req.TargetFileName,
		Provisions:     sc.channelProvisions(),
	}
	if r.Status == 0 {
		finishDownload(w, inst, op, unixMilli(r.StartTime), unixMilli(r.CompleteTime))
		return
	}
	sc.Operations[op.CommandKey] = op
	sc.OperationsTouched[op.CommandKey] = struct{}{}
}

// RPCFault applies a fault the device returned for the pending request.
// An invalid parameter name clears the offending paths so they are
// rediscovered; any other fault ends the session.
func (e *Engine) RPCFault(sc *Context, id string, f *rpc.Fault) (*Fault, error) {
	p := sc.pending
	if p == nil {
		return nil, ErrNoPendingRequest
	}
	if id != p.ID {
		return nil, fmt.Errorf("%w: fault for %q, pending %q", ErrResponseMismatch, id, p.ID)
	}
	sc.pending = nil
	if len(sc.levels) > 0 {
		sc.top().Synced = false
	}

	if f.FaultCode == rpc.InvalidParameterName {
		if paths := sc.faultPaths(p, f); len(paths) > 0 {
			w := sc.writer()
			for _, pp := range paths {
				w.remove(pp)
			}
			if err := w.flush(); err != nil {
				return nil, err
			}
			e.logger.Info("cleared invalid parameters", "device_id", sc.DeviceID, "rpc", p.Request.Name(), "count", len(paths))
			return nil, nil
		}
	}

	return e.fail(sc, &Fault{
		Code:    "cwmp." + f.FaultCode,
		Message: f.FaultString,
		Detail:  f,
	}), nil
}

// faultPaths returns the paths a 9005 fault refers to.
func (sc *Context) faultPaths(p *pendingRPC, f *rpc.Fault) []*path.Path {
	var names []string
	switch req := p.Request.(type) {
	case *rpc.GetParameterNames, *rpc.AddObject, *rpc.DeleteObject:
		if p.Path != nil && p.Path.Len() > 0 {
			return []*path.Path{p.Path}
		}
	case *rpc.GetParameterValues:
		names = req.ParameterNames
	case *rpc.SetParameterValues:
		for _, pf := range f.SetParameterValuesFault {
			if pf.FaultCode == rpc.InvalidParameterName {
				names = append(names, pf.ParameterName)
			}
		}
		if len(names) == 0 {
			for _, pv := range req.ParameterList {
				names = append(names, pv.Name)
			}
		}
	}

	var out []*path.Path
	for _, n := range names {
		if pp, err := sc.interner.Parse(strings.TrimSuffix(n, ".")); err == nil && pp.Len() > 0 {
			out = append(out, pp)
		}
	}
	return out
}
