package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// Inform seeds the parameter tree from the device's Inform: identity,
// reported parameters and events. A new device also gets a Registered
// event and its ID.
func (e *Engine) Inform(sc *Context, req *rpc.Inform) (*rpc.InformResponse, error) {
	w := sc.writer()
	local := func(name string, v devicedata.Value) {
		p, err := sc.interner.Parse(name)
		if err != nil {
			if w.err == nil {
				w.err = fmt.Errorf("inform %s: %w", name, err)
			}
			return
		}
		w.leaf(p, v, false)
	}

	local("DeviceID.Manufacturer", str(req.DeviceID.Manufacturer))
	local("DeviceID.OUI", str(req.DeviceID.OUI))
	local("DeviceID.ProductClass", str(req.DeviceID.ProductClass))
	local("DeviceID.SerialNumber", str(req.DeviceID.SerialNumber))
	if sc.New {
		local("DeviceID.ID", str(sc.DeviceID))
		local("Events.Registered", dateTime(sc.Timestamp))
	}
	local("Events.Inform", dateTime(sc.Timestamp))
	for _, ev := range req.Event {
		local("Events."+eventName(ev), dateTime(sc.Timestamp))
	}

	for _, pv := range req.ParameterList {
		p, err := sc.interner.Parse(pv.Name)
		if err != nil {
			e.logger.Warn("ignoring invalid parameter name", "device_id", sc.DeviceID, "name", pv.Name, "error", err)
			continue
		}
		w.value(p, pv.Value)
	}

	if sc.snapshot != nil {
		root := sc.interner.MustParse(rootVirtualParameters)
		for _, name := range sc.snapshot.VirtualParameterNames() {
			p, err := root.Child(name)
			if err != nil {
				e.logger.Warn("ignoring invalid virtual parameter", "name", name, "error", err)
				continue
			}
			w.set(p, &devicedata.Attributes{Object: &devicedata.TimedBool{Timestamp: w.t}})
		}
		w.remove(root.ChildWildcard())
	}

	if err := w.flush(); err != nil {
		return nil, err
	}
	e.logger.Debug("inform", "device_id", sc.DeviceID, "events", req.Event, "parameters", len(req.ParameterList))
	return &rpc.InformResponse{MaxEnvelopes: 1}, nil
}

// eventName turns an event code such as "1 BOOT" into a parameter name.
func eventName(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return r
		}
		return '_'
	}, code)
}

func str(s string) devicedata.Value {
	return devicedata.Value{Raw: s, Type: devicedata.TypeString}
}

// TransferComplete finalizes the Download operation named by the command
// key. A failed transfer is returned as a fault attributed to the
// operation's channels; it does not end the session.
func (e *Engine) TransferComplete(sc *Context, req *rpc.TransferComplete) (*rpc.TransferCompleteResponse, *Fault, error) {
	op, ok := sc.Operations[req.CommandKey]
	if !ok {
		e.logger.Warn("transfer complete for unknown operation", "device_id", sc.DeviceID, "command_key", req.CommandKey)
		return &rpc.TransferCompleteResponse{}, nil, nil
	}
	inst, err := sc.interner.Parse(op.Instance)
	if err != nil {
		return nil, nil, fmt.Errorf("operation %s: %w", req.CommandKey, err)
	}

	w := sc.writer()
	var fault *Fault
	if fs := req.FaultStruct; fs != nil && fs.FaultCode != "" && fs.FaultCode != "0" {
		revertDownload(w, inst)
		fault = &Fault{
			Code:      "cwmp." + fs.FaultCode,
			Message:   fs.FaultString,
			Detail:    fs,
			Timestamp: sc.Timestamp,
		}
	} else {
		finishDownload(w, inst, op, unixMilli(req.StartTime), unixMilli(req.CompleteTime))
	}
	if err := w.flush(); err != nil {
		return nil, nil, err
	}
	if err := e.completeOperation(sc, op, fault); err != nil {
		return nil, nil, err
	}
	return &rpc.TransferCompleteResponse{}, fault, nil
}

// TimeoutOperations expires operations started more than timeout before
// the session and returns a timeout fault for each.
func (e *Engine) TimeoutOperations(sc *Context, timeout time.Duration) ([]*Fault, error) {
	var faults []*Fault
	for _, key := range slices.Sorted(maps.Keys(sc.Operations)) {
		op := sc.Operations[key]
		if sc.Timestamp <= op.Timestamp+timeout.Milliseconds() {
			continue
		}
		inst, err := sc.interner.Parse(op.Instance)
		if err != nil {
			return faults, fmt.Errorf("operation %s: %w", key, err)
		}
		w := sc.writer()
		revertDownload(w, inst)
		if err := w.flush(); err != nil {
			return faults, err
		}
		fault := &Fault{
			Code:      FaultTimeout,
			Message:   fmt.Sprintf("%s operation timed out", op.Name),
			Timestamp: sc.Timestamp,
		}
		if err := e.completeOperation(sc, op, fault); err != nil {
			return faults, err
		}
		faults = append(faults, fault)
	}
	return faults, nil
}

// completeOperation forgets op and re-adds the provisions that were
// active when it started.
func (e *Engine) completeOperation(sc *Context, op *Operation, fault *Fault) error {
	delete(sc.Operations, op.CommandKey)
	sc.OperationsTouched[op.CommandKey] = struct{}{}
	if fault != nil {
		fault.Channels = slices.Sorted(maps.Keys(op.Provisions))
	}
	for _, ch := range slices.Sorted(maps.Keys(op.Provisions)) {
		if err := e.AddProvisions(sc, ch, op.Provisions[ch]); err != nil {
			return err
		}
	}
	e.logger.Info("operation complete", "device_id", sc.DeviceID, "command_key", op.CommandKey, "failed", fault != nil)
	return nil
}

// finishDownload records a successful transfer on the download instance.
func finishDownload(w *writer, inst *path.Path, op *Operation, start, complete int64) {
	w.leafChild(inst, "LastDownload", dateTime(op.Trigger), false)
	w.leafChild(inst, "LastFileType", str(op.FileType), false)
	w.leafChild(inst, "LastFileName", str(op.FileName), false)
	w.leafChild(inst, "LastTargetFileName", str(op.TargetFileName), false)
	w.leafChild(inst, "StartTime", dateTime(start), false)
	w.leafChild(inst, "CompleteTime", dateTime(complete), false)
}

// revertDownload resets the Download trigger to the last successful
// transfer so that setting it again retries.
func revertDownload(w *writer, inst *path.Path) {
	var last int64
	if p, err := inst.Child("LastDownload"); err == nil {
		last = w.sc.localDateTime(p, w.rev)
	}
	w.leafChild(inst, "Download", dateTime(last), true)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
