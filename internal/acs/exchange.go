package acs

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
)

// Reply is the outcome of one exchange.
type Reply struct {
	// SessionID is the session the exchange belongs to; an Inform
	// starts a new one.
	SessionID string
	// Envelope is the ACS message to send back; nil when Done.
	Envelope *rpc.Envelope
	// Done is set when the ACS has nothing more for the device and the
	// session has been committed.
	Done bool
}

// Handle processes one CPE message. env is nil when the CPE has nothing
// more to send. Any message other than Inform must carry the sessionID
// returned by an earlier Reply.
func (s *Service) Handle(ctx context.Context, sessionID string, env *rpc.Envelope) (*Reply, error) {
	var (
		msg rpc.Message
		id  string
	)
	if env != nil {
		m, err := rpc.Decode(*env)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
		}
		msg, id = m, env.ID
	}

	if inform, ok := msg.(*rpc.Inform); ok {
		return s.inform(ctx, id, inform)
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}

	unlock := s.lock(sessionID)
	defer unlock()

	x, err := s.resume(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var reply *rpc.Envelope
	switch m := msg.(type) {
	case nil:
		reply, err = x.drive(ctx)
	case *rpc.TransferComplete:
		reply, err = x.transferComplete(id, m)
	case *rpc.GetRPCMethods:
		reply, err = encode(id, &rpc.GetRPCMethodsResponse{MethodList: slices.Clone(rpc.ACSMethods)})
	case *rpc.Fault:
		if err = x.rpcFault(id, m); err == nil {
			reply, err = x.drive(ctx)
		}
	case rpc.CPEResponse:
		if err = s.deps.Engine.RPCResponse(x.sc, id, m); err == nil {
			reply, err = x.drive(ctx)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Name())
	}
	if err != nil {
		x.log.Error("exchange failed", "error", err)
		return nil, err
	}

	if reply == nil {
		if err := x.finish(ctx); err != nil {
			return nil, err
		}
		return &Reply{SessionID: sessionID, Done: true}, nil
	}
	if err := x.suspend(ctx); err != nil {
		return nil, err
	}
	return &Reply{SessionID: sessionID, Envelope: reply}, nil
}

// inform opens a session for the device named by req.
func (s *Service) inform(ctx context.Context, id string, req *rpc.Inform) (*Reply, error) {
	deviceID, err := device.BuildID(req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	snap, err := s.deps.Cache.Current()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	now := s.now()
	sessionID := device.GenerateID()
	unlock := s.lock(sessionID)
	defer unlock()

	data, err := s.deps.Devices.Fetch(ctx, deviceID, s.deps.Interner)
	isNew := errors.Is(err, device.ErrDeviceNotFound)
	if err != nil && !isNew {
		return nil, fmt.Errorf("loading device %s: %w", deviceID, err)
	}

	sc := session.NewContext(session.Options{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Timestamp: now.UnixMilli(),
		New:       isNew,
		Interner:  s.deps.Interner,
		Data:      data,
		Snapshot:  snap,
	})

	st := newState()
	st.DeviceID = deviceID
	st.Manufacturer = req.DeviceID.Manufacturer
	st.ProductClass = req.DeviceID.ProductClass
	st.Events = slices.Clone(req.Event)
	st.Started = sc.Timestamp
	x := &exchange{s: s, st: st, sc: sc, snap: snap, log: s.sessionLogger(sc)}

	if err := x.load(ctx); err != nil {
		return nil, err
	}

	res, err := s.deps.Engine.Inform(sc, req)
	if err != nil {
		return nil, fmt.Errorf("applying inform: %w", err)
	}
	expired, err := s.deps.Engine.TimeoutOperations(sc, s.cfg.DownloadTimeout)
	if err != nil {
		return nil, fmt.Errorf("expiring operations: %w", err)
	}
	for _, f := range expired {
		x.recordFault(f)
	}

	reply, err := encode(id, res)
	if err != nil {
		return nil, err
	}
	if err := x.suspend(ctx); err != nil {
		return nil, err
	}

	s.started.Add(1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionStarted()
	}
	x.log.Info("session started", "new", isNew, "events", req.Event)
	return &Reply{SessionID: sessionID, Envelope: reply}, nil
}

// load reads the operations, faults and tasks of the device.
func (x *exchange) load(ctx context.Context) error {
	deps := x.s.deps
	id := x.st.DeviceID

	ops, err := deps.Operations.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("loading operations: %w", err)
	}
	if ops != nil {
		x.sc.Operations = ops
	}

	faults, err := deps.Faults.List(ctx, id)
	if err != nil {
		return fmt.Errorf("loading faults: %w", err)
	}
	for _, f := range faults {
		if f.Retries > x.s.cfg.MaxFaultRetries {
			x.st.Blocked[f.Channel] = true
		}
	}

	tasks, err := deps.Tasks.ListByDevice(ctx, id, x.sc.Timestamp)
	if err != nil {
		return fmt.Errorf("loading tasks: %w", err)
	}
	x.st.Tasks = tasks
	return nil
}

// transferComplete finalizes the operation the device reports on.
func (x *exchange) transferComplete(id string, req *rpc.TransferComplete) (*rpc.Envelope, error) {
	res, fault, err := x.s.deps.Engine.TransferComplete(x.sc, req)
	if err != nil {
		return nil, fmt.Errorf("applying transfer complete: %w", err)
	}
	if fault != nil {
		x.recordFault(fault)
	}
	return encode(id, res)
}

// rpcFault applies a CWMP fault returned for the pending request.
func (x *exchange) rpcFault(id string, f *rpc.Fault) error {
	fault, err := x.s.deps.Engine.RPCFault(x.sc, id, f)
	if err != nil {
		return fmt.Errorf("applying fault: %w", err)
	}
	if fault != nil {
		x.fault(fault)
	}
	return nil
}

// drive asks the engine for the next request, moving through the
// session phases whenever the current provisions converge or fault. A
// nil envelope means the session is over.
func (x *exchange) drive(ctx context.Context) (*rpc.Envelope, error) {
	engine := x.s.deps.Engine
	var extra []devicedata.Declaration
	for {
		req, fault, err := engine.RPCRequest(ctx, x.sc, extra)
		extra = nil
		if err != nil {
			return nil, fmt.Errorf("generating request: %w", err)
		}
		if req != nil {
			return encode(req.ID, req.RPC)
		}
		if fault != nil {
			x.fault(fault)
		} else {
			x.converged()
		}
		engine.ClearProvisions(x.sc)

		var more bool
		extra, more, err = x.advance()
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, nil
		}
	}
}

// fault records f and, in the preset phase, re-runs preset matching
// with the faulted channels excluded.
func (x *exchange) fault(f *session.Fault) {
	x.recordFault(f)
	if x.st.Phase == phasePresets {
		x.st.Phase = phasePreconditions
	}
	x.s.deps.Engine.ClearProvisions(x.sc)
}

// converged marks every channel of the current provisions as done.
func (x *exchange) converged() {
	for ch := range x.sc.Channels {
		if _, faulted := x.st.Faults[ch]; !faulted {
			x.st.Succeeded[ch] = true
		}
	}
}

// recordFault keeps f against each channel it names.
func (x *exchange) recordFault(f *session.Fault) {
	channels := f.Channels
	if len(channels) == 0 {
		channels = []string{defaultChannel}
	}
	for _, ch := range channels {
		x.st.Faults[ch] = &device.Fault{
			DeviceID:   x.st.DeviceID,
			Channel:    ch,
			Code:       f.Code,
			Message:    f.Message,
			Detail:     f.Detail,
			Timestamp:  f.Timestamp,
			Provisions: x.channelProvisions(ch),
		}
		x.st.Blocked[ch] = true
		delete(x.st.Succeeded, ch)
	}
	x.log.Warn("channel fault", "code", f.Code, "message", f.Message, "channels", channels)
}

// channelProvisions returns the provisions owned by ch.
func (x *exchange) channelProvisions(ch string) []session.Provision {
	mask := x.sc.Channels[ch]
	var provs []session.Provision
	for i, p := range x.sc.Provisions {
		if mask&(1<<uint(i)) != 0 {
			provs = append(provs, p)
		}
	}
	return provs
}

func encode(id string, msg rpc.Message) (*rpc.Envelope, error) {
	env, err := rpc.Encode(id, msg)
	if err != nil {
		return nil, err
	}
	return &env, nil
}
