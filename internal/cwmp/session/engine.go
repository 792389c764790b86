package session

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/gpn"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Snapshot is the read-only configuration a session is pinned to.
type Snapshot interface {
	// Key identifies the snapshot.
	Key() string
	// Provision returns the source of a provision script.
	Provision(name string) (string, bool)
	// VirtualParameter returns the source of a virtual parameter script.
	VirtualParameter(name string) (string, bool)
	// VirtualParameterNames lists the virtual parameters, sorted.
	VirtualParameterNames() []string
	// FileURL returns the download location and size of a file.
	FileURL(name string) (url string, size int64)
}

// ScriptRequest is one script execution.
type ScriptRequest struct {
	Name      string
	Script    string
	Args      []any
	DeviceID  string
	Timestamp int64
	Data      *devicedata.DeviceData
	Interner  *path.Interner
	// Start and End bound the revisions the script reads.
	Start int
	End   int
}

// ScriptResult is the outcome of a script execution.
type ScriptResult struct {
	// Fault is set when the script threw.
	Fault        *Fault
	Declarations []devicedata.Declaration
	Clears       []devicedata.Clear
	// Done is false when the script committed and must run again against
	// a newer revision.
	Done bool
	// Return is the value returned by a virtual parameter script.
	Return *VirtualParameterResult
}

// ScriptRunner executes provision and virtual parameter scripts.
type ScriptRunner interface {
	Run(ctx context.Context, req ScriptRequest) (*ScriptResult, error)
}

// Limits bound the work of one session.
type Limits struct {
	MaxRPCs             int
	MaxDepth            int
	MaxCycles           int
	MaxCommitIterations int
	BatchSize           int
	Tuning              gpn.Tuning
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxRPCs:             255,
		MaxDepth:            8,
		MaxCycles:           255,
		MaxCommitIterations: 64,
		BatchSize:           32,
		Tuning:              gpn.DefaultTuning(),
	}
}

// Engine drives sessions. It holds no per-session state and is safe for
// concurrent use across contexts.
type Engine struct {
	limits Limits
	runner ScriptRunner
	logger Logger
}

// NewEngine creates an Engine. runner may be nil when only built-in
// provisions are used.
func NewEngine(limits Limits, runner ScriptRunner) *Engine {
	def := DefaultLimits()
	if limits.MaxRPCs <= 0 {
		limits.MaxRPCs = def.MaxRPCs
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = def.MaxDepth
	}
	if limits.MaxCycles <= 0 {
		limits.MaxCycles = def.MaxCycles
	}
	if limits.MaxCommitIterations <= 0 {
		limits.MaxCommitIterations = def.MaxCommitIterations
	}
	if limits.BatchSize <= 0 {
		limits.BatchSize = def.BatchSize
	}
	if limits.Tuning == (gpn.Tuning{}) {
		limits.Tuning = def.Tuning
	}
	return &Engine{limits: limits, runner: runner, logger: noopLogger{}}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// RPCRequest returns the next RPC to send to the device, a fault that
// ends the session, or neither when there is nothing left to do.
//
// extra, when non-nil, replaces the declarations added on top of the
// provisions' own; pass nil to keep the current ones.
func (e *Engine) RPCRequest(ctx context.Context, sc *Context, extra []devicedata.Declaration) (*Request, *Fault, error) {
	if req, ok := sc.Pending(); ok {
		return req, nil, nil
	}
	if extra != nil {
		sc.extra = extra
		sc.resetLevels()
	}
	if len(sc.levels) == 0 {
		if len(sc.Provisions) == 0 && len(sc.extra) == 0 {
			return nil, nil, nil
		}
		sc.levels = []*level{{Start: 1, Revision: 1}}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		req, fault, done, err := e.step(ctx, sc)
		switch {
		case err != nil:
			return nil, nil, err
		case fault != nil:
			return nil, e.fail(sc, fault), nil
		case req != nil || done:
			return req, nil, nil
		}
	}
}

// step advances the state machine by one transition. It returns an RPC to
// send, a fault, done when the session has converged, or nothing when the
// loop should continue.
func (e *Engine) step(ctx context.Context, sc *Context) (*Request, *Fault, bool, error) {
	if f := e.checkLimits(sc); f != nil {
		return nil, f, false, nil
	}
	lvl := sc.top()

	if sc.Data.Changed(trackerPrerequisite) {
		sc.Data.ClearTrackers(trackerPrerequisite)
		lvl.Synced = false
	}

	if !lvl.Ran {
		f, err := e.runScripts(ctx, sc, lvl)
		return nil, f, false, err
	}

	if !lvl.Synced {
		st, err := e.runDeclarations(sc, lvl)
		if err != nil {
			return nil, nil, false, err
		}
		sc.sync = st
		lvl.Synced = true
	}

	if req, f := e.generateGetRPC(sc); req != nil || f != nil {
		return req, f, false, nil
	}

	if len(sc.sync.vpCalls) > 0 {
		sc.levels = append(sc.levels, &level{
			Start:    lvl.Revision + 1,
			Revision: lvl.Revision + 1,
			Calls:    sc.sync.vpCalls,
		})
		sc.commits++
		return nil, nil, false, nil
	}

	if !lvl.Done {
		lvl.Revision++
		lvl.Ran = false
		sc.commits++
		return nil, nil, false, nil
	}

	applied, err := e.applyLocal(sc)
	if err != nil {
		return nil, nil, false, err
	}
	if applied {
		sc.commits++
		sc.activity = true
		lvl.Synced = false
		return nil, nil, false, nil
	}

	if req, f := e.generateSetRPC(sc); req != nil || f != nil {
		return req, f, false, nil
	}

	if len(sc.levels) > 1 {
		f, err := e.completeVirtualParameters(sc)
		return nil, f, false, err
	}

	sc.Data.Commit(lvl.Start)
	if sc.activity {
		sc.Cycle++
		sc.commits = 0
		sc.activity = false
		lvl.Revision = lvl.Start
		lvl.Ran = false
		lvl.Synced = false
		return nil, nil, false, nil
	}
	sc.levels = nil
	sc.sync = nil
	return nil, nil, true, nil
}

func (e *Engine) checkLimits(sc *Context) *Fault {
	switch {
	case len(sc.levels) > e.limits.MaxDepth:
		return &Fault{Code: FaultDeeplyNested, Message: "Virtual parameters are referencing each other too deeply"}
	case sc.Cycle >= e.limits.MaxCycles:
		return &Fault{Code: FaultTooManyCycles, Message: "Too many provision cycles"}
	case sc.commits >= 2*e.limits.MaxCommitIterations:
		return &Fault{Code: FaultTooManyCommits, Message: "Too many commit iterations"}
	}
	return nil
}

// request issues req unless the session is out of RPCs.
func (e *Engine) request(sc *Context, req pendingRPC) (*Request, *Fault) {
	if sc.RPCCount >= e.limits.MaxRPCs {
		return nil, &Fault{Code: FaultTooManyRPCs, Message: "Too many RPC requests"}
	}
	e.logger.Debug("rpc request", "device_id", sc.DeviceID, "rpc", req.Request.Name())
	return sc.issue(req.Request, req), nil
}

// fail stamps f, discards speculative child levels and resets the loop.
func (e *Engine) fail(sc *Context, f *Fault) *Fault {
	if f.Timestamp == 0 {
		f.Timestamp = sc.Timestamp
	}
	if len(f.Channels) == 0 {
		f.Channels = sc.allChannels()
	}
	if len(sc.levels) > 1 {
		sc.Data.Rollback(sc.levels[0].Revision)
	}
	sc.resetLevels()
	e.logger.Warn("session fault", "device_id", sc.DeviceID, "code", f.Code, "message", f.Message)
	return f
}

// completeVirtualParameters validates the results of the top level,
// pops it and records the values in the level below.
func (e *Engine) completeVirtualParameters(sc *Context) (*Fault, error) {
	lvl := sc.top()
	for _, c := range lvl.Calls {
		if f := validateResult(c); f != nil {
			return f, nil
		}
	}

	sc.levels = sc.levels[:len(sc.levels)-1]
	parent := sc.top()
	sc.Data.Commit(parent.Revision)

	root := sc.interner.MustParse(rootVirtualParameters)
	t := sc.nextTimestamp()
	var clears []devicedata.Clear
	for _, c := range lvl.Calls {
		p, err := root.Child(c.Name)
		if err != nil {
			return nil, fmt.Errorf("virtual parameter %q: %w", c.Name, err)
		}
		attrs := devicedata.Attributes{Object: &devicedata.TimedBool{Timestamp: t}}
		if r := c.Result; r != nil {
			if r.Writable != nil {
				attrs.Writable = &devicedata.TimedBool{Timestamp: t, Value: *r.Writable}
			}
			if r.Value != nil {
				attrs.Value = &devicedata.TimedValue{Timestamp: t, Value: devicedata.Sanitize(*r.Value)}
			}
		}
		if clears, err = sc.Data.Set(parent.Revision, p, t, &attrs, clears); err != nil {
			return nil, err
		}
	}
	if err := sc.Data.ApplyClears(parent.Revision, clears); err != nil {
		return nil, err
	}
	sc.activity = true
	parent.Synced = false
	return nil, nil
}

func validateResult(c *vpCall) *Fault {
	needValue := c.AttrGet.Value > 0 || (c.AttrSet != nil && c.AttrSet.Value != nil)
	if needValue && (c.Result == nil || c.Result.Value == nil) {
		return &Fault{
			Code:    FaultScript,
			Message: fmt.Sprintf("Virtual parameter %q must return property 'value'", c.Name),
		}
	}
	if c.AttrGet.Writable > 0 && (c.Result == nil || c.Result.Writable == nil) {
		return &Fault{
			Code:    FaultScript,
			Message: fmt.Sprintf("Virtual parameter %q must return property 'writable'", c.Name),
		}
	}
	return nil
}
