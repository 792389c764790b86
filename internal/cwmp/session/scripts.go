package session

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/provisions"
)

// runScripts runs every provision (level 0) or virtual parameter (above)
// of lvl against its revision window and records the declarations.
func (e *Engine) runScripts(ctx context.Context, sc *Context, lvl *level) (*Fault, error) {
	var (
		decls  []devicedata.Declaration
		clears []devicedata.Clear
		done   = true
	)

	if len(sc.levels) == 1 {
		for i, p := range sc.Provisions {
			res, err := e.runProvision(ctx, sc, lvl, i, p)
			if err != nil {
				return nil, err
			}
			if res.Fault != nil {
				res.Fault.Channels = sc.channelsOf(1 << uint(i))
				return res.Fault, nil
			}
			decls = append(decls, res.Declarations...)
			clears = append(clears, res.Clears...)
			done = done && res.Done
		}
		decls = append(decls, sc.extra...)
	} else {
		for _, c := range lvl.Calls {
			res, err := e.runVirtualParameter(ctx, sc, lvl, c)
			if err != nil {
				return nil, err
			}
			if res.Fault != nil {
				return res.Fault, nil
			}
			decls = append(decls, res.Declarations...)
			clears = append(clears, res.Clears...)
			done = done && res.Done
			c.Result = res.Return
		}
	}

	if err := e.applyScriptClears(sc, lvl.Revision, clears); err != nil {
		return nil, err
	}
	lvl.Declarations = decls
	lvl.Done = done
	lvl.Ran = true
	lvl.Synced = false
	return nil, nil
}

func (e *Engine) runProvision(ctx context.Context, sc *Context, lvl *level, index int, p Provision) (*ScriptResult, error) {
	if fn, ok := provisions.Lookup(p.Name); ok {
		decls, done, err := fn(provisionView{sc: sc, index: index}, p.Args, lvl.Start, lvl.Revision)
		if err != nil {
			return &ScriptResult{Fault: &Fault{Code: FaultScript, Message: err.Error()}}, nil
		}
		return &ScriptResult{Declarations: decls, Done: done}, nil
	}

	var (
		script string
		ok     bool
	)
	if sc.snapshot != nil {
		script, ok = sc.snapshot.Provision(p.Name)
	}
	if !ok {
		return &ScriptResult{Fault: &Fault{
			Code:    faultProvisionAbsent,
			Message: fmt.Sprintf("No such provision %q", p.Name),
		}}, nil
	}
	return e.run(ctx, sc, lvl, p.Name, script, p.Args)
}

func (e *Engine) runVirtualParameter(ctx context.Context, sc *Context, lvl *level, c *vpCall) (*ScriptResult, error) {
	var (
		script string
		ok     bool
	)
	if sc.snapshot != nil {
		script, ok = sc.snapshot.VirtualParameter(c.Name)
	}
	if !ok {
		return &ScriptResult{Fault: &Fault{
			Code:    faultProvisionAbsent,
			Message: fmt.Sprintf("No such virtual parameter %q", c.Name),
		}}, nil
	}
	return e.run(ctx, sc, lvl, c.Name, script, c.args())
}

func (e *Engine) run(ctx context.Context, sc *Context, lvl *level, name, script string, args []any) (*ScriptResult, error) {
	if e.runner == nil {
		return nil, fmt.Errorf("running %s: %w", name, ErrNoScriptRunner)
	}
	res, err := e.runner.Run(ctx, ScriptRequest{
		Name:      name,
		Script:    script,
		Args:      args,
		DeviceID:  sc.DeviceID,
		Timestamp: sc.Timestamp,
		Data:      sc.Data,
		Interner:  sc.interner,
		Start:     lvl.Start,
		End:       lvl.Revision,
	})
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

// args builds the arguments of a virtual parameter script: the requested
// attribute timestamps and the desired attribute values.
func (c *vpCall) args() []any {
	get := map[string]any{}
	if c.AttrGet.Object > 0 {
		get["object"] = c.AttrGet.Object
	}
	if c.AttrGet.Writable > 0 {
		get["writable"] = c.AttrGet.Writable
	}
	if c.AttrGet.Value > 0 {
		get["value"] = c.AttrGet.Value
	}
	set := map[string]any{}
	if c.AttrSet != nil {
		if c.AttrSet.Writable != nil {
			set["writable"] = *c.AttrSet.Writable
		}
		if c.AttrSet.Value != nil {
			set["value"] = []any{c.AttrSet.Value.Raw, c.AttrSet.Value.Type}
		}
	}
	return []any{get, set}
}

// applyScriptClears applies clears emitted by scripts. Timestamps are
// capped at the session start and alias paths are resolved first.
func (e *Engine) applyScriptClears(sc *Context, rev int, clears []devicedata.Clear) error {
	for _, c := range clears {
		c.Timestamp = min(c.Timestamp, sc.Timestamp)
		if c.Attributes != nil {
			a := *c.Attributes
			a.Object = min(a.Object, sc.Timestamp)
			a.Writable = min(a.Writable, sc.Timestamp)
			a.Value = min(a.Value, sc.Timestamp)
			c.Attributes = &a
		}
		if c.Path.Alias() == 0 {
			if err := sc.Data.Clear(rev, c); err != nil {
				return err
			}
			continue
		}
		for _, p := range sc.Data.Unpack(c.Path, rev) {
			resolved := c
			resolved.Path = p
			if err := sc.Data.Clear(rev, resolved); err != nil {
				return err
			}
		}
	}
	return nil
}
