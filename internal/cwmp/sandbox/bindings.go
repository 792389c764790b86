package sandbox

import (
	"errors"
	"fmt"
	"math"

	"github.com/dop251/goja"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
)

// state is the per-run binding between a script and the session data.
type state struct {
	vm     *goja.Runtime
	req    session.ScriptRequest
	logger Logger

	declarations []devicedata.Declaration
	clears       []devicedata.Clear
	commits      int
	committed    bool
}

// revision is the revision reads currently see: one further into the
// window per commit() passed.
func (s *state) revision() int {
	return min(s.req.Start+s.commits, s.req.End)
}

func (s *state) native() map[string]any {
	return map[string]any{
		"declare": s.declare,
		"clear":   s.clear,
		"commit":  s.commit,
		"log":     s.log,
		"now":     s.req.Timestamp,
	}
}

func (s *state) throw(err error) {
	panic(s.vm.NewGoError(err))
}

func (s *state) parse(str string) *path.Path {
	p, err := s.req.Interner.Parse(str)
	if err != nil {
		s.throw(err)
	}
	return p
}

// declare records a declaration and returns what is currently known of
// the matching parameters.
func (s *state) declare(pathStr string, timestamps, values map[string]any) []any {
	p := s.parse(pathStr)
	d := devicedata.Declaration{Path: p, Defer: true}

	var get devicedata.AttrTimestamps
	for key, raw := range timestamps {
		ts, ok := toInt64(raw)
		if !ok {
			s.throw(fmt.Errorf("declare %s: timestamp %q must be a number", pathStr, key))
		}
		switch key {
		case "path":
			d.PathGet = ts
		case "object":
			get.Object = ts
		case "writable":
			get.Writable = ts
		case "value":
			get.Value = ts
		}
	}
	if !get.IsZero() {
		d.AttrGet = &get
	}

	var set devicedata.AttrValues
	for key, raw := range values {
		switch key {
		case "path":
			r, err := instanceRange(raw)
			if err != nil {
				s.throw(fmt.Errorf("declare %s: %w", pathStr, err))
			}
			d.PathSet = r
		case "value":
			v := toValue(raw)
			set.Value = &v
		case "writable":
			if b, ok := raw.(bool); ok {
				set.Writable = &b
			}
		case "object":
			if b, ok := raw.(bool); ok {
				set.Object = &b
			}
		}
	}
	if set != (devicedata.AttrValues{}) {
		d.AttrSet = &set
	}
	s.declarations = append(s.declarations, d)

	rev := s.revision()
	matches := s.req.Data.Unpack(p, rev)
	entries := make([]any, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, s.entry(m, rev))
	}
	return entries
}

func (s *state) entry(p *path.Path, rev int) map[string]any {
	e := map[string]any{"path": p.String()}
	attrs, ok := s.req.Data.Get(p, rev)
	if !ok {
		return e
	}
	if attrs.Object != nil {
		e["object"] = attrs.Object.Value
	}
	if attrs.Writable != nil {
		e["writable"] = attrs.Writable.Value
	}
	if attrs.Value != nil {
		v := attrs.Value.Value
		e["value"] = []any{v.Raw, v.Type}
	}
	return e
}

// clear records a cache invalidation.
func (s *state) clear(pathStr string, timestamp any, attributes map[string]any) {
	c := devicedata.Clear{Path: s.parse(pathStr)}
	if ts, ok := toInt64(timestamp); ok {
		c.Timestamp = ts
	}
	var a devicedata.AttrTimestamps
	for key, raw := range attributes {
		ts, ok := toInt64(raw)
		if !ok {
			continue
		}
		switch key {
		case "object":
			a.Object = ts
		case "writable":
			a.Writable = ts
		case "value":
			a.Value = ts
		}
	}
	if !a.IsZero() {
		c.Attributes = &a
	}
	s.clears = append(s.clears, c)
}

// commit ends the current revision. Past the end of the window the
// script is unwound and will be run again once the engine has fulfilled
// what was declared so far.
func (s *state) commit() {
	s.commits++
	if s.req.Start+s.commits > s.req.End {
		s.committed = true
		s.throw(errCommit)
	}
}

func (s *state) log(msg string, meta map[string]any) {
	args := []any{"device_id", s.req.DeviceID, "script", s.req.Name}
	for k, v := range meta {
		args = append(args, k, v)
	}
	s.logger.Debug(msg, args...)
}

var errInvalidReturn = errors.New("virtual parameter must return an object")

// returnValue converts what a virtual parameter script returned.
func returnValue(exported any) (*session.VirtualParameterResult, error) {
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, errInvalidReturn
	}
	out := &session.VirtualParameterResult{}
	if w, ok := m["writable"]; ok {
		b, ok := w.(bool)
		if !ok {
			return nil, fmt.Errorf("writable must be a boolean, got %T", w)
		}
		out.Writable = &b
	}
	if raw, ok := m["value"]; ok && raw != nil {
		v := toValue(raw)
		out.Value = &v
	}
	return out, nil
}

// toValue accepts either a bare value or a [value, type] pair.
func toValue(raw any) devicedata.Value {
	if pair, ok := raw.([]any); ok && len(pair) == 2 {
		if typ, ok := pair[1].(string); ok {
			return devicedata.Value{Raw: normalize(pair[0]), Type: typ}
		}
	}
	return devicedata.Value{Raw: normalize(raw)}
}

func instanceRange(raw any) (*devicedata.InstanceRange, error) {
	if pair, ok := raw.([]any); ok && len(pair) == 2 {
		lo, ok1 := toInt64(pair[0])
		hi, ok2 := toInt64(pair[1])
		if !ok1 || !ok2 || lo < 0 || hi < lo {
			return nil, fmt.Errorf("invalid instance range %v", raw)
		}
		return &devicedata.InstanceRange{Min: int(lo), Max: int(hi)}, nil
	}
	n, ok := toInt64(raw)
	if !ok || n < 0 {
		return nil, fmt.Errorf("invalid instance count %v", raw)
	}
	return &devicedata.InstanceRange{Min: int(n), Max: int(n)}, nil
}

func toInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// normalize turns integral floats into int64 so that they compare equal
// to sanitized device values.
func normalize(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}
