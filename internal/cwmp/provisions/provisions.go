// Package provisions implements the built-in provisions: small Go
// functions that emit declarations without going through the script
// sandbox.
//
//	refresh    [path, seconds]                  periodic refresh, jittered per device
//	value      [path, value]                    set a parameter value
//	tag        [name, bool]                     add or remove a device tag
//	reboot     []                               reboot once
//	reset      []                               factory reset once
//	download   [fileType, fileName, target?]    push a file
//	instances  [path, count|"+n"|"-n"]          converge an object instance count
package provisions

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/scheduling"
)

// ErrInvalidArguments is returned when a provision gets arguments of the
// wrong number or type.
var ErrInvalidArguments = errors.New("provisions: invalid arguments")

// maxRefreshDepth bounds the wildcard suffixes refresh declares.
const maxRefreshDepth = 16

// Context is the read-only session view a provision needs.
type Context interface {
	DeviceID() string
	// Timestamp is the session start time in Unix milliseconds.
	Timestamp() int64
	Interner() *path.Interner
	Unpack(p *path.Path, rev int) []*path.Path
	// Target returns a value the running provision stored earlier in the
	// session with SetTarget.
	Target(key string) (int, bool)
	SetTarget(key string, n int)
}

// Func emits declarations for one provision invocation. start and end are
// the revision window the provision runs against; done is false when the
// provision needs another revision to finish.
type Func func(ctx Context, args []any, start, end int) (decls []devicedata.Declaration, done bool, err error)

var registry = map[string]Func{
	"refresh":   Refresh,
	"value":     SetValue,
	"tag":       Tag,
	"reboot":    Reboot,
	"reset":     Reset,
	"download":  Download,
	"instances": Instances,
}

// Lookup returns the built-in provision called name.
func Lookup(name string) (Func, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the built-in provision names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refresh re-fetches everything under a path once per interval, or in
// the current session when no interval is given. The interval start is
// offset per device so a fleet does not refresh in lockstep.
func Refresh(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	if len(args) != 1 && len(args) != 2 {
		return nil, true, fmt.Errorf("refresh: %w", ErrInvalidArguments)
	}
	p, err := pathArg(ctx, args[0])
	if err != nil {
		return nil, true, fmt.Errorf("refresh: %w", err)
	}

	// Without an interval the subtree must be fresh as of this session.
	t := ctx.Timestamp()
	if len(args) == 2 {
		seconds, ok := numberArg(args[1])
		if !ok || seconds <= 0 {
			return nil, true, fmt.Errorf("refresh: %w: interval must be a positive number", ErrInvalidArguments)
		}
		every := int64(seconds * 1000)
		offset := scheduling.Variance(ctx.DeviceID(), every)
		t = scheduling.Interval(ctx.Timestamp(), every, offset)
	}
	get := devicedata.AttrTimestamps{Object: t, Writable: t, Value: t}

	decls := []devicedata.Declaration{{Path: p, PathGet: t, AttrGet: &get, Defer: true}}
	for i := p.Len(); i < maxRefreshDepth; i++ {
		p = p.ChildWildcard()
		attrGet := get
		decls = append(decls, devicedata.Declaration{Path: p, PathGet: t, AttrGet: &attrGet, Defer: true})
	}
	return decls, true, nil
}

// SetValue declares a parameter value. The type is taken from the device.
func SetValue(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	if len(args) != 2 {
		return nil, true, fmt.Errorf("value: %w", ErrInvalidArguments)
	}
	p, err := pathArg(ctx, args[0])
	if err != nil {
		return nil, true, fmt.Errorf("value: %w", err)
	}
	v := devicedata.Value{Raw: normalizeRaw(args[1])}
	return []devicedata.Declaration{{
		Path:    p,
		PathGet: 1,
		AttrGet: &devicedata.AttrTimestamps{Value: 1},
		AttrSet: &devicedata.AttrValues{Value: &v},
		Defer:   true,
	}}, true, nil
}

// Tag adds (true) or removes (false) a device tag.
func Tag(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	if len(args) != 2 {
		return nil, true, fmt.Errorf("tag: %w", ErrInvalidArguments)
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, true, fmt.Errorf("tag: %w: name must be a string", ErrInvalidArguments)
	}
	present, ok := args[1].(bool)
	if !ok {
		return nil, true, fmt.Errorf("tag: %w: state must be a boolean", ErrInvalidArguments)
	}
	p, err := ctx.Interner().MustParse("Tags").Child(name)
	if err != nil {
		return nil, true, fmt.Errorf("tag: %w: %v", ErrInvalidArguments, err)
	}
	v := devicedata.Value{Raw: present, Type: devicedata.TypeBoolean}
	return []devicedata.Declaration{{
		Path:    p,
		PathGet: 1,
		AttrGet: &devicedata.AttrTimestamps{Value: 1},
		AttrSet: &devicedata.AttrValues{Value: &v},
		Defer:   true,
	}}, true, nil
}

// Reboot requests a reboot stamped with the session time.
func Reboot(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	return trigger(ctx, args, "Reboot")
}

// Reset requests a factory reset stamped with the session time.
func Reset(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	return trigger(ctx, args, "FactoryReset")
}

func trigger(ctx Context, args []any, name string) ([]devicedata.Declaration, bool, error) {
	if len(args) != 0 {
		return nil, true, fmt.Errorf("%s: %w", strings.ToLower(name), ErrInvalidArguments)
	}
	v := devicedata.Value{Raw: ctx.Timestamp(), Type: devicedata.TypeDateTime}
	return []devicedata.Declaration{{
		Path:    ctx.Interner().MustParse(name),
		PathGet: 1,
		AttrGet: &devicedata.AttrTimestamps{Value: 1},
		AttrSet: &devicedata.AttrValues{Value: &v},
		Defer:   true,
	}}, true, nil
}

// Download ensures one download instance for the file and triggers it.
func Download(ctx Context, args []any, _, _ int) ([]devicedata.Declaration, bool, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, true, fmt.Errorf("download: %w", ErrInvalidArguments)
	}
	fields := []string{"FileType", "FileName", "TargetFileName"}
	var alias strings.Builder
	alias.WriteString("Downloads.[")
	for i, field := range fields {
		var v string
		if i < len(args) && args[i] != nil {
			s, ok := args[i].(string)
			if !ok {
				return nil, true, fmt.Errorf("download: %w: %s must be a string", ErrInvalidArguments, field)
			}
			v = s
		}
		if i > 0 {
			alias.WriteByte(',')
		}
		alias.WriteString(field)
		alias.WriteByte(':')
		alias.WriteString(path.QuoteAliasValue(v))
	}
	alias.WriteByte(']')

	instance, err := ctx.Interner().Parse(alias.String())
	if err != nil {
		return nil, true, fmt.Errorf("download: %w: %v", ErrInvalidArguments, err)
	}
	trigger, _ := instance.Child("Download")
	v := devicedata.Value{Raw: ctx.Timestamp(), Type: devicedata.TypeDateTime}
	return []devicedata.Declaration{
		{Path: instance, PathGet: 1, PathSet: &devicedata.InstanceRange{Min: 1, Max: 1}, Defer: true},
		{
			Path:    trigger,
			PathGet: 1,
			AttrGet: &devicedata.AttrTimestamps{Value: 1},
			AttrSet: &devicedata.AttrValues{Value: &v},
			Defer:   true,
		},
	}, true, nil
}

// Instances converges the number of instances matching a path. A count
// prefixed with "+" or "-" is relative to the count seen the first time
// the provision runs in a session and needs a second revision: the first
// one only fetches the instances. The resolved count is kept so later
// cycles converge on it instead of adding again.
func Instances(ctx Context, args []any, start, end int) ([]devicedata.Declaration, bool, error) {
	if len(args) != 2 {
		return nil, true, fmt.Errorf("instances: %w", ErrInvalidArguments)
	}
	p, err := pathArg(ctx, args[0])
	if err != nil {
		return nil, true, fmt.Errorf("instances: %w", err)
	}

	var count int
	relative := false
	switch c := args[1].(type) {
	case string:
		s := strings.TrimSpace(c)
		relative = strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, true, fmt.Errorf("instances: %w: count %q", ErrInvalidArguments, c)
		}
		count = n
	default:
		n, ok := numberArg(c)
		if !ok {
			return nil, true, fmt.Errorf("instances: %w: count must be a number", ErrInvalidArguments)
		}
		count = int(n)
	}

	if relative {
		key := "instances:" + p.String()
		if n, ok := ctx.Target(key); ok {
			count = n
		} else {
			if start == end {
				return []devicedata.Declaration{{Path: p, PathGet: 1}}, false, nil
			}
			count = max(0, len(ctx.Unpack(p, start+1))+count)
			ctx.SetTarget(key, count)
		}
	}
	if count < 0 {
		return nil, true, fmt.Errorf("instances: %w: negative count", ErrInvalidArguments)
	}
	return []devicedata.Declaration{{
		Path:    p,
		PathGet: 1,
		PathSet: &devicedata.InstanceRange{Min: count, Max: count},
		Defer:   true,
	}}, true, nil
}

func pathArg(ctx Context, arg any) (*path.Path, error) {
	s, ok := arg.(string)
	if !ok {
		return nil, fmt.Errorf("%w: path must be a string", ErrInvalidArguments)
	}
	p, err := ctx.Interner().Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return p, nil
}

func numberArg(arg any) (float64, bool) {
	switch n := arg.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// normalizeRaw turns JSON numbers into int64 where they are integral.
func normalizeRaw(v any) any {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	if i, ok := v.(int); ok {
		return int64(i)
	}
	return v
}
