package acs

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/localcache"
)

// latest reads the newest revision of the device data.
const latest = math.MaxInt

// advance moves to the next unit of work once the current provisions are
// done. It returns the extra declarations to hand to the engine, and
// false when nothing is left for the session.
func (x *exchange) advance() ([]devicedata.Declaration, bool, error) {
	for {
		switch x.st.Phase {
		case phaseStart:
			x.st.Phase = phaseTasks
		case phaseTasks:
			ok, err := x.nextTask()
			if err != nil {
				return nil, false, err
			}
			if ok {
				return nil, true, nil
			}
			x.st.Phase = phasePreconditions
			if decls := x.preconditionDeclarations(); len(decls) > 0 {
				return decls, true, nil
			}
		case phasePreconditions:
			x.st.Phase = phasePresets
			ok, err := x.applyPresets()
			if err != nil {
				return nil, false, err
			}
			if ok {
				return nil, true, nil
			}
			x.st.Phase = phaseDone
		case phasePresets:
			x.st.Phase = phaseDone
		default:
			return nil, false, nil
		}
	}
}

// ─── Tasks ──────────────────────────────────────────────────────────

// nextTask loads the provisions of the next runnable task.
func (x *exchange) nextTask() (bool, error) {
	for x.st.Task+1 < len(x.st.Tasks) {
		x.st.Task++
		t := &x.st.Tasks[x.st.Task]
		ch := t.Channel()
		if x.st.Blocked[ch] {
			x.log.Debug("skipping faulted task", "task_id", t.ID)
			continue
		}
		provs, err := taskProvisions(t)
		if err != nil {
			x.recordFault(&session.Fault{
				Code:      "invalid_task",
				Message:   err.Error(),
				Timestamp: x.sc.Timestamp,
				Channels:  []string{ch},
			})
			continue
		}
		if err := x.s.deps.Engine.AddProvisions(x.sc, ch, provs); err != nil {
			return false, fmt.Errorf("adding task %s: %w", t.ID, err)
		}
		x.log.Debug("running task", "task_id", t.ID, "name", t.Name)
		return true, nil
	}
	return false, nil
}

// taskProvisions translates a task into built-in provisions.
func taskProvisions(t *device.Task) ([]session.Provision, error) {
	a := t.Args
	switch t.Name {
	case device.TaskGetParameterValues:
		provs := make([]session.Provision, 0, len(a.ParameterNames))
		for _, name := range a.ParameterNames {
			provs = append(provs, session.Provision{Name: "refresh", Args: []any{name}})
		}
		return provs, nil
	case device.TaskRefreshObject:
		return []session.Provision{{Name: "refresh", Args: []any{trimObject(a.ObjectName)}}}, nil
	case device.TaskSetParameterValues:
		provs := make([]session.Provision, 0, len(a.ParameterValues))
		for _, pv := range a.ParameterValues {
			if len(pv) < 2 {
				return nil, fmt.Errorf("%w: parameter value needs a name and a value", device.ErrInvalidTask)
			}
			provs = append(provs, session.Provision{Name: "value", Args: []any{pv[0], pv[1]}})
		}
		return provs, nil
	case device.TaskAddObject:
		return []session.Provision{{Name: "instances", Args: []any{trimObject(a.ObjectName) + ".*", "+1"}}}, nil
	case device.TaskDeleteObject:
		return []session.Provision{{Name: "instances", Args: []any{trimObject(a.ObjectName), 0}}}, nil
	case device.TaskReboot:
		return []session.Provision{{Name: "reboot"}}, nil
	case device.TaskFactoryReset:
		return []session.Provision{{Name: "reset"}}, nil
	case device.TaskDownload:
		args := []any{a.FileType, a.FileName}
		if a.TargetFileName != "" {
			args = append(args, a.TargetFileName)
		}
		return []session.Provision{{Name: "download", Args: args}}, nil
	case device.TaskAddTag:
		return []session.Provision{{Name: "tag", Args: []any{a.Tag, true}}}, nil
	case device.TaskRemoveTag:
		return []session.Provision{{Name: "tag", Args: []any{a.Tag, false}}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown task %q", device.ErrInvalidTask, t.Name)
	}
}

// trimObject drops the trailing dot CWMP object names carry.
func trimObject(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".")
}

// ─── Presets ────────────────────────────────────────────────────────

// candidates returns the presets whose channel is runnable and whose
// events and schedule match the session.
func (x *exchange) candidates() []localcache.Preset {
	if x.snap == nil {
		return nil
	}
	start := time.UnixMilli(x.st.Started)
	var out []localcache.Preset
	for _, p := range x.snap.Presets() {
		if x.st.Blocked[p.Channel] {
			continue
		}
		if !eventsMatch(p.Events, x.st.Events) {
			continue
		}
		if p.Schedule != nil && !p.Schedule.Cron.InWindow(start, p.Schedule.Duration) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// preconditionDeclarations fetches every parameter a candidate preset's
// precondition reads.
func (x *exchange) preconditionDeclarations() []devicedata.Declaration {
	seen := make(map[*path.Path]bool)
	var decls []devicedata.Declaration
	for _, p := range x.candidates() {
		for _, name := range sortedKeys(p.Precondition) {
			pp, err := x.sc.Interner().Parse(name)
			if err != nil {
				x.log.Warn("ignoring invalid precondition path", "preset", p.Name, "path", name, "error", err)
				continue
			}
			if seen[pp] {
				continue
			}
			seen[pp] = true
			decls = append(decls, devicedata.Declaration{
				Path:    pp,
				PathGet: 1,
				AttrGet: &devicedata.AttrTimestamps{Value: 1},
			})
		}
	}
	return decls
}

// applyPresets adds the provisions of every matching preset, lower
// weights first.
func (x *exchange) applyPresets() (bool, error) {
	added := false
	for _, p := range x.candidates() {
		if !x.preconditionHolds(p.Precondition) {
			continue
		}
		if err := x.s.deps.Engine.AddProvisions(x.sc, p.Channel, p.Provisions); err != nil {
			return false, fmt.Errorf("adding preset %s: %w", p.Name, err)
		}
		x.log.Debug("preset matched", "preset", p.Name, "channel", p.Channel)
		added = true
	}
	return added, nil
}

// eventsMatch checks required (true) and forbidden (false) event codes.
func eventsMatch(want map[string]bool, events []string) bool {
	for code, present := range want {
		if slices.Contains(events, code) != present {
			return false
		}
	}
	return true
}

// preconditionHolds reports whether every named parameter holds the
// expected value.
func (x *exchange) preconditionHolds(cond map[string]any) bool {
	for name, want := range cond {
		got, ok := x.value(name)
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// value reads a parameter value from the session's device data.
func (x *exchange) value(name string) (any, bool) {
	p, err := x.sc.Interner().Parse(name)
	if err != nil {
		return nil, false
	}
	stored := x.sc.Data.Paths.Get(p)
	if stored == nil {
		return nil, false
	}
	attrs, ok := x.sc.Data.Get(stored, latest)
	if !ok || attrs.Value == nil {
		return nil, false
	}
	return attrs.Value.Value.Raw, true
}

// valueEqual compares a device value with a configured one. YAML
// decodes numbers as int or float64 while device data holds int64, so
// numbers compare numerically and anything else falls back to the
// string forms.
func valueEqual(got, want any) bool {
	if g, ok := number(got); ok {
		if w, ok := number(want); ok {
			return g == w
		}
	}
	if g, ok := got.(bool); ok {
		if w, ok := want.(bool); ok {
			return g == w
		}
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
