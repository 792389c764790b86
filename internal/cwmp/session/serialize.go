package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/versioned"
)

type state struct {
	SessionID         string                       `json:"sessionId"`
	DeviceID          string                       `json:"deviceId"`
	Timestamp         int64                        `json:"timestamp"`
	New               bool                         `json:"new,omitempty"`
	CacheKey          string                       `json:"cacheKey,omitempty"`
	Iteration         int64                        `json:"iteration"`
	Cycle             int                          `json:"cycle"`
	RPCCount          int                          `json:"rpcCount"`
	Commits           int                          `json:"commits"`
	Activity          bool                         `json:"activity,omitempty"`
	DeviceData        []dataEntry                  `json:"deviceData"`
	Changes           []string                     `json:"changes,omitempty"`
	Provisions        []Provision                  `json:"provisions,omitempty"`
	Channels          map[string]uint64            `json:"channels,omitempty"`
	Operations        map[string]*Operation        `json:"operations,omitempty"`
	OperationsTouched []string                     `json:"operationsTouched,omitempty"`
	Extra             []declarationJSON            `json:"extra,omitempty"`
	Levels            []levelJSON                  `json:"levels,omitempty"`
	Pending           *pendingJSON                 `json:"pending,omitempty"`
	PendingKeys       map[string]map[string]string `json:"pendingKeys,omitempty"`
	Resolved          map[int]map[string]int       `json:"resolved,omitempty"`
}

// dataEntry is one path of DeviceData, encoded as the tuple
// [path, trackers, timestamps, attributes]. Revision holes are null.
type dataEntry struct {
	Path       string
	Trackers   map[string]devicedata.Flags
	Timestamps []*int64
	Attributes []*devicedata.Attributes
}

func (d dataEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{d.Path, d.Trackers, d.Timestamps, d.Attributes})
}

func (d *dataEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 4 {
		return fmt.Errorf("%w: data entry has %d fields", ErrCorruptState, len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &d.Path); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &d.Trackers); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[2], &d.Timestamps); err != nil {
		return err
	}
	return json.Unmarshal(tuple[3], &d.Attributes)
}

type declarationJSON struct {
	Path    string                     `json:"path"`
	PathGet int64                      `json:"pathGet,omitempty"`
	PathSet *devicedata.InstanceRange  `json:"pathSet,omitempty"`
	AttrGet *devicedata.AttrTimestamps `json:"attrGet,omitempty"`
	AttrSet *devicedata.AttrValues     `json:"attrSet,omitempty"`
	Defer   bool                       `json:"defer,omitempty"`
}

type levelJSON struct {
	Start        int               `json:"start"`
	Revision     int               `json:"revision"`
	Calls        []*vpCall         `json:"calls,omitempty"`
	Declarations []declarationJSON `json:"declarations,omitempty"`
	Done         bool              `json:"done,omitempty"`
	Ran          bool              `json:"ran,omitempty"`
}

type pendingJSON struct {
	Request rpc.Envelope      `json:"request"`
	Path    *string           `json:"path,omitempty"`
	Keys    map[string]string `json:"keys,omitempty"`
	Desired int64             `json:"desired,omitempty"`
}

// Serialize encodes sc so that a session survives between HTTP round
// trips. The snapshot is not included; only its key is.
func Serialize(sc *Context) ([]byte, error) {
	s := state{
		SessionID:   sc.SessionID,
		DeviceID:    sc.DeviceID,
		Timestamp:   sc.Timestamp,
		New:         sc.New,
		CacheKey:    sc.CacheKey,
		Iteration:   sc.Iteration,
		Cycle:       sc.Cycle,
		RPCCount:    sc.RPCCount,
		Commits:     sc.commits,
		Activity:    sc.activity,
		Changes:     slices.Sorted(maps.Keys(sc.Data.Changes)),
		Provisions:  sc.Provisions,
		Channels:    sc.Channels,
		Operations:  sc.Operations,
		Extra:       encodeDeclarations(sc.extra),
		PendingKeys: make(map[string]map[string]string, len(sc.pendingKeys)),
		Resolved:    sc.resolved,
	}
	s.OperationsTouched = slices.Sorted(maps.Keys(sc.OperationsTouched))

	for _, p := range sc.Data.Paths.All() {
		e := dataEntry{Path: p.String(), Trackers: sc.Data.Trackers[p]}
		for _, slot := range sc.Data.Timestamps.History(p) {
			if slot.Present {
				ts := slot.Value
				e.Timestamps = append(e.Timestamps, &ts)
			} else {
				e.Timestamps = append(e.Timestamps, nil)
			}
		}
		for _, slot := range sc.Data.Attributes.History(p) {
			if slot.Present {
				attrs := slot.Value
				e.Attributes = append(e.Attributes, &attrs)
			} else {
				e.Attributes = append(e.Attributes, nil)
			}
		}
		if e.Trackers == nil && e.Timestamps == nil && e.Attributes == nil {
			continue
		}
		s.DeviceData = append(s.DeviceData, e)
	}

	for _, lvl := range sc.levels {
		s.Levels = append(s.Levels, levelJSON{
			Start:        lvl.Start,
			Revision:     lvl.Revision,
			Calls:        lvl.Calls,
			Declarations: encodeDeclarations(lvl.Declarations),
			Done:         lvl.Done,
			Ran:          lvl.Ran,
		})
	}

	if p := sc.pending; p != nil {
		env, err := rpc.Encode(p.ID, p.Request)
		if err != nil {
			return nil, fmt.Errorf("serializing pending request: %w", err)
		}
		pj := &pendingJSON{Request: env, Keys: p.Keys, Desired: p.Desired}
		if p.Path != nil {
			str := p.Path.String()
			pj.Path = &str
		}
		s.Pending = pj
	}

	for inst, keys := range sc.pendingKeys {
		s.PendingKeys[inst.String()] = keys
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serializing session %s: %w", sc.SessionID, err)
	}
	return data, nil
}

// Deserialize restores a context written by Serialize. Paths are interned
// with in; the caller pins the snapshot named by CacheKey afterwards.
func Deserialize(data []byte, in *path.Interner) (*Context, error) {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if in == nil {
		in = path.NewInterner()
	}

	sc := NewContext(Options{
		SessionID: s.SessionID,
		DeviceID:  s.DeviceID,
		Timestamp: s.Timestamp,
		New:       s.New,
		Interner:  in,
	})
	sc.CacheKey = s.CacheKey
	sc.Iteration = s.Iteration
	sc.Cycle = s.Cycle
	sc.RPCCount = s.RPCCount
	sc.commits = s.Commits
	sc.activity = s.Activity
	sc.Provisions = s.Provisions
	sc.resolved = s.Resolved
	if s.Channels != nil {
		sc.Channels = s.Channels
	}
	if s.Operations != nil {
		sc.Operations = s.Operations
	}
	for _, key := range s.OperationsTouched {
		sc.OperationsTouched[key] = struct{}{}
	}

	for _, e := range s.DeviceData {
		p, err := in.Parse(e.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrCorruptState, e.Path, err)
		}
		if p, err = sc.Data.Paths.Add(p); err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrCorruptState, e.Path, err)
		}
		if len(e.Trackers) > 0 {
			sc.Data.Trackers[p] = e.Trackers
		}
		timestamps := make([]versioned.Slot[int64], len(e.Timestamps))
		for i, ts := range e.Timestamps {
			if ts != nil {
				timestamps[i] = versioned.Slot[int64]{Value: *ts, Present: true}
			}
		}
		sc.Data.Timestamps.SetHistory(p, timestamps)
		attributes := make([]versioned.Slot[devicedata.Attributes], len(e.Attributes))
		for i, a := range e.Attributes {
			if a != nil {
				attributes[i] = versioned.Slot[devicedata.Attributes]{Value: *a, Present: true}
			}
		}
		sc.Data.Attributes.SetHistory(p, attributes)
	}
	for _, name := range s.Changes {
		sc.Data.Changes[name] = struct{}{}
	}

	var err error
	if sc.extra, err = decodeDeclarations(s.Extra, in); err != nil {
		return nil, err
	}
	for _, lj := range s.Levels {
		decls, err := decodeDeclarations(lj.Declarations, in)
		if err != nil {
			return nil, err
		}
		sc.levels = append(sc.levels, &level{
			Start:        lj.Start,
			Revision:     lj.Revision,
			Calls:        lj.Calls,
			Declarations: decls,
			Done:         lj.Done,
			Ran:          lj.Ran,
		})
	}

	if pj := s.Pending; pj != nil {
		msg, err := rpc.Decode(pj.Request)
		if err != nil {
			return nil, fmt.Errorf("%w: pending request: %v", ErrCorruptState, err)
		}
		req, ok := msg.(rpc.ACSRequest)
		if !ok {
			return nil, fmt.Errorf("%w: pending %s is not a request", ErrCorruptState, msg.Name())
		}
		p := &pendingRPC{ID: pj.Request.ID, Request: req, Keys: pj.Keys, Desired: pj.Desired}
		if pj.Path != nil {
			if p.Path, err = in.Parse(*pj.Path); err != nil {
				return nil, fmt.Errorf("%w: pending path: %v", ErrCorruptState, err)
			}
		}
		sc.pending = p
	}

	for inst, keys := range s.PendingKeys {
		p, err := in.Parse(inst)
		if err != nil {
			return nil, fmt.Errorf("%w: pending instance %q: %v", ErrCorruptState, inst, err)
		}
		sc.pendingKeys[p] = keys
	}
	return sc, nil
}

func encodeDeclarations(decls []devicedata.Declaration) []declarationJSON {
	out := make([]declarationJSON, len(decls))
	for i, d := range decls {
		out[i] = declarationJSON{
			Path:    d.Path.String(),
			PathGet: d.PathGet,
			PathSet: d.PathSet,
			AttrGet: d.AttrGet,
			AttrSet: d.AttrSet,
			Defer:   d.Defer,
		}
	}
	return out
}

func decodeDeclarations(in []declarationJSON, interner *path.Interner) ([]devicedata.Declaration, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]devicedata.Declaration, len(in))
	for i, d := range in {
		p, err := interner.Parse(d.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: declaration %q: %v", ErrCorruptState, d.Path, err)
		}
		out[i] = devicedata.Declaration{
			Path:    p,
			PathGet: d.PathGet,
			PathSet: d.PathSet,
			AttrGet: d.AttrGet,
			AttrSet: d.AttrSet,
			Defer:   d.Defer,
		}
	}
	return out, nil
}
