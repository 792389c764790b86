package session

import (
	"maps"
	"slices"
	"strconv"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// Provision is one script invocation: a built-in provision or a script
// from the configuration snapshot, with positional arguments.
type Provision struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Fault is a device-facing failure, returned as data.
type Fault struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Detail    any      `json:"detail,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Channels  []string `json:"channels,omitempty"`
}

// Error makes a Fault usable as an error value.
func (f *Fault) Error() string { return f.Code + ": " + f.Message }

// Operation is an asynchronous device operation awaiting completion,
// currently only Download. Trigger is the value the instance's Download
// parameter was set to; Provisions are re-added once it completes.
type Operation struct {
	Name           string                 `json:"name"`
	CommandKey     string                 `json:"commandKey"`
	Timestamp      int64                  `json:"timestamp"`
	Trigger        int64                  `json:"trigger"`
	Instance       string                 `json:"instance"`
	FileType       string                 `json:"fileType"`
	FileName       string                 `json:"fileName"`
	TargetFileName string                 `json:"targetFileName,omitempty"`
	Provisions     map[string][]Provision `json:"provisions,omitempty"`
}

// Request is an RPC for the device together with the ID its response
// must carry.
type Request struct {
	ID  string
	RPC rpc.ACSRequest
}

// VirtualParameterResult is what a virtual parameter script returns.
type VirtualParameterResult struct {
	Writable *bool             `json:"writable,omitempty"`
	Value    *devicedata.Value `json:"value,omitempty"`
}

// vpCall is one pending virtual parameter evaluation.
type vpCall struct {
	Name    string                    `json:"name"`
	AttrGet devicedata.AttrTimestamps `json:"attrGet"`
	AttrSet *devicedata.AttrValues    `json:"attrSet,omitempty"`
	Result  *VirtualParameterResult   `json:"result,omitempty"`
}

// level is one nesting level of the RPCRequest loop.
type level struct {
	Start    int
	Revision int
	// Calls are the virtual parameters evaluated at this level; empty at
	// level 0, which runs the session provisions.
	Calls        []*vpCall
	Declarations []devicedata.Declaration
	Done         bool
	Ran          bool
	Synced       bool
}

type pendingRPC struct {
	ID      string
	Request rpc.ACSRequest
	// Path is the GPN root, AddObject parent, DeleteObject instance or
	// Download instance.
	Path    *path.Path
	Keys    map[string]string
	Desired int64
}

// Context is the state of one CWMP session.
type Context struct {
	SessionID string
	DeviceID  string
	// Timestamp is the session start in Unix milliseconds.
	Timestamp int64
	// New marks a device seen for the first time.
	New bool
	// CacheKey identifies the configuration snapshot pinned at start.
	CacheKey string

	Iteration int64
	Cycle     int
	RPCCount  int

	Data       *devicedata.DeviceData
	Provisions []Provision
	// Channels maps a channel to the bitmask of the Provisions it owns.
	Channels   map[string]uint64
	Operations map[string]*Operation
	// OperationsTouched lists command keys whose operation was created or
	// removed during the session.
	OperationsTouched map[string]struct{}

	interner *path.Interner
	snapshot Snapshot
	extra    []devicedata.Declaration
	levels   []*level
	pending  *pendingRPC
	sync     *syncState
	// pendingKeys holds instances created by AddObject whose alias keys
	// have not been written yet.
	pendingKeys map[*path.Path]map[string]string
	// resolved holds values a provision resolved once for the session,
	// keyed by provision index and then by the provision's own key.
	resolved map[int]map[string]int
	commits  int
	activity bool
}

// Options configure NewContext.
type Options struct {
	SessionID string
	DeviceID  string
	Timestamp int64
	New       bool
	// Interner owns every path of the session. Data must have been built
	// with it.
	Interner *path.Interner
	Data     *devicedata.DeviceData
	Snapshot Snapshot
}

// NewContext creates a session context.
func NewContext(opts Options) *Context {
	in := opts.Interner
	if in == nil {
		in = path.NewInterner()
	}
	data := opts.Data
	if data == nil {
		data = devicedata.New()
	}
	sc := &Context{
		SessionID:         opts.SessionID,
		DeviceID:          opts.DeviceID,
		Timestamp:         opts.Timestamp,
		New:               opts.New,
		Data:              data,
		Channels:          make(map[string]uint64),
		Operations:        make(map[string]*Operation),
		OperationsTouched: make(map[string]struct{}),
		interner:          in,
		pendingKeys:       make(map[*path.Path]map[string]string),
	}
	sc.SetSnapshot(opts.Snapshot)
	return sc
}

// Interner returns the interner owning the session's paths.
func (sc *Context) Interner() *path.Interner { return sc.interner }

// Snapshot returns the pinned configuration snapshot.
func (sc *Context) Snapshot() Snapshot { return sc.snapshot }

// SetSnapshot pins s, typically after Deserialize.
func (sc *Context) SetSnapshot(s Snapshot) {
	sc.snapshot = s
	if s != nil {
		sc.CacheKey = s.Key()
	}
}

// Pending returns the outstanding request, if any.
func (sc *Context) Pending() (*Request, bool) {
	if sc.pending == nil {
		return nil, false
	}
	return &Request{ID: sc.pending.ID, RPC: sc.pending.Request}, true
}

// nextTimestamp returns a timestamp strictly above every earlier one of
// the session.
func (sc *Context) nextTimestamp() int64 {
	sc.Iteration++
	return sc.Timestamp + sc.Iteration
}

// revision is the revision writes currently go to.
func (sc *Context) revision() int {
	if len(sc.levels) == 0 {
		return 1
	}
	return sc.levels[len(sc.levels)-1].Revision
}

func (sc *Context) top() *level { return sc.levels[len(sc.levels)-1] }

// resetLevels folds every speculative revision into revision 1 and drops
// the level stack, so the next RPCRequest starts over from the scripts.
func (sc *Context) resetLevels() {
	if len(sc.levels) > 0 {
		sc.Data.Commit(sc.levels[0].Start)
	}
	sc.levels = nil
	sc.sync = nil
}

// channelsOf returns the channels owning any provision in mask.
func (sc *Context) channelsOf(mask uint64) []string {
	var out []string
	for ch, m := range sc.Channels {
		if m&mask != 0 {
			out = append(out, ch)
		}
	}
	slices.Sort(out)
	return out
}

// allChannels returns every channel of the session.
func (sc *Context) allChannels() []string {
	return slices.Sorted(maps.Keys(sc.Channels))
}

// channelProvisions returns the provisions owned by each channel.
func (sc *Context) channelProvisions() map[string][]Provision {
	out := make(map[string][]Provision, len(sc.Channels))
	for ch, mask := range sc.Channels {
		for i, p := range sc.Provisions {
			if mask&(1<<uint(i)) != 0 {
				out[ch] = append(out[ch], p)
			}
		}
	}
	return out
}

func (sc *Context) issue(req rpc.ACSRequest, meta pendingRPC) *Request {
	sc.RPCCount++
	meta.ID = sc.SessionID + "-" + strconv.Itoa(sc.RPCCount)
	meta.Request = req
	sc.pending = &meta
	sc.activity = true
	return &Request{ID: meta.ID, RPC: req}
}

// provisionView exposes the session to the built-in provision at index.
type provisionView struct {
	sc    *Context
	index int
}

func (v provisionView) DeviceID() string         { return v.sc.DeviceID }
func (v provisionView) Timestamp() int64         { return v.sc.Timestamp }
func (v provisionView) Interner() *path.Interner { return v.sc.interner }

func (v provisionView) Unpack(p *path.Path, rev int) []*path.Path {
	return v.sc.Data.Unpack(p, rev)
}

func (v provisionView) Target(key string) (int, bool) {
	n, ok := v.sc.resolved[v.index][key]
	return n, ok
}

func (v provisionView) SetTarget(key string, n int) {
	if v.sc.resolved == nil {
		v.sc.resolved = make(map[int]map[string]int)
	}
	if v.sc.resolved[v.index] == nil {
		v.sc.resolved[v.index] = make(map[string]int)
	}
	v.sc.resolved[v.index][key] = n
}
