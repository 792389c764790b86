package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// ─── Mock Dependencies ──────────────────────────────────────────────

type mockSnapshot struct {
	provisions map[string]string
	vparams    map[string]string
}

func (m *mockSnapshot) Key() string { return "snapshot-1" }

func (m *mockSnapshot) Provision(name string) (string, bool) {
	s, ok := m.provisions[name]
	return s, ok
}

func (m *mockSnapshot) VirtualParameter(name string) (string, bool) {
	s, ok := m.vparams[name]
	return s, ok
}

func (m *mockSnapshot) VirtualParameterNames() []string {
	return slices.Sorted(maps.Keys(m.vparams))
}

func (m *mockSnapshot) FileURL(name string) (string, int64) {
	return "http://files.test/" + name, 1024
}

type mockRunner struct {
	run   func(req ScriptRequest) *ScriptResult
	calls []string
}

func (m *mockRunner) Run(_ context.Context, req ScriptRequest) (*ScriptResult, error) {
	m.calls = append(m.calls, req.Name)
	return m.run(req), nil
}

// ─── Helpers ────────────────────────────────────────────────────────

const sessionStart = int64(1_000_000)

func newSession(t *testing.T, snap Snapshot) *Context {
	t.Helper()
	return NewContext(Options{
		SessionID: "S",
		DeviceID:  "OUI-CLASS-SN1",
		Timestamp: sessionStart,
		New:       true,
		Snapshot:  snap,
	})
}

func inform(t *testing.T, e *Engine, sc *Context, params ...rpc.ParameterValue) {
	t.Helper()
	_, err := e.Inform(sc, &rpc.Inform{
		DeviceID:      rpc.DeviceID{Manufacturer: "Acme", OUI: "OUI", ProductClass: "CLASS", SerialNumber: "SN1"},
		Event:         []string{"1 BOOT"},
		ParameterList: params,
	})
	if err != nil {
		t.Fatalf("Inform() error = %v", err)
	}
}

func param(name, value string) rpc.ParameterValue {
	return rpc.ParameterValue{Name: name, Value: str(value)}
}

func addDefault(t *testing.T, e *Engine, sc *Context, provs ...Provision) {
	t.Helper()
	if err := e.AddProvisions(sc, "default", provs); err != nil {
		t.Fatalf("AddProvisions() error = %v", err)
	}
}

// next asks for the next request and fails on faults and errors.
func next(t *testing.T, e *Engine, sc *Context) *Request {
	t.Helper()
	req, fault, err := e.RPCRequest(context.Background(), sc, nil)
	if err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	if fault != nil {
		t.Fatalf("RPCRequest() fault = %+v", fault)
	}
	return req
}

func respond(t *testing.T, e *Engine, sc *Context, req *Request, res rpc.CPEResponse) {
	t.Helper()
	if err := e.RPCResponse(sc, req.ID, res); err != nil {
		t.Fatalf("RPCResponse(%s) error = %v", res.Name(), err)
	}
}

func valueOf(t *testing.T, sc *Context, name string) any {
	t.Helper()
	attrs, ok := sc.Data.Get(sc.Interner().MustParse(name), 1)
	if !ok || attrs.Value == nil {
		return nil
	}
	return attrs.Value.Value.Raw
}

func seed(t *testing.T, sc *Context, name string, ts int64, attrs *devicedata.Attributes) {
	t.Helper()
	clears, err := sc.Data.Set(1, sc.Interner().MustParse(name), ts, attrs, nil)
	if err != nil {
		t.Fatalf("Set(%s) error = %v", name, err)
	}
	if err := sc.Data.ApplyClears(1, clears); err != nil {
		t.Fatalf("ApplyClears() error = %v", err)
	}
}

func object(ts int64) *devicedata.Attributes {
	return &devicedata.Attributes{Object: &devicedata.TimedBool{Timestamp: ts, Value: true}}
}

// ─── Inform ─────────────────────────────────────────────────────────

func TestInform_SeedsIdentityAndEvents(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.DeviceInfo.SoftwareVersion", "1.0"))

	tests := []struct {
		name string
		want any
	}{
		{"DeviceID.SerialNumber", "SN1"},
		{"DeviceID.OUI", "OUI"},
		{"DeviceID.ID", "OUI-CLASS-SN1"},
		{"Events.Inform", sessionStart},
		{"Events.1_BOOT", sessionStart},
		{"Events.Registered", sessionStart},
		{"Device.DeviceInfo.SoftwareVersion", "1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueOf(t, sc, tt.name); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestInform_Idempotent(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "a"))
	inform(t, e, sc, param("Device.X", "a"))

	if got := valueOf(t, sc, "Device.X"); got != "a" {
		t.Errorf("Device.X = %v, want a", got)
	}
	if req := next(t, e, sc); req != nil {
		t.Errorf("RPCRequest() = %s, want nothing without provisions", req.RPC.Name())
	}
}

func TestInform_VirtualParametersListed(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	snap := &mockSnapshot{vparams: map[string]string{"uptime": "return 1"}}
	sc := newSession(t, snap)
	seed(t, sc, "VirtualParameters.stale", 10, &devicedata.Attributes{
		Object: &devicedata.TimedBool{Timestamp: 10},
	})
	inform(t, e, sc)

	in := sc.Interner()
	if !sc.Data.Attributes.Has(in.MustParse("VirtualParameters.uptime"), 1) {
		t.Error("VirtualParameters.uptime missing after inform")
	}
	if sc.Data.Attributes.Has(in.MustParse("VirtualParameters.stale"), 1) {
		t.Error("VirtualParameters.stale should be removed after inform")
	}
}

func TestEventName(t *testing.T) {
	tests := map[string]string{
		"1 BOOT":              "1_BOOT",
		"M Download":          "M_Download",
		"7 TRANSFER COMPLETE": "7_TRANSFER_COMPLETE",
		"X-VENDOR_1":          "X-VENDOR_1",
	}
	for in, want := range tests {
		if got := eventName(in); got != want {
			t.Errorf("eventName(%q) = %q, want %q", in, got, want)
		}
	}
}

// ─── Request Loop ───────────────────────────────────────────────────

func TestRPCRequest_SetsDifferingValue(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.X", "v2"}})

	req := next(t, e, sc)
	spv, ok := req.RPC.(*rpc.SetParameterValues)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want SetParameterValues", req.RPC)
	}
	if len(spv.ParameterList) != 1 || spv.ParameterList[0].Name != "Device.X" || spv.ParameterList[0].Value.Raw != "v2" {
		t.Fatalf("ParameterList = %+v, want Device.X=v2", spv.ParameterList)
	}
	if req.ID != "S-1" {
		t.Errorf("ID = %q, want S-1", req.ID)
	}

	// Asking again returns the same outstanding request.
	if again := next(t, e, sc); again.ID != req.ID {
		t.Errorf("repeated RPCRequest() ID = %q, want %q", again.ID, req.ID)
	}

	respond(t, e, sc, req, &rpc.SetParameterValuesResponse{})
	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, sc, "Device.X"); got != "v2" {
		t.Errorf("Device.X = %v, want v2", got)
	}
}

func TestRPCRequest_DiscoversThenFetchesThenSets(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.Y", "new"}})

	req := next(t, e, sc)
	gpn, ok := req.RPC.(*rpc.GetParameterNames)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want GetParameterNames", req.RPC)
	}
	if gpn.ParameterPath != "Device." {
		t.Errorf("ParameterPath = %q, want Device.", gpn.ParameterPath)
	}
	respond(t, e, sc, req, &rpc.GetParameterNamesResponse{ParameterList: []rpc.ParameterInfo{
		{Name: "Device.X", Writable: true},
		{Name: "Device.Y", Writable: true},
	}})

	req = next(t, e, sc)
	gpv, ok := req.RPC.(*rpc.GetParameterValues)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want GetParameterValues", req.RPC)
	}
	if len(gpv.ParameterNames) != 1 || gpv.ParameterNames[0] != "Device.Y" {
		t.Fatalf("ParameterNames = %v, want [Device.Y]", gpv.ParameterNames)
	}
	respond(t, e, sc, req, &rpc.GetParameterValuesResponse{ParameterList: []rpc.ParameterValue{param("Device.Y", "old")}})

	req = next(t, e, sc)
	spv, ok := req.RPC.(*rpc.SetParameterValues)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want SetParameterValues", req.RPC)
	}
	if spv.ParameterList[0].Value != str("new") {
		t.Errorf("value = %+v, want new", spv.ParameterList[0].Value)
	}
	respond(t, e, sc, req, &rpc.SetParameterValuesResponse{})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if sc.RPCCount != 3 {
		t.Errorf("RPCCount = %d, want 3", sc.RPCCount)
	}
}

func TestRPCRequest_TagIsWrittenLocally(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc)
	addDefault(t, e, sc, Provision{Name: "tag", Args: []any{"blue", true}})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, sc, "Tags.blue"); got != true {
		t.Errorf("Tags.blue = %v, want true", got)
	}
	if sc.RPCCount != 0 {
		t.Errorf("RPCCount = %d, want 0", sc.RPCCount)
	}
}

func TestRPCRequest_RebootOnce(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc)
	addDefault(t, e, sc, Provision{Name: "reboot"})

	req := next(t, e, sc)
	reboot, ok := req.RPC.(*rpc.Reboot)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want Reboot", req.RPC)
	}
	if reboot.CommandKey != "lfls" {
		t.Errorf("CommandKey = %q, want lfls", reboot.CommandKey)
	}
	respond(t, e, sc, req, &rpc.RebootResponse{})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, sc, "Reboot"); got != sessionStart {
		t.Errorf("Reboot = %v, want %d", got, sessionStart)
	}
}

func TestRPCRequest_AddObjectWithAliasKeys(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	seed(t, sc, "Device.Hosts", 500, object(500))
	seed(t, sc, "Device.Hosts.*", 500, nil)
	addDefault(t, e, sc, Provision{Name: "instances", Args: []any{"Device.Hosts.[Name:foo]", 1}})

	req := next(t, e, sc)
	add, ok := req.RPC.(*rpc.AddObject)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want AddObject", req.RPC)
	}
	if add.ObjectName != "Device.Hosts." {
		t.Errorf("ObjectName = %q, want Device.Hosts.", add.ObjectName)
	}
	respond(t, e, sc, req, &rpc.AddObjectResponse{InstanceNumber: "1"})

	req = next(t, e, sc)
	gpn, ok := req.RPC.(*rpc.GetParameterNames)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want GetParameterNames", req.RPC)
	}
	if gpn.ParameterPath != "Device.Hosts.1." {
		t.Errorf("ParameterPath = %q, want Device.Hosts.1.", gpn.ParameterPath)
	}
	respond(t, e, sc, req, &rpc.GetParameterNamesResponse{ParameterList: []rpc.ParameterInfo{
		{Name: "Device.Hosts.1.Name", Writable: true},
	}})

	req = next(t, e, sc)
	if _, ok := req.RPC.(*rpc.GetParameterValues); !ok {
		t.Fatalf("RPCRequest() = %T, want GetParameterValues", req.RPC)
	}
	respond(t, e, sc, req, &rpc.GetParameterValuesResponse{ParameterList: []rpc.ParameterValue{param("Device.Hosts.1.Name", "")}})

	req = next(t, e, sc)
	spv, ok := req.RPC.(*rpc.SetParameterValues)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want SetParameterValues", req.RPC)
	}
	if pv := spv.ParameterList[0]; pv.Name != "Device.Hosts.1.Name" || pv.Value.Raw != "foo" {
		t.Fatalf("ParameterList = %+v, want Device.Hosts.1.Name=foo", spv.ParameterList)
	}
	respond(t, e, sc, req, &rpc.SetParameterValuesResponse{})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if len(sc.pendingKeys) != 0 {
		t.Errorf("pendingKeys = %v, want empty", sc.pendingKeys)
	}
}

func TestRPCRequest_RelativeInstancesConverge(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	seed(t, sc, "Device.Hosts", 500, object(500))
	seed(t, sc, "Device.Hosts.1", 500, object(500))
	seed(t, sc, "Device.Hosts.*", 500, nil)
	addDefault(t, e, sc, Provision{Name: "instances", Args: []any{"Device.Hosts.*", "+1"}})

	adds := 0
	for i := 0; ; i++ {
		if i == 20 {
			t.Fatalf("session did not settle after %d requests (%d AddObject)", i, adds)
		}
		req, fault, err := e.RPCRequest(context.Background(), sc, nil)
		if err != nil {
			t.Fatalf("RPCRequest() error = %v", err)
		}
		if fault != nil {
			t.Fatalf("RPCRequest() fault = %+v after %d AddObject", fault, adds)
		}
		if req == nil {
			break
		}
		switch req.RPC.(type) {
		case *rpc.AddObject:
			adds++
			respond(t, e, sc, req, &rpc.AddObjectResponse{InstanceNumber: strconv.Itoa(adds + 1)})

			// The resolved count must survive a round trip between requests.
			data, err := Serialize(sc)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if sc, err = Deserialize(data, sc.Interner()); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
		case *rpc.GetParameterNames:
			respond(t, e, sc, req, &rpc.GetParameterNamesResponse{})
		case *rpc.GetParameterValues:
			respond(t, e, sc, req, &rpc.GetParameterValuesResponse{})
		default:
			t.Fatalf("RPCRequest() = %s, want AddObject or discovery", req.RPC.Name())
		}
	}

	if adds != 1 {
		t.Errorf("AddObject sent %d times, want 1", adds)
	}
	if got := sc.Data.Unpack(sc.Interner().MustParse("Device.Hosts.*"), 1); len(got) != 2 {
		t.Errorf("instances = %v, want 2", got)
	}
}

func TestRPCRequest_DownloadProvision(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, &mockSnapshot{})
	inform(t, e, sc)
	addDefault(t, e, sc, Provision{Name: "download", Args: []any{"1 Firmware Upgrade Image", "fw.bin"}})

	req := next(t, e, sc)
	dl, ok := req.RPC.(*rpc.Download)
	if !ok {
		t.Fatalf("RPCRequest() = %T, want Download", req.RPC)
	}
	if dl.CommandKey != "lfls-1" {
		t.Errorf("CommandKey = %q, want lfls-1", dl.CommandKey)
	}
	if dl.FileType != "1 Firmware Upgrade Image" {
		t.Errorf("FileType = %q", dl.FileType)
	}
	if dl.URL != "http://files.test/fw.bin" || dl.FileSize != 1024 {
		t.Errorf("URL = %q, FileSize = %d", dl.URL, dl.FileSize)
	}

	// The instance was created locally before the RPC went out.
	if got := valueOf(t, sc, "Downloads.1.FileName"); got != "fw.bin" {
		t.Errorf("Downloads.1.FileName = %v, want fw.bin", got)
	}

	start := time.UnixMilli(sessionStart + 10)
	respond(t, e, sc, req, &rpc.DownloadResponse{Status: 0, StartTime: start, CompleteTime: start.Add(time.Second)})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, sc, "Downloads.1.Download"); got != sessionStart {
		t.Errorf("Download = %v, want %d", got, sessionStart)
	}
	if got := valueOf(t, sc, "Downloads.1.LastDownload"); got != sessionStart {
		t.Errorf("LastDownload = %v, want %d", got, sessionStart)
	}
	if got := valueOf(t, sc, "Downloads.1.LastFileName"); got != "fw.bin" {
		t.Errorf("LastFileName = %v, want fw.bin", got)
	}
	if got := valueOf(t, sc, "Downloads.1.CompleteTime"); got != start.Add(time.Second).UnixMilli() {
		t.Errorf("CompleteTime = %v", got)
	}
	if len(sc.Operations) != 0 {
		t.Errorf("Operations = %v, want none for a completed download", sc.Operations)
	}
}

func TestRPCRequest_DeferredValueYieldsToExplicit(t *testing.T) {
	snap := &mockSnapshot{provisions: map[string]string{"override": "declare('Device.X', null, {value: 'v3'})"}}
	runner := &mockRunner{run: func(req ScriptRequest) *ScriptResult {
		v := devicedata.Value{Raw: "v3", Type: devicedata.TypeString}
		return &ScriptResult{Done: true, Declarations: []devicedata.Declaration{{
			Path:    req.Interner.MustParse("Device.X"),
			AttrGet: &devicedata.AttrTimestamps{Value: 1},
			AttrSet: &devicedata.AttrValues{Value: &v},
		}}}
	}}
	deferred := Provision{Name: "value", Args: []any{"Device.X", "v2"}}
	explicit := Provision{Name: "override"}

	tests := []struct {
		name  string
		order []Provision
	}{
		{"deferred first", []Provision{deferred, explicit}},
		{"explicit first", []Provision{explicit, deferred}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Limits{}, runner)
			sc := newSession(t, snap)
			inform(t, e, sc, param("Device.X", "v1"))
			addDefault(t, e, sc, tt.order...)

			req := next(t, e, sc)
			spv, ok := req.RPC.(*rpc.SetParameterValues)
			if !ok {
				t.Fatalf("RPCRequest() = %T, want SetParameterValues", req.RPC)
			}
			if len(spv.ParameterList) != 1 || spv.ParameterList[0].Value.Raw != "v3" {
				t.Fatalf("ParameterList = %+v, want Device.X=v3", spv.ParameterList)
			}
			respond(t, e, sc, req, &rpc.SetParameterValuesResponse{})
			if req := next(t, e, sc); req != nil {
				t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
			}
		})
	}
}

func TestMergeAttrSet(t *testing.T) {
	yes, no := true, false
	v2 := devicedata.Value{Raw: "v2", Type: devicedata.TypeString}
	v3 := devicedata.Value{Raw: "v3", Type: devicedata.TypeString}

	// A deferred writable survives a later explicit value.
	got := mergeAttrSet(devicedata.AttrValues{}, devicedata.AttrValues{Writable: &yes}, true)
	got = mergeAttrSet(got, devicedata.AttrValues{Value: &v3}, false)
	if got.Writable == nil || !*got.Writable {
		t.Errorf("Writable = %v, want true", got.Writable)
	}
	if got.Value == nil || got.Value.Raw != "v3" {
		t.Errorf("Value = %v, want v3", got.Value)
	}

	// A deferred attribute fills gaps only.
	got = mergeAttrSet(got, devicedata.AttrValues{Writable: &no, Value: &v2, Object: &yes}, true)
	if !*got.Writable || got.Value.Raw != "v3" {
		t.Errorf("deferred overwrote explicit attributes: %+v", got)
	}
	if got.Object == nil || !*got.Object {
		t.Errorf("Object = %v, want filled by deferred", got.Object)
	}

	// An explicit attribute always wins.
	got = mergeAttrSet(got, devicedata.AttrValues{Writable: &no}, false)
	if *got.Writable {
		t.Error("explicit Writable did not overwrite")
	}
}

func TestRPCRequest_VirtualParameter(t *testing.T) {
	snap := &mockSnapshot{
		provisions: map[string]string{"show": "declare('VirtualParameters.uptime', {value: 1})"},
		vparams:    map[string]string{"uptime": "return {value: 42}"},
	}
	runner := &mockRunner{run: func(req ScriptRequest) *ScriptResult {
		switch req.Name {
		case "show":
			return &ScriptResult{Done: true, Declarations: []devicedata.Declaration{{
				Path:    req.Interner.MustParse("VirtualParameters.uptime"),
				AttrGet: &devicedata.AttrTimestamps{Value: 1},
			}}}
		case "uptime":
			v := devicedata.Value{Raw: int64(42), Type: devicedata.TypeInt}
			return &ScriptResult{Done: true, Return: &VirtualParameterResult{Value: &v}}
		}
		return &ScriptResult{Done: true}
	}}
	e := NewEngine(Limits{}, runner)
	sc := newSession(t, snap)
	inform(t, e, sc)
	addDefault(t, e, sc, Provision{Name: "show"})

	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, sc, "VirtualParameters.uptime"); got != int64(42) {
		t.Errorf("VirtualParameters.uptime = %v, want 42", got)
	}
	vpRuns := 0
	for _, name := range runner.calls {
		if name == "uptime" {
			vpRuns++
		}
	}
	if vpRuns != 1 {
		t.Errorf("uptime ran %d times, want 1 (calls %v)", vpRuns, runner.calls)
	}
}

// ─── Faults and Limits ──────────────────────────────────────────────

func TestRPCRequest_Faults(t *testing.T) {
	tests := []struct {
		name     string
		limits   Limits
		snap     *mockSnapshot
		run      func(req ScriptRequest) *ScriptResult
		provs    []Provision
		wantCode string
	}{
		{
			name:     "unknown provision",
			snap:     &mockSnapshot{},
			provs:    []Provision{{Name: "missing"}},
			wantCode: "script.NotFound",
		},
		{
			name:     "invalid built-in arguments",
			provs:    []Provision{{Name: "tag", Args: []any{"x"}}},
			wantCode: FaultScript,
		},
		{
			name: "script fault",
			snap: &mockSnapshot{provisions: map[string]string{"boom": "throw"}},
			run: func(ScriptRequest) *ScriptResult {
				return &ScriptResult{Fault: &Fault{Code: "script.Error", Message: "boom"}}
			},
			provs:    []Provision{{Name: "boom"}},
			wantCode: "script.Error",
		},
		{
			name: "never done",
			snap: &mockSnapshot{provisions: map[string]string{"loop": "commit()"}},
			run: func(ScriptRequest) *ScriptResult {
				return &ScriptResult{Done: false}
			},
			provs:    []Provision{{Name: "loop"}},
			wantCode: FaultTooManyCommits,
		},
		{
			name: "tag toggles forever",
			snap: &mockSnapshot{provisions: map[string]string{"toggle": "flip"}},
			run: func(req ScriptRequest) *ScriptResult {
				p := req.Interner.MustParse("Tags.flip")
				v := devicedata.Value{Raw: !req.Data.Attributes.Has(p, req.End), Type: devicedata.TypeBoolean}
				return &ScriptResult{Done: true, Declarations: []devicedata.Declaration{{
					Path:    p,
					AttrSet: &devicedata.AttrValues{Value: &v},
				}}}
			},
			provs:    []Provision{{Name: "toggle"}},
			wantCode: FaultTooManyCycles,
		},
		{
			name: "missing virtual parameter value",
			snap: &mockSnapshot{
				provisions: map[string]string{"show": "declare"},
				vparams:    map[string]string{"broken": "return {}"},
			},
			run: func(req ScriptRequest) *ScriptResult {
				if req.Name == "show" {
					return &ScriptResult{Done: true, Declarations: []devicedata.Declaration{{
						Path:    req.Interner.MustParse("VirtualParameters.broken"),
						AttrGet: &devicedata.AttrTimestamps{Value: 1},
					}}}
				}
				return &ScriptResult{Done: true}
			},
			provs:    []Provision{{Name: "show"}},
			wantCode: FaultScript,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runner ScriptRunner
			if tt.run != nil {
				runner = &mockRunner{run: tt.run}
			}
			e := NewEngine(tt.limits, runner)
			var snap Snapshot
			if tt.snap != nil {
				snap = tt.snap
			}
			sc := newSession(t, snap)
			inform(t, e, sc)
			addDefault(t, e, sc, tt.provs...)

			req, fault, err := e.RPCRequest(context.Background(), sc, nil)
			if err != nil {
				t.Fatalf("RPCRequest() error = %v", err)
			}
			if req != nil {
				t.Fatalf("RPCRequest() = %s, want fault", req.RPC.Name())
			}
			if fault == nil || fault.Code != tt.wantCode {
				t.Fatalf("fault = %+v, want code %s", fault, tt.wantCode)
			}
			if len(fault.Channels) != 1 || fault.Channels[0] != "default" {
				t.Errorf("Channels = %v, want [default]", fault.Channels)
			}
			if fault.Timestamp != sessionStart {
				t.Errorf("Timestamp = %d, want %d", fault.Timestamp, sessionStart)
			}
		})
	}
}

func TestRPCRequest_TooManyRPCs(t *testing.T) {
	e := NewEngine(Limits{MaxRPCs: 1}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.Y", "new"}})

	req := next(t, e, sc)
	respond(t, e, sc, req, &rpc.GetParameterNamesResponse{ParameterList: []rpc.ParameterInfo{
		{Name: "Device.Y", Writable: true},
	}})

	_, fault, err := e.RPCRequest(context.Background(), sc, nil)
	if err != nil {
		t.Fatalf("RPCRequest() error = %v", err)
	}
	if fault == nil || fault.Code != FaultTooManyRPCs {
		t.Fatalf("fault = %+v, want %s", fault, FaultTooManyRPCs)
	}
}

func TestRPCRequest_NoRunner(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, &mockSnapshot{provisions: map[string]string{"script": "x"}})
	addDefault(t, e, sc, Provision{Name: "script"})

	_, _, err := e.RPCRequest(context.Background(), sc, nil)
	if !errors.Is(err, ErrNoScriptRunner) {
		t.Fatalf("RPCRequest() error = %v, want ErrNoScriptRunner", err)
	}
}

func TestRPCFault_InvalidNameClearsPath(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.Y", "new"}})

	req := next(t, e, sc)
	respond(t, e, sc, req, &rpc.GetParameterNamesResponse{ParameterList: []rpc.ParameterInfo{
		{Name: "Device.X", Writable: true},
		{Name: "Device.Y", Writable: true},
	}})
	req = next(t, e, sc)
	if _, ok := req.RPC.(*rpc.GetParameterValues); !ok {
		t.Fatalf("RPCRequest() = %T, want GetParameterValues", req.RPC)
	}

	fault, err := e.RPCFault(sc, req.ID, &rpc.Fault{FaultCode: rpc.InvalidParameterName, FaultString: "Invalid parameter name"})
	if err != nil {
		t.Fatalf("RPCFault() error = %v", err)
	}
	if fault != nil {
		t.Fatalf("RPCFault() = %+v, want nil", fault)
	}
	if sc.Data.Attributes.Has(sc.Interner().MustParse("Device.Y"), 1) {
		t.Error("Device.Y should be cleared")
	}

	// The listing that claimed Device.Y is no longer trusted.
	req = next(t, e, sc)
	if gpn, ok := req.RPC.(*rpc.GetParameterNames); !ok || gpn.ParameterPath != "Device." {
		t.Fatalf("RPCRequest() = %+v, want GetParameterNames Device.", req.RPC)
	}
	respond(t, e, sc, req, &rpc.GetParameterNamesResponse{ParameterList: []rpc.ParameterInfo{
		{Name: "Device.X", Writable: true},
	}})
	if req := next(t, e, sc); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
}

func TestRPCFault_OtherCodeEndsSession(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.X", "v2"}})

	req := next(t, e, sc)
	fault, err := e.RPCFault(sc, req.ID, &rpc.Fault{FaultCode: "9002", FaultString: "Internal error"})
	if err != nil {
		t.Fatalf("RPCFault() error = %v", err)
	}
	if fault == nil || fault.Code != "cwmp.9002" {
		t.Fatalf("fault = %+v, want cwmp.9002", fault)
	}
	if _, pending := sc.Pending(); pending {
		t.Error("request still pending after fault")
	}
}

func TestRPCResponse_Mismatch(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)

	if err := e.RPCResponse(sc, "S-1", &rpc.SetParameterValuesResponse{}); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("RPCResponse() error = %v, want ErrNoPendingRequest", err)
	}

	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.X", "v2"}})
	req := next(t, e, sc)

	tests := []struct {
		name string
		id   string
		res  rpc.CPEResponse
	}{
		{"wrong id", "S-99", &rpc.SetParameterValuesResponse{}},
		{"wrong type", req.ID, &rpc.GetParameterValuesResponse{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.RPCResponse(sc, tt.id, tt.res); !errors.Is(err, ErrResponseMismatch) {
				t.Errorf("RPCResponse() error = %v, want ErrResponseMismatch", err)
			}
		})
	}
}

// ─── Provisions and Channels ────────────────────────────────────────

func TestAddProvisions_SharesIdenticalProvisions(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)

	refresh := Provision{Name: "refresh", Args: []any{"Device.", float64(60)}}
	if err := e.AddProvisions(sc, "a", []Provision{refresh}); err != nil {
		t.Fatalf("AddProvisions(a) error = %v", err)
	}
	if err := e.AddProvisions(sc, "b", []Provision{refresh, {Name: "reboot"}}); err != nil {
		t.Fatalf("AddProvisions(b) error = %v", err)
	}

	if len(sc.Provisions) != 2 {
		t.Fatalf("Provisions = %v, want 2 entries", sc.Provisions)
	}
	if sc.Channels["a"] != 0b01 || sc.Channels["b"] != 0b11 {
		t.Errorf("Channels = %v, want a=1 b=3", sc.Channels)
	}
	if got := sc.channelsOf(0b10); len(got) != 1 || got[0] != "b" {
		t.Errorf("channelsOf(2) = %v, want [b]", got)
	}

	e.ClearProvisions(sc)
	if len(sc.Provisions) != 0 || len(sc.Channels) != 0 {
		t.Errorf("after ClearProvisions: %v %v", sc.Provisions, sc.Channels)
	}
}

func TestAddProvisions_Limit(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	provs := make([]Provision, maxProvisions+1)
	for i := range provs {
		provs[i] = Provision{Name: "tag", Args: []any{"t", float64(i)}}
	}
	if err := e.AddProvisions(sc, "default", provs); !errors.Is(err, ErrTooManyProvisions) {
		t.Fatalf("AddProvisions() error = %v, want ErrTooManyProvisions", err)
	}
}

// ─── Operations ─────────────────────────────────────────────────────

func pendingDownload(t *testing.T, sc *Context) *Operation {
	t.Helper()
	seed(t, sc, "Downloads.1", 500, object(500))
	seed(t, sc, "Downloads.1.Download", 500, &devicedata.Attributes{
		Writable: &devicedata.TimedBool{Timestamp: 500, Value: true},
		Value:    &devicedata.TimedValue{Timestamp: 500, Value: devicedata.Value{Raw: int64(900), Type: devicedata.TypeDateTime}},
	})
	op := &Operation{
		Name:       "Download",
		CommandKey: "pp-1",
		Timestamp:  sessionStart - 1000,
		Trigger:    900,
		Instance:   "Downloads.1",
		FileType:   "1 Firmware Upgrade Image",
		FileName:   "fw.bin",
		Provisions: map[string][]Provision{"default": {{Name: "tag", Args: []any{"upgraded", true}}}},
	}
	sc.Operations[op.CommandKey] = op
	return op
}

func TestTransferComplete(t *testing.T) {
	start := time.UnixMilli(sessionStart - 500)
	tests := []struct {
		name         string
		fault        *rpc.FaultStruct
		wantFault    string
		wantDownload any
		wantLastFile any
	}{
		{name: "success", wantDownload: int64(900), wantLastFile: "fw.bin"},
		{
			name:         "failure",
			fault:        &rpc.FaultStruct{FaultCode: "9010", FaultString: "Download failure"},
			wantFault:    "cwmp.9010",
			wantDownload: int64(0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(Limits{}, nil)
			sc := newSession(t, nil)
			pendingDownload(t, sc)

			_, fault, err := e.TransferComplete(sc, &rpc.TransferComplete{
				CommandKey:   "pp-1",
				FaultStruct:  tt.fault,
				StartTime:    start,
				CompleteTime: start.Add(time.Second),
			})
			if err != nil {
				t.Fatalf("TransferComplete() error = %v", err)
			}
			switch {
			case tt.wantFault == "" && fault != nil:
				t.Fatalf("fault = %+v, want nil", fault)
			case tt.wantFault != "" && (fault == nil || fault.Code != tt.wantFault):
				t.Fatalf("fault = %+v, want %s", fault, tt.wantFault)
			case fault != nil && (len(fault.Channels) != 1 || fault.Channels[0] != "default"):
				t.Errorf("Channels = %v, want [default]", fault.Channels)
			}

			if got := valueOf(t, sc, "Downloads.1.Download"); got != tt.wantDownload {
				t.Errorf("Download = %v, want %v", got, tt.wantDownload)
			}
			if got := valueOf(t, sc, "Downloads.1.LastFileName"); got != tt.wantLastFile {
				t.Errorf("LastFileName = %v, want %v", got, tt.wantLastFile)
			}
			if len(sc.Operations) != 0 {
				t.Errorf("Operations = %v, want empty", sc.Operations)
			}
			if _, ok := sc.OperationsTouched["pp-1"]; !ok {
				t.Error("pp-1 not marked touched")
			}
			if len(sc.Provisions) != 1 || sc.Provisions[0].Name != "tag" {
				t.Errorf("Provisions = %v, want the operation's provisions back", sc.Provisions)
			}
		})
	}
}

func TestTransferComplete_UnknownCommandKey(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	res, fault, err := e.TransferComplete(sc, &rpc.TransferComplete{CommandKey: "nope"})
	if err != nil || fault != nil || res == nil {
		t.Fatalf("TransferComplete() = %v, %v, %v; want response only", res, fault, err)
	}
}

func TestTimeoutOperations(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	pendingDownload(t, sc)

	faults, err := e.TimeoutOperations(sc, time.Hour)
	if err != nil {
		t.Fatalf("TimeoutOperations(1h) error = %v", err)
	}
	if len(faults) != 0 || len(sc.Operations) != 1 {
		t.Fatalf("operation expired early: faults=%v", faults)
	}

	faults, err = e.TimeoutOperations(sc, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TimeoutOperations() error = %v", err)
	}
	if len(faults) != 1 || faults[0].Code != FaultTimeout {
		t.Fatalf("faults = %+v, want one %s", faults, FaultTimeout)
	}
	if len(sc.Operations) != 0 {
		t.Errorf("Operations = %v, want empty", sc.Operations)
	}
	if got := valueOf(t, sc, "Downloads.1.Download"); got != int64(0) {
		t.Errorf("Download = %v, want 0", got)
	}
}

// ─── Serialization ──────────────────────────────────────────────────

func TestSerialize_RoundTripMidSession(t *testing.T) {
	e := NewEngine(Limits{}, nil)
	sc := newSession(t, nil)
	inform(t, e, sc, param("Device.X", "v1"))
	addDefault(t, e, sc, Provision{Name: "value", Args: []any{"Device.X", "v2"}})
	req := next(t, e, sc)

	data, err := Serialize(sc)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	restored, err := Deserialize(data, path.NewInterner())
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}

	if restored.SessionID != "S" || restored.RPCCount != 1 || restored.Timestamp != sessionStart {
		t.Errorf("restored header = %q %d %d", restored.SessionID, restored.RPCCount, restored.Timestamp)
	}
	if got := valueOf(t, restored, "Device.X"); got != "v1" {
		t.Errorf("restored Device.X = %v, want v1", got)
	}
	if got := valueOf(t, restored, "DeviceID.SerialNumber"); got != "SN1" {
		t.Errorf("restored DeviceID.SerialNumber = %v, want SN1", got)
	}
	pending, ok := restored.Pending()
	if !ok || pending.ID != req.ID {
		t.Fatalf("restored pending = %+v, want %s", pending, req.ID)
	}
	if _, ok := pending.RPC.(*rpc.SetParameterValues); !ok {
		t.Fatalf("restored pending = %T, want SetParameterValues", pending.RPC)
	}

	respond(t, e, restored, pending, &rpc.SetParameterValuesResponse{})
	if req := next(t, e, restored); req != nil {
		t.Fatalf("RPCRequest() = %s, want nothing", req.RPC.Name())
	}
	if got := valueOf(t, restored, "Device.X"); got != "v2" {
		t.Errorf("Device.X = %v, want v2", got)
	}
}

func TestSerialize_PendingKeysAndOperations(t *testing.T) {
	sc := newSession(t, nil)
	pendingDownload(t, sc)
	sc.pendingKeys[sc.Interner().MustParse("Device.Hosts.3")] = map[string]string{"Name": "foo"}

	data, err := Serialize(sc)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	in := path.NewInterner()
	restored, err := Deserialize(data, in)
	if err != nil {
		t.Fatalf("Deserialize() error = %v", err)
	}
	if keys := restored.pendingKeys[in.MustParse("Device.Hosts.3")]; keys["Name"] != "foo" {
		t.Errorf("pendingKeys = %v", restored.pendingKeys)
	}
	if op := restored.Operations["pp-1"]; op == nil || op.FileName != "fw.bin" || len(op.Provisions["default"]) != 1 {
		t.Errorf("Operations = %+v", restored.Operations)
	}
	if got := valueOf(t, restored, "Downloads.1.Download"); got != int64(900) {
		t.Errorf("Download = %v, want 900", got)
	}
}

func TestDeserialize_Corrupt(t *testing.T) {
	tests := map[string]string{
		"not json":      "{",
		"bad entry":     `{"deviceData":[["Device.X"]]}`,
		"bad path":      `{"deviceData":[["Device..X",null,[],[]]]}`,
		"bad pending":   `{"pending":{"request":{"type":"Bogus"}}}`,
		"not a request": `{"pending":{"request":{"type":"InformResponse","payload":{}}}}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Deserialize([]byte(data), nil); !errors.Is(err, ErrCorruptState) {
				t.Errorf("Deserialize() error = %v, want ErrCorruptState", err)
			}
		})
	}
}
