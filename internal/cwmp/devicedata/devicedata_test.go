package devicedata

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

func leaf(ts int64, raw any, typ string) *Attributes {
	return &Attributes{Value: &TimedValue{Timestamp: ts, Value: Value{Raw: raw, Type: typ}}}
}

func mustSet(t *testing.T, d *DeviceData, rev int, p *path.Path, ts int64, attrs *Attributes) {
	t.Helper()
	clears, err := d.Set(rev, p, ts, attrs, nil)
	if err != nil {
		t.Fatalf("Set(%s) error = %v", p, err)
	}
	if err := d.ApplyClears(rev, clears); err != nil {
		t.Fatalf("ApplyClears() error = %v", err)
	}
}

func names(paths []*path.Path) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, p.String())
	}
	return out
}

func TestSet_OlderValueIgnored(t *testing.T) {
	in := path.NewInterner()
	d := New()
	p := in.MustParse("Device.X")

	mustSet(t, d, 1, p, 20, leaf(20, int64(5), TypeInt))
	mustSet(t, d, 1, p, 10, leaf(10, int64(6), TypeInt))

	attrs, ok := d.Get(p, 1)
	if !ok || attrs.Value == nil {
		t.Fatal("value missing")
	}
	if attrs.Value.Value.Raw != int64(5) {
		t.Errorf("value = %v, want 5", attrs.Value.Value.Raw)
	}
}

func TestLookups_AfterInternerRotation(t *testing.T) {
	in := path.NewInterner()
	d := New()
	mustSet(t, d, 1, in.MustParse("Device.X"), 10, leaf(10, "v", TypeString))
	stored := in.MustParse("Device.X")

	in.Rotate()
	in.Rotate()
	fresh := in.MustParse("Device.X")
	if fresh == stored {
		t.Fatal("rotated interner returned the stored pointer")
	}

	if !d.Has(fresh, 1) {
		t.Error("Has() = false for a re-parsed path")
	}
	if attrs, ok := d.Get(fresh, 1); !ok || attrs.Value == nil || attrs.Value.Value.Raw != "v" {
		t.Errorf("Get() = %+v, %v; want v", attrs, ok)
	}
	if ts := d.Timestamp(fresh, 1); ts != 10 {
		t.Errorf("Timestamp() = %d, want 10", ts)
	}
	if d.Has(in.MustParse("Device.Y"), 1) {
		t.Error("Has() = true for an unknown path")
	}
}

func TestSet_ValueImpliesLeaf(t *testing.T) {
	in := path.NewInterner()
	d := New()
	p := in.MustParse("Device.X")

	mustSet(t, d, 1, p, 10, leaf(10, "v", TypeString))
	attrs, _ := d.Get(p, 1)
	if attrs.Object == nil || attrs.Object.Value || attrs.Object.Timestamp != 10 {
		t.Fatalf("object = %+v, want [10, false]", attrs.Object)
	}
	if attrs.Kind() != KindLeaf {
		t.Errorf("Kind() = %v, want KindLeaf", attrs.Kind())
	}

	mustSet(t, d, 1, p, 20, &Attributes{Object: &TimedBool{Timestamp: 20, Value: true}})
	attrs, _ = d.Get(p, 1)
	if attrs.Value != nil {
		t.Error("newer object=true should drop the value")
	}
	if attrs.Kind() != KindObject {
		t.Errorf("Kind() = %v, want KindObject", attrs.Kind())
	}
}

func TestSet_MarksAncestors(t *testing.T) {
	in := path.NewInterner()
	d := New()

	mustSet(t, d, 1, in.MustParse("a.b.c"), 10, leaf(10, "x", TypeString))

	for _, s := range []string{"a", "a.b"} {
		attrs, ok := d.Get(in.MustParse(s), 1)
		if !ok || attrs.Kind() != KindObject {
			t.Errorf("%s: exists=%v kind=%v, want object", s, ok, attrs.Kind())
		}
		if got := d.Timestamp(in.MustParse(s), 1); got != 10 {
			t.Errorf("%s: timestamp = %d, want 10", s, got)
		}
	}
	if d.Attributes.Has(in.Root(), 1) {
		t.Error("root must never be stored")
	}
}

func TestSet_WildcardClearsStaleInstances(t *testing.T) {
	in := path.NewInterner()
	d := New()
	mustSet(t, d, 1, in.MustParse("a.1.x"), 10, leaf(10, "1", TypeString))
	mustSet(t, d, 1, in.MustParse("a.2.x"), 10, leaf(10, "2", TypeString))

	// Instance 1 is confirmed at 20, then a.* says the list is complete.
	clears, err := d.Set(1, in.MustParse("a.1"), 20, &Attributes{Object: &TimedBool{Timestamp: 20, Value: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	clears, err = d.Set(1, in.MustParse("a.*"), 20, nil, clears)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ApplyClears(1, clears); err != nil {
		t.Fatal(err)
	}

	if !d.Attributes.Has(in.MustParse("a.1"), 1) || !d.Attributes.Has(in.MustParse("a.1.x"), 1) {
		t.Error("confirmed instance and its subtree should survive")
	}
	if d.Attributes.Has(in.MustParse("a.2"), 1) || d.Attributes.Has(in.MustParse("a.2.x"), 1) {
		t.Error("unconfirmed instance and its subtree should be deleted")
	}
	if got := d.Timestamp(in.MustParse("a.*"), 1); got != 20 {
		t.Errorf("a.* timestamp = %d, want 20", got)
	}
}

func TestSet_DeleteRespectsRevision(t *testing.T) {
	in := path.NewInterner()
	d := New()
	p := in.MustParse("a.1")
	mustSet(t, d, 0, p, 10, &Attributes{Object: &TimedBool{Timestamp: 10, Value: true}})

	mustSet(t, d, 1, p, 20, nil)
	if d.Attributes.Has(p, 1) {
		t.Error("deleted at rev 1")
	}
	if !d.Attributes.Has(p, 0) {
		t.Error("rev 0 must be untouched")
	}

	d.Rollback(0)
	if !d.Attributes.Has(p, 5) {
		t.Error("rollback should restore the path")
	}
}

func TestClear_Attributes(t *testing.T) {
	in := path.NewInterner()
	d := New()
	p := in.MustParse("a.b")
	mustSet(t, d, 1, p, 10, &Attributes{
		Writable: &TimedBool{Timestamp: 10, Value: true},
		Value:    &TimedValue{Timestamp: 10, Value: Value{Raw: "x", Type: TypeString}},
	})

	if err := d.Clear(1, Clear{Path: p, Attributes: &AttrTimestamps{Value: 15}}); err != nil {
		t.Fatal(err)
	}
	attrs, ok := d.Get(p, 1)
	if !ok {
		t.Fatal("path should still exist")
	}
	if attrs.Value != nil {
		t.Error("value older than 15 should be dropped")
	}
	if attrs.Writable == nil {
		t.Error("writable should be kept")
	}
}

func TestTrackers(t *testing.T) {
	in := path.NewInterner()
	d := New()

	if err := d.Track(in.MustParse("a.[b:1].b"), "prerequisite", FlagValue); err != nil {
		t.Fatal(err)
	}
	mustSet(t, d, 1, in.MustParse("a.1.c"), 10, leaf(10, "x", TypeString))
	if d.Changed("prerequisite") {
		t.Error("unrelated path should not fire the tracker")
	}

	mustSet(t, d, 1, in.MustParse("a.1.b"), 10, leaf(10, "1", TypeString))
	if !d.Changed("prerequisite") {
		t.Error("value change under a.*.b should fire the tracker")
	}

	d.ClearTrackers("prerequisite")
	if d.Changed("prerequisite") || len(d.Trackers) != 0 {
		t.Error("ClearTrackers should remove the tracker and its change")
	}
}

func TestUnpack_AliasResolution(t *testing.T) {
	in := path.NewInterner()
	d := New()
	for _, kv := range [][2]string{
		{"a.1.b", "b"},
		{"a.1.a.1.b", "b1"},
		{"a.2.b", "b"},
		{"a.2.a.1.b", "b1"},
		{"a.2.a.2.b", "c1"},
	} {
		mustSet(t, d, 1, in.MustParse(kv[0]), 10, leaf(10, kv[1], TypeString))
	}

	got := names(d.Unpack(in.MustParse("a.[b:b].a.[b:b1].a"), 1))
	want := []string{"a.1.a.1.a", "a.2.a.1.a"}
	if !slices.Equal(got, want) {
		t.Errorf("Unpack() = %v, want %v", got, want)
	}
}

func TestUnpack_NumericOrderAndTypedAlias(t *testing.T) {
	in := path.NewInterner()
	d := New()
	for _, i := range []string{"10", "9", "2"} {
		mustSet(t, d, 1, in.MustParse("x."+i+".Enable"), 10, leaf(10, i != "9", TypeBoolean))
	}

	got := names(d.Unpack(in.MustParse("x.*"), 1))
	if want := []string{"x.2", "x.9", "x.10"}; !slices.Equal(got, want) {
		t.Errorf("Unpack(x.*) = %v, want %v", got, want)
	}

	got = names(d.Unpack(in.MustParse("x.[Enable:true]"), 1))
	if want := []string{"x.2", "x.10"}; !slices.Equal(got, want) {
		t.Errorf("Unpack(x.[Enable:true]) = %v, want %v", got, want)
	}

	if got := d.Unpack(in.MustParse("x.3"), 1); len(got) != 0 {
		t.Errorf("Unpack of a missing literal = %v", names(got))
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want any
	}{
		{"bool true", Value{"true", TypeBoolean}, true},
		{"bool on", Value{" On ", TypeBoolean}, true},
		{"bool 0", Value{"0", TypeBoolean}, false},
		{"bool garbage", Value{"maybe", TypeBoolean}, "maybe"},
		{"int", Value{"42", TypeInt}, int64(42)},
		{"unsigned from float", Value{float64(7), TypeUnsignedInt}, int64(7)},
		{"int garbage", Value{"4x", TypeInt}, "4x"},
		{"datetime numeric", Value{"1700000000000", TypeDateTime}, int64(1700000000000)},
		{"datetime rfc3339", Value{"1970-01-01T00:00:01Z", TypeDateTime}, int64(1000)},
		{"datetime garbage", Value{"soon", TypeDateTime}, "soon"},
		{"string from int", Value{int64(3), TypeString}, "3"},
		{"hex", Value{"ff", TypeHexBinary}, "ff"},
		{"unknown type", Value{"x", "xsd:anyURI"}, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			if got.Raw != tt.want {
				t.Errorf("Sanitize(%v) = %#v, want %#v", tt.in, got.Raw, tt.want)
			}
			if got.Type != tt.in.Type {
				t.Errorf("type changed to %q", got.Type)
			}
		})
	}
}

func TestAttributesJSON(t *testing.T) {
	a := Attributes{
		Object: &TimedBool{Timestamp: 5, Value: false},
		Value:  &TimedValue{Timestamp: 5, Value: Value{Raw: int64(12), Type: TypeUnsignedInt}},
	}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"object":[5,false],"value":[5,[12,"xsd:unsignedInt"]]}`; string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}

	var back Attributes
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(a) {
		t.Errorf("decoded %+v, want %+v", back, a)
	}
}
