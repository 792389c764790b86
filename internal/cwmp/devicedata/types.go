package devicedata

import (
	"reflect"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/path"
)

// Flags is a bitmask over the attribute kinds a parameter carries.
type Flags uint8

// Attribute kinds. FlagExist stands for the parameter itself appearing or
// disappearing.
const (
	FlagExist    Flags = 1
	FlagObject   Flags = 2
	FlagWritable Flags = 4
	FlagValue    Flags = 8
)

// FlagAll covers every attribute kind.
const FlagAll = FlagExist | FlagObject | FlagWritable | FlagValue

// XSD types used by CWMP parameter values.
const (
	TypeString      = "xsd:string"
	TypeInt         = "xsd:int"
	TypeUnsignedInt = "xsd:unsignedInt"
	TypeBoolean     = "xsd:boolean"
	TypeDateTime    = "xsd:dateTime"
	TypeBase64      = "xsd:base64"
	TypeHexBinary   = "xsd:hexBinary"
)

// Value is a parameter value tagged with its XSD type.
type Value struct {
	Raw  any
	Type string
}

// Equal compares raw values deeply and types exactly.
func (v Value) Equal(o Value) bool {
	return v.Type == o.Type && rawEqual(v.Raw, o.Raw)
}

func rawEqual(a, b any) bool {
	switch x := a.(type) {
	case string, bool, int64, float64:
		return a == b
	case nil:
		return b == nil
	default:
		return reflect.DeepEqual(x, b)
	}
}

// TimedBool is a boolean attribute with the time it was last confirmed.
type TimedBool struct {
	Timestamp int64
	Value     bool
}

// TimedValue is a value attribute with the time it was last confirmed.
type TimedValue struct {
	Timestamp int64
	Value     Value
}

// Attributes is the per-parameter record stored in DeviceData. A nil
// field means the attribute is unknown.
type Attributes struct {
	Object   *TimedBool
	Writable *TimedBool
	Value    *TimedValue
}

// ObjectKind is the tri-state answer to "is this parameter an object".
type ObjectKind uint8

const (
	// KindUnknown means the object attribute has never been fetched.
	KindUnknown ObjectKind = iota
	// KindObject is an object node.
	KindObject
	// KindLeaf is a leaf parameter carrying a value.
	KindLeaf
)

// Kind reports what is known about the object attribute.
func (a Attributes) Kind() ObjectKind {
	switch {
	case a.Object == nil:
		return KindUnknown
	case a.Object.Value:
		return KindObject
	default:
		return KindLeaf
	}
}

// Equal reports whether two records carry the same timestamps and data.
func (a Attributes) Equal(b Attributes) bool {
	return timedBoolEqual(a.Object, b.Object) &&
		timedBoolEqual(a.Writable, b.Writable) &&
		timedValueEqual(a.Value, b.Value)
}

func timedBoolEqual(a, b *TimedBool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timedValueEqual(a, b *TimedValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Timestamp == b.Timestamp && a.Value.Equal(b.Value)
}

// AttrTimestamps holds one timestamp per attribute kind. Zero means the
// attribute is not involved.
type AttrTimestamps struct {
	Object   int64 `json:"object,omitempty"`
	Writable int64 `json:"writable,omitempty"`
	Value    int64 `json:"value,omitempty"`
}

// IsZero reports whether no attribute is involved.
func (t AttrTimestamps) IsZero() bool {
	return t == AttrTimestamps{}
}

// Max returns the attribute-wise maximum of t and o.
func (t AttrTimestamps) Max(o AttrTimestamps) AttrTimestamps {
	return AttrTimestamps{
		Object:   max(t.Object, o.Object),
		Writable: max(t.Writable, o.Writable),
		Value:    max(t.Value, o.Value),
	}
}

// AttrValues holds the desired attribute values of a declaration. A nil
// field leaves the attribute alone. An empty Value.Type means "use the
// type the device reports".
type AttrValues struct {
	Object   *bool  `json:"object,omitempty"`
	Writable *bool  `json:"writable,omitempty"`
	Value    *Value `json:"value,omitempty"`
}

// InstanceRange is the desired number of instances under an alias path.
type InstanceRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Declaration asserts how fresh a path's data must be and, optionally,
// what it should be set to.
type Declaration struct {
	Path *path.Path
	// PathGet is the oldest acceptable discovery time of the path.
	PathGet int64
	// PathSet is the desired instance count; nil leaves instances alone.
	PathSet *InstanceRange
	// AttrGet is the oldest acceptable time per attribute.
	AttrGet *AttrTimestamps
	// AttrSet is the desired attribute values.
	AttrSet *AttrValues
	// Defer marks values that yield to any non-deferred value declared
	// for the same path.
	Defer bool
}

// Clear invalidates cached data for Path and, when Timestamp is set, its
// subtree.
type Clear struct {
	Path *path.Path
	// Timestamp deletes matching paths not confirmed since this time.
	Timestamp int64
	// Attributes drops individual attributes older than the given times.
	Attributes *AttrTimestamps
	// Changes marks trackers watching Path as changed.
	Changes Flags
}
