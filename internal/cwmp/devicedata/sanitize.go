package devicedata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Sanitize coerces v.Raw to the Go representation of v.Type:
//
//	xsd:boolean                      → bool
//	xsd:int, xsd:unsignedInt         → int64
//	xsd:dateTime                     → int64 (Unix milliseconds)
//	xsd:string, base64, hexBinary    → string
//	anything else                    → deep copy of Raw
//
// Values that cannot be coerced fall back to their string form. Devices
// send malformed values often enough that rejecting them is not useful.
func Sanitize(v Value) Value {
	switch v.Type {
	case TypeBoolean:
		return Value{Raw: toBool(v.Raw), Type: v.Type}
	case TypeInt, TypeUnsignedInt:
		return Value{Raw: toInt(v.Raw), Type: v.Type}
	case TypeDateTime:
		return Value{Raw: toDateTime(v.Raw), Type: v.Type}
	case TypeString, TypeBase64, TypeHexBinary:
		return Value{Raw: toString(v.Raw), Type: v.Type}
	}
	return Value{Raw: clone(v.Raw), Type: v.Type}
}

func toBool(raw any) any {
	switch x := raw.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "yes", "1":
			return true
		case "false", "off", "no", "0":
			return false
		}
		return x
	}
	return toString(raw)
}

func toInt(raw any) any {
	switch x := raw.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) {
			return int64(x)
		}
		return toString(raw)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		return x.String()
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n
		}
		return x
	}
	return toString(raw)
}

func toDateTime(raw any) any {
	switch x := raw.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		return x.String()
	case time.Time:
		return x.UnixMilli()
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli()
			}
		}
		return x
	}
	return toString(raw)
}

func toString(raw any) string {
	switch x := raw.(type) {
	case string:
		return x
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(raw)
}

func clone(raw any) any {
	switch x := raw.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = clone(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = clone(v)
		}
		return out
	}
	return raw
}
