package devicedata

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes v as [raw, type].
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{v.Raw, v.Type})
}

// UnmarshalJSON decodes [raw, type]. Integral numbers decode to int64.
func (v *Value) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(pair[0]))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}
	if err := json.Unmarshal(pair[1], &v.Type); err != nil {
		return fmt.Errorf("decoding value type: %w", err)
	}
	v.Raw = normalizeNumbers(raw)
	return nil
}

func normalizeNumbers(raw any) any {
	switch x := raw.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
	}
	return raw
}

// MarshalJSON encodes t as [timestamp, value].
func (t TimedBool) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{t.Timestamp, t.Value})
}

// UnmarshalJSON decodes [timestamp, value].
func (t *TimedBool) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &t.Timestamp); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &t.Value)
}

// MarshalJSON encodes t as [timestamp, [raw, type]].
func (t TimedValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{t.Timestamp, t.Value})
}

// UnmarshalJSON decodes [timestamp, [raw, type]].
func (t *TimedValue) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &t.Timestamp); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &t.Value)
}

type attributesJSON struct {
	Object   *TimedBool  `json:"object,omitempty"`
	Writable *TimedBool  `json:"writable,omitempty"`
	Value    *TimedValue `json:"value,omitempty"`
}

// MarshalJSON encodes the known attributes keyed by name.
func (a Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(attributesJSON(a))
}

// UnmarshalJSON decodes attributes keyed by name.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	var aux attributesJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decoding attributes: %w", err)
	}
	*a = Attributes(aux)
	return nil
}
