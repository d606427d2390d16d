package graph

import (
	"bytes"
	"encoding/json"
)

// OrderedMap is a string-keyed map that preserves first-insertion order,
// used for GraphState.AgentResults and GraphState.ResponseMetadata where
// spec.md requires "insertion order preserved for new keys".
type OrderedMap struct {
	keys   []string
	values map[string]interface{}
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]interface{})}
}

// Get returns the value for key and whether it was present.
func (m *OrderedMap) Get(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or overwrites key, appending it to the key order only the
// first time it is written.
func (m *OrderedMap) Set(key string, value interface{}) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len reports the number of entries.
func (m *OrderedMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a deep-enough copy sharing no backing storage with m.
func (m *OrderedMap) Clone() *OrderedMap {
	clone := NewOrderedMap()
	if m == nil {
		return clone
	}
	clone.keys = append([]string(nil), m.keys...)
	clone.values = make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}

// MarshalJSON renders the map as a JSON object with keys in insertion order.
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, recording key order as encountered
// by the decoder (json.Decoder.Token preserves source order, unlike
// unmarshaling straight into a Go map).
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return &TypeMismatchError{Field: "<ordered_map>", Reason: "expected JSON object"}
	}
	m.keys = nil
	m.values = make(map[string]interface{})
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var val interface{}
		if err := dec.Decode(&val); err != nil {
			return err
		}
		m.Set(key, val)
	}
	_, err = dec.Token() // closing '}'
	return err
}
