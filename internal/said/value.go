package said

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindMap
	KindList
)

// Value is a JSON-compatible variant: null, bool, number, string, map or list.
// Numbers keep their source literal so re-serialization is byte-stable.
type Value struct {
	kind Kind
	b    bool
	s    string // s holds the string value or the number literal
	m    *Map
	l    []Value
}

// Null returns the JSON null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int wraps an integer as a number.
func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }

// Number wraps a JSON number literal. The literal must be valid JSON.
func Number(lit string) (Value, error) {
	if !json.Valid([]byte(lit)) {
		return Value{}, fmt.Errorf("%w: invalid number %q", ErrFormat, lit)
	}

	if _, err := strconv.ParseFloat(lit, 64); err != nil {
		return Value{}, fmt.Errorf("%w: invalid number %q", ErrFormat, lit)
	}

	return Value{kind: KindNumber, s: lit}, nil
}

// List wraps a sequence of values.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}

	return Value{kind: KindList, l: items}
}

// Strings wraps a sequence of strings as a list.
func Strings(items []string) Value {
	vals := make([]Value, len(items))
	for i, s := range items {
		vals[i] = String(s)
	}

	return List(vals...)
}

// MapValue wraps an ordered map.
func MapValue(m *Map) Value {
	if m == nil {
		m = NewMap()
	}

	return Value{kind: KindMap, m: m}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean held by v.
func (v Value) AsBool() bool { return v.b }

// Str returns the string held by v, or the literal of a number.
func (v Value) Str() string { return v.s }

// Map returns the map held by v, or nil.
func (v Value) Map() *Map { return v.m }

// Items returns the list held by v, or nil.
func (v Value) Items() []Value { return v.l }

// StringList returns the list as strings; it fails if any item is not a string.
func (v Value) StringList() ([]string, error) {
	if v.kind != KindList {
		return nil, fmt.Errorf("%w: expected list", ErrFormat)
	}

	out := make([]string, len(v.l))
	for i, item := range v.l {
		if item.kind != KindString {
			return nil, fmt.Errorf("%w: list item %d is not a string", ErrFormat, i)
		}
		out[i] = item.s
	}

	return out, nil
}

// Canonical returns a deep copy of v with every map's keys sorted.
func (v Value) Canonical() Value {
	switch v.kind {
	case KindMap:
		keys := append([]string(nil), v.m.keys...)
		sort.Strings(keys)

		out := NewMap()
		for _, k := range keys {
			out.Set(k, v.m.vals[k].Canonical())
		}

		return MapValue(out)

	case KindList:
		items := make([]Value, len(v.l))
		for i, item := range v.l {
			items[i] = item.Canonical()
		}

		return List(items...)

	default:
		return v
	}
}

// Bytes serializes v as compact JSON, preserving map insertion order.
func (v Value) Bytes() []byte {
	var buf bytes.Buffer
	v.encode(&buf)

	return buf.Bytes()
}

// Equal reports whether a and b serialize identically.
func Equal(a, b Value) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

func (v Value) encode(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(v.s)
	case KindString:
		encodeString(buf, v.s)
	case KindMap:
		v.m.encode(buf)
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.l {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.encode(buf)
		}
		buf.WriteByte(']')
	}
}

// encodeString writes s as a JSON string without HTML escaping.
func encodeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer

	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)

	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// ParseValue parses a single JSON document.
// Duplicate keys, trailing data and malformed input fail with ErrFormat.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("%w: trailing data after document", ErrFormat)
	}

	return v, nil
}

// ParseMap parses a JSON object.
func ParseMap(data []byte) (*Map, error) {
	v, err := ParseValue(data)
	if err != nil {
		return nil, err
	}

	if v.kind != KindMap {
		return nil, fmt.Errorf("%w: expected object", ErrFormat)
	}

	return v.m, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeMap(dec)
		case '[':
			return decodeList(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Value{kind: KindNumber, s: t.String()}, nil
	case string:
		return String(t), nil
	default:
		return Value{}, fmt.Errorf("unexpected token %v", tok)
	}
}

func decodeMap(dec *json.Decoder) (Value, error) {
	m := NewMap()

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}

		key, ok := tok.(string)
		if !ok {
			return Value{}, fmt.Errorf("non-string key %v", tok)
		}

		if m.Has(key) {
			return Value{}, fmt.Errorf("duplicate key %q", key)
		}

		val, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}

		m.Set(key, val)
	}

	// closing brace
	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return MapValue(m), nil
}

func decodeList(dec *json.Decoder) (Value, error) {
	items := []Value{}

	for dec.More() {
		val, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}

		items = append(items, val)
	}

	if _, err := dec.Token(); err != nil {
		return Value{}, err
	}

	return List(items...), nil
}

// Map is a string-keyed map that remembers insertion order.
type Map struct {
	keys []string
	vals map[string]Value
}

// NewMap creates an empty ordered map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set stores val under key. An existing key keeps its position.
func (m *Map) Set(key string, val Value) {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}

	m.vals[key] = val
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.vals[key]
	return ok
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.keys)
}

// Clone returns a shallow copy; nested maps are shared.
func (m *Map) Clone() *Map {
	out := &Map{
		keys: append([]string(nil), m.keys...),
		vals: make(map[string]Value, len(m.vals)),
	}

	for k, v := range m.vals {
		out.vals[k] = v
	}

	return out
}

// Bytes serializes the map as compact JSON in insertion order.
func (m *Map) Bytes() []byte {
	var buf bytes.Buffer
	m.encode(&buf)

	return buf.Bytes()
}

func (m *Map) encode(buf *bytes.Buffer) {
	buf.WriteByte('{')

	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		encodeString(buf, k)
		buf.WriteByte(':')
		m.vals[k].encode(buf)
	}

	buf.WriteByte('}')
}

// MarshalJSON implements json.Marshaler.
func (m *Map) MarshalJSON() ([]byte, error) {
	return m.Bytes(), nil
}
