package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxDepth bounds the nesting of decoded JSON trees. Deeper input is
// rejected before it can exhaust the stack during later recursive walks.
const MaxDepth = 128

var (
	ErrTooDeep      = errors.New("jsonrpc: value nested too deeply")
	ErrTrailingData = errors.New("jsonrpc: trailing data after value")
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Member is a single key/value entry of an object. Objects are stored as
// member slices so the wire order of keys survives a round trip.
type Member struct {
	Key   string
	Value *Value
}

// Value is one node of a decoded JSON tree.
type Value struct {
	kind Kind
	b    bool
	num  json.Number
	str  string
	arr  []*Value
	obj  []Member
}

func Null() *Value              { return &Value{kind: KindNull} }
func Bool(b bool) *Value        { return &Value{kind: KindBool, b: b} }
func String(s string) *Value    { return &Value{kind: KindString, str: s} }
func Array(vs ...*Value) *Value { return &Value{kind: KindArray, arr: vs} }

// Number wraps a json.Number. The textual form is kept so numbers are
// re-encoded byte-identically.
func Number(n json.Number) *Value { return &Value{kind: KindNumber, num: n} }

// Object creates an empty object. Members are appended with Set.
func Object() *Value { return &Value{kind: KindObject} }

func (v *Value) Kind() Kind { return v.kind }

func (v *Value) IsNull() bool { return v == nil || v.kind == KindNull }

// Str returns the string payload. ok is false for non-string values.
func (v *Value) Str() (string, bool) {
	if v == nil || v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v *Value) BoolVal() (bool, bool) {
	if v == nil || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v *Value) NumberVal() (json.Number, bool) {
	if v == nil || v.kind != KindNumber {
		return "", false
	}
	return v.num, true
}

// SetStr replaces the payload of a string value in place.
func (v *Value) SetStr(s string) {
	v.kind = KindString
	v.str = s
}

// Items returns the element slice of an array, nil otherwise.
func (v *Value) Items() []*Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return v.arr
}

// Members returns the member slice of an object, nil otherwise.
func (v *Value) Members() []Member {
	if v == nil || v.kind != KindObject {
		return nil
	}
	return v.obj
}

// Get returns the value of the first member with the given key.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.kind != KindObject {
		return nil, false
	}
	for i := range v.obj {
		if v.obj[i].Key == key {
			return v.obj[i].Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, appending a new member if the key is
// not yet present.
func (v *Value) Set(key string, val *Value) {
	for i := range v.obj {
		if v.obj[i].Key == key {
			v.obj[i].Value = val
			return
		}
	}
	v.obj = append(v.obj, Member{Key: key, Value: val})
}

// SetMembers replaces the whole member slice.
func (v *Value) SetMembers(ms []Member) { v.obj = ms }

// Append adds an element to an array value.
func (v *Value) Append(val *Value) { v.arr = append(v.arr, val) }

// Clone deep-copies the tree.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, b: v.b, num: v.num, str: v.str}
	if v.arr != nil {
		out.arr = make([]*Value, len(v.arr))
		for i, e := range v.arr {
			out.arr[i] = e.Clone()
		}
	}
	if v.obj != nil {
		out.obj = make([]Member, len(v.obj))
		for i, m := range v.obj {
			out.obj[i] = Member{Key: m.Key, Value: m.Value.Clone()}
		}
	}
	return out
}

// Equal reports structural equality, member order included.
func Equal(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for i := range a.obj {
			if a.obj[i].Key != b.obj[i].Key {
				return false
			}
			if !Equal(a.obj[i].Value, b.obj[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// ParseValue decodes a single JSON value, enforcing MaxDepth and rejecting
// trailing data.
func ParseValue(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (*Value, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeFromToken(dec, tok, depth)
}

func decodeFromToken(dec *json.Decoder, tok json.Token, depth int) (*Value, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			v := Array()
			for dec.More() {
				el, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Append(el)
			}
			if _, err := dec.Token(); err != nil { // closing ]
				return nil, err
			}
			return v, nil
		case '{':
			v := Object()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("jsonrpc: object key is %T, not string", keyTok)
				}
				el, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.obj = append(v.obj, Member{Key: key, Value: el})
			}
			if _, err := dec.Token(); err != nil { // closing }
				return nil, err
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("jsonrpc: unexpected token %v", tok)
}

// encodeString writes a JSON string without HTML escaping, so characters
// like < and & keep their wire form.
func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// MarshalJSON re-encodes the tree, preserving member order and numeric
// spellings.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		if v.num == "" {
			buf.WriteString("0")
		} else {
			buf.WriteString(string(v.num))
		}
	case KindString:
		if err := encodeString(buf, v.str); err != nil {
			return err
		}
	case KindArray:
		buf.WriteByte('[')
		for i, el := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := el.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.obj {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, m.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := m.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}
