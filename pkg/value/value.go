// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package value implements the dynamically-typed tree protocol drivers emit
// their samples as. A Value is one of null, bool, int64, float64, string,
// list or object; the mapping engine only ever operates on this type.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cast"
)

// Kind enumerates the variants a Value can hold.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is an immutable tagged union. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps an int64.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a float64.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List wraps a slice of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Object wraps a map of values.
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// BoolVal returns the bool payload.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// IntVal returns the int payload.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == KindInt }

// FloatVal returns the float payload.
func (v Value) FloatVal() (float64, bool) { return v.f, v.kind == KindFloat }

// StringVal returns the string payload.
func (v Value) StringVal() (string, bool) { return v.s, v.kind == KindString }

// ListVal returns the list payload.
func (v Value) ListVal() ([]Value, bool) { return v.list, v.kind == KindList }

// ObjectVal returns the object payload.
func (v Value) ObjectVal() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Field returns the named field of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	f, ok := v.obj[name]
	return f, ok
}

// AsFloat coerces numeric kinds, bools and numeric strings to a float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt coerces numeric kinds and numeric strings to an int64.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// AsString coerces scalar kinds to a string.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindBool:
		return strconv.FormatBool(v.b), true
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	}
	return "", false
}

// AsBool coerces bools, numbers and the usual string spellings to a bool.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindInt:
		return v.i != 0, true
	case KindFloat:
		return v.f != 0, true
	case KindString:
		b, err := cast.ToBoolE(v.s)
		return b, err == nil
	}
	return false, false
}

// IsScalar reports whether the value is a mappable leaf.
func (v Value) IsScalar() bool {
	switch v.kind {
	case KindBool, KindInt, KindFloat, KindString:
		return true
	}
	return false
}

// Equal compares two values structurally.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		// int/float cross-comparison keeps tests honest about JSON round trips
		af, aok := a.AsFloat()
		bf, bok := b.AsFloat()
		if aok && bok && (a.kind == KindInt || a.kind == KindFloat) && (b.kind == KindInt || b.kind == KindFloat) {
			return af == bf
		}
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// FromInterface converts a decoded JSON / YAML tree into a Value.
func FromInterface(in interface{}) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		// JSON numbers decode as float64; keep integral ones as ints
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		if f, err := t.Float64(); err == nil {
			return Float(f)
		}
		return String(t.String())
	case string:
		return String(t)
	case []interface{}:
		vs := make([]Value, 0, len(t))
		for _, e := range t {
			vs = append(vs, FromInterface(e))
		}
		return List(vs...)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromInterface(e)
		}
		return Object(m)
	case map[interface{}]interface{}:
		// yaml.v2 decodes objects with interface keys
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[cast.ToString(k)] = FromInterface(e)
		}
		return Object(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// ToInterface converts a Value back into a plain tree for JSON encoders.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.ToInterface())
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToInterface()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToInterface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tree interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	*v = FromInterface(tree)
	return nil
}

// FromJSON parses a JSON document into a Value.
func FromJSON(data []byte) (Value, error) {
	var v Value
	err := json.Unmarshal(data, &v)
	return v, err
}

// String implements fmt.Stringer for debug output.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

// WalkLeaves visits every scalar leaf of the tree in a deterministic order,
// passing the dotted path segments leading to it. List elements are not
// descended into; a list is not a mappable leaf.
func WalkLeaves(v Value, fn func(path []string, leaf Value)) {
	walkLeaves(v, nil, fn)
}

func walkLeaves(v Value, prefix []string, fn func(path []string, leaf Value)) {
	switch v.kind {
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkLeaves(v.obj[k], append(prefix, k), fn)
		}
	case KindBool, KindInt, KindFloat, KindString:
		path := make([]string, len(prefix))
		copy(path, prefix)
		fn(path, v)
	}
}
