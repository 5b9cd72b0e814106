// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package value

import (
	"strconv"
	"strings"
)

// ExtractPath resolves a dotted path against a value tree. Numeric segments
// index into lists. A missing intermediate key yields (Null, false).
func ExtractPath(v Value, path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindObject:
			next, ok := cur.obj[seg]
			if !ok {
				return Null(), false
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return Null(), false
			}
			cur = cur.list[idx]
		default:
			return Null(), false
		}
	}
	return cur, true
}

// Builder accumulates an object tree by dotted target paths. Writing through
// an existing scalar replaces it with an object; the earlier scalar is
// dropped.
type Builder struct {
	root map[string]interface{}
}

// NewBuilder returns an empty object builder.
func NewBuilder() *Builder {
	return &Builder{root: map[string]interface{}{}}
}

// Set writes a value at the dotted path, creating intermediate objects.
func (b *Builder) Set(path string, v Value) {
	segs := strings.Split(path, ".")
	cur := b.root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = v
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

// Get reads back a value previously written at the dotted path.
func (b *Builder) Get(path string) (Value, bool) {
	return ExtractPath(b.Value(), path)
}

// Value freezes the builder into a Value tree.
func (b *Builder) Value() Value {
	return fromBuilderMap(b.root)
}

func fromBuilderMap(m map[string]interface{}) Value {
	out := make(map[string]Value, len(m))
	for k, e := range m {
		switch t := e.(type) {
		case map[string]interface{}:
			out[k] = fromBuilderMap(t)
		case Value:
			out[k] = t
		default:
			out[k] = FromInterface(t)
		}
	}
	return Object(out)
}

// Len returns the number of top-level fields written.
func (b *Builder) Len() int { return len(b.root) }
