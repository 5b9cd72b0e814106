// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/fieldgate/agent/pkg/value"
)

// Transform names accepted in a field mapping.
const (
	TransformDirect    = "direct"
	TransformNumber    = "number"
	TransformString    = "string"
	TransformBoolean   = "boolean"
	TransformScale     = "scale"
	TransformRound     = "round"
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformMap       = "map"
	TransformFormula   = "formula"
)

// transformFunc applies one transform. ok=false means the field is skipped
// for this sample; the rest of the record still goes through.
type transformFunc func(v value.Value) (value.Value, bool)

func compileTransform(m FieldMapping) (transformFunc, error) {
	switch m.Transform {
	case "", TransformDirect:
		return func(v value.Value) (value.Value, bool) { return v, true }, nil

	case TransformNumber:
		return func(v value.Value) (value.Value, bool) {
			f, ok := v.AsFloat()
			if !ok {
				return value.Null(), false
			}
			if f == math.Trunc(f) {
				return value.Int(int64(f)), true
			}
			return value.Float(f), true
		}, nil

	case TransformString:
		return func(v value.Value) (value.Value, bool) {
			s, ok := v.AsString()
			if !ok {
				return value.Null(), false
			}
			return value.String(s), true
		}, nil

	case TransformBoolean:
		return func(v value.Value) (value.Value, bool) {
			b, ok := v.AsBool()
			if !ok {
				return value.Null(), false
			}
			return value.Bool(b), true
		}, nil

	case TransformScale:
		factor := paramFloat(m.Params, "factor", 1)
		offset := paramFloat(m.Params, "offset", 0)
		return func(v value.Value) (value.Value, bool) {
			f, ok := v.AsFloat()
			if !ok {
				return value.Null(), false
			}
			return value.Float(f*factor + offset), true
		}, nil

	case TransformRound:
		decimals := int(paramFloat(m.Params, "decimals", 0))
		pow := math.Pow(10, float64(decimals))
		return func(v value.Value) (value.Value, bool) {
			f, ok := v.AsFloat()
			if !ok {
				return value.Null(), false
			}
			// half away from zero
			rounded := math.Floor(math.Abs(f)*pow+0.5) / pow
			if f < 0 {
				rounded = -rounded
			}
			if decimals == 0 {
				return value.Int(int64(rounded)), true
			}
			return value.Float(rounded), true
		}, nil

	case TransformUppercase:
		return func(v value.Value) (value.Value, bool) {
			s, ok := v.AsString()
			if !ok {
				return value.Null(), false
			}
			return value.String(strings.ToUpper(s)), true
		}, nil

	case TransformLowercase:
		return func(v value.Value) (value.Value, bool) {
			s, ok := v.AsString()
			if !ok {
				return value.Null(), false
			}
			return value.String(strings.ToLower(s)), true
		}, nil

	case TransformMap:
		raw, _ := m.Params["table"].(map[string]interface{})
		table := make(map[string]value.Value, len(raw))
		for k, e := range raw {
			table[k] = value.FromInterface(e)
		}
		return func(v value.Value) (value.Value, bool) {
			key, ok := v.AsString()
			if !ok {
				return v, true
			}
			if mapped, found := table[key]; found {
				return mapped, true
			}
			// unknown keys pass through untouched
			return v, true
		}, nil

	case TransformFormula:
		expr := cast.ToString(m.Params["expression"])
		variable := cast.ToString(m.Params["variable"])
		if variable == "" {
			variable = "x"
		}
		ast, err := parseFormula(expr, variable)
		if err != nil {
			return nil, fmt.Errorf("invalid formula %q: %w", expr, err)
		}
		return func(v value.Value) (value.Value, bool) {
			f, ok := v.AsFloat()
			if !ok {
				return value.Null(), false
			}
			out, err := ast.eval(f)
			if err != nil {
				return value.Null(), false
			}
			if out == math.Trunc(out) {
				return value.Int(int64(out)), true
			}
			return value.Float(out), true
		}, nil
	}

	return nil, fmt.Errorf("unknown transform %q", m.Transform)
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}
