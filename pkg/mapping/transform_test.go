// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/value"
)

func applyTransform(t *testing.T, m FieldMapping, in value.Value) (value.Value, bool) {
	t.Helper()
	fn, err := compileTransform(m)
	require.NoError(t, err)
	return fn(in)
}

func TestTransformScale(t *testing.T) {
	out, ok := applyTransform(t, FieldMapping{
		Transform: TransformScale,
		Params:    map[string]interface{}{"factor": 0.1, "offset": -273.15},
	}, value.Int(1000))
	require.True(t, ok)
	f, _ := out.AsFloat()
	assert.InDelta(t, -173.15, f, 1e-9)

	_, ok = applyTransform(t, FieldMapping{
		Transform: TransformScale,
		Params:    map[string]interface{}{"factor": 2.0},
	}, value.String("not a number"))
	assert.False(t, ok, "non-numeric input is skipped")
}

func TestTransformRound(t *testing.T) {
	out, ok := applyTransform(t, FieldMapping{
		Transform: TransformRound,
		Params:    map[string]interface{}{"decimals": 2.0},
	}, value.Float(3.14159))
	require.True(t, ok)
	f, _ := out.AsFloat()
	assert.InDelta(t, 3.14, f, 1e-9)

	// half away from zero, both signs
	out, _ = applyTransform(t, FieldMapping{Transform: TransformRound}, value.Float(2.5))
	f, _ = out.AsFloat()
	assert.InDelta(t, 3, f, 1e-9)
	out, _ = applyTransform(t, FieldMapping{Transform: TransformRound}, value.Float(-2.5))
	f, _ = out.AsFloat()
	assert.InDelta(t, -3, f, 1e-9)
}

func TestTransformMap(t *testing.T) {
	m := FieldMapping{
		Transform: TransformMap,
		Params: map[string]interface{}{
			"table": map[string]interface{}{"0": "OFF", "1": "ON"},
		},
	}
	out, ok := applyTransform(t, m, value.Int(1))
	require.True(t, ok)
	s, _ := out.StringVal()
	assert.Equal(t, "ON", s)

	// unknown keys pass through untouched
	out, ok = applyTransform(t, m, value.Int(2))
	require.True(t, ok)
	i, _ := out.AsInt()
	assert.Equal(t, int64(2), i)
}

func TestTransformFormula(t *testing.T) {
	out, ok := applyTransform(t, FieldMapping{
		Transform: TransformFormula,
		Params:    map[string]interface{}{"expression": "x * 9/5 + 32", "variable": "x"},
	}, value.Int(100))
	require.True(t, ok)
	f, _ := out.AsFloat()
	assert.InDelta(t, 212, f, 1e-9)
}

func TestTransformFormulaRejectsForeignIdentifiers(t *testing.T) {
	_, err := compileTransform(FieldMapping{
		Transform: TransformFormula,
		Params:    map[string]interface{}{"expression": "x + y", "variable": "x"},
	})
	assert.Error(t, err)

	_, err = compileTransform(FieldMapping{
		Transform: TransformFormula,
		Params:    map[string]interface{}{"expression": "sqrt(x)", "variable": "x"},
	})
	assert.Error(t, err)
}

func TestTransformFormulaDivisionByZero(t *testing.T) {
	_, ok := applyTransform(t, FieldMapping{
		Transform: TransformFormula,
		Params:    map[string]interface{}{"expression": "1 / (x - x)", "variable": "x"},
	}, value.Int(5))
	assert.False(t, ok)
}

func TestTransformCoercions(t *testing.T) {
	out, ok := applyTransform(t, FieldMapping{Transform: TransformNumber}, value.String("12.5"))
	require.True(t, ok)
	f, _ := out.AsFloat()
	assert.InDelta(t, 12.5, f, 1e-9)

	out, ok = applyTransform(t, FieldMapping{Transform: TransformBoolean}, value.String("true"))
	require.True(t, ok)
	b, _ := out.BoolVal()
	assert.True(t, b)

	out, ok = applyTransform(t, FieldMapping{Transform: TransformUppercase}, value.String("running"))
	require.True(t, ok)
	s, _ := out.StringVal()
	assert.Equal(t, "RUNNING", s)

	_, ok = applyTransform(t, FieldMapping{Transform: TransformNumber}, value.String("not a number"))
	assert.False(t, ok)
}

func TestUnknownTransformRejectedAtCompile(t *testing.T) {
	_, err := compileTransform(FieldMapping{Transform: "exec"})
	assert.Error(t, err)
}
