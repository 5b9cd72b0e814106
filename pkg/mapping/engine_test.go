// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/value"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.json")
	e, err := NewEngine(path, clock.NewMock())
	require.NoError(t, err)
	return e
}

func sampleTree() value.Value {
	return value.FromInterface(map[string]interface{}{
		"temperature": 23.5,
		"status":      true,
		"registers":   map[string]interface{}{"rpm": float64(1450)},
	})
}

func TestApplyWithoutRule(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.Apply("s1", "mqtt", sampleTree())
	assert.False(t, ok)
}

func TestApplyIdempotent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddRule(Rule{
		SourceID: "s1",
		Target:   Target{EntityType: "Sensor"},
		Mappings: []FieldMapping{
			{SourceField: "temperature", TargetField: "temp", Transform: TransformNumber, Unit: "cel"},
			{SourceField: "status", TargetField: "running", Transform: TransformBoolean},
		},
	}, false))

	r1, ok := e.Apply("s1", "mqtt", sampleTree())
	require.True(t, ok)
	r2, ok := e.Apply("s1", "mqtt", sampleTree())
	require.True(t, ok)

	r1.Metadata.Timestamp = r2.Metadata.Timestamp
	assert.Equal(t, r1, r2)

	require.Len(t, r1.Measurements, 2)
	assert.Equal(t, "Sensor:s1", r1.ID)
	assert.Equal(t, "cel", r1.Measurements[1].Unit)
}

func TestApplyLaterMappingWins(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddRule(Rule{
		SourceID: "s1",
		Mappings: []FieldMapping{
			{SourceField: "temperature", TargetField: "out"},
			{SourceField: "registers.rpm", TargetField: "out"},
		},
	}, false))

	rec, ok := e.Apply("s1", "modbus", sampleTree())
	require.True(t, ok)
	require.Len(t, rec.Measurements, 1)
	i, _ := rec.Measurements[0].Value.AsInt()
	assert.Equal(t, int64(1450), i)
}

func TestApplyMissingFieldsSkipped(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddRule(Rule{
		SourceID: "s1",
		Mappings: []FieldMapping{
			{SourceField: "absent.path", TargetField: "a"},
			{SourceField: "temperature", TargetField: "temp"},
		},
	}, false))

	rec, ok := e.Apply("s1", "http", sampleTree())
	require.True(t, ok)
	require.Len(t, rec.Measurements, 1)
	assert.Equal(t, "temp", rec.Measurements[0].ID)
}

func TestAutogenerateCompleteness(t *testing.T) {
	e := newTestEngine(t)
	sample := sampleTree()

	rec, err := e.ApplyAuto("s1", "mqtt", sample)
	require.NoError(t, err)

	leaves := 0
	value.WalkLeaves(sample, func([]string, value.Value) { leaves++ })
	assert.Len(t, rec.Measurements, leaves, "every leaf of the sample maps to a measurement")

	rule, ok := e.Rule("s1")
	require.True(t, ok)
	assert.True(t, rule.AutoGenerated)

	ids := map[string]bool{}
	for _, m := range rec.Measurements {
		ids[m.ID] = true
	}
	assert.True(t, ids["temperature"])
	assert.True(t, ids["status"])
	assert.True(t, ids["rpm"], "leaf segment names the measurement")
}

func TestAddRuleRefusesOverwritingHandEdited(t *testing.T) {
	e := newTestEngine(t)
	manual := Rule{SourceID: "s1", Mappings: []FieldMapping{{SourceField: "a", TargetField: "a"}}}
	require.NoError(t, e.AddRule(manual, false))

	auto := Rule{SourceID: "s1", AutoGenerated: true, Mappings: []FieldMapping{{SourceField: "b", TargetField: "b"}}}
	err := e.AddRule(auto, false)
	assert.ErrorIs(t, err, ErrRuleExists)

	require.NoError(t, e.AddRule(auto, true))
	got, _ := e.Rule("s1")
	assert.True(t, got.AutoGenerated)
}

func TestCatalogPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	e, err := NewEngine(path, clock.NewMock())
	require.NoError(t, err)
	require.NoError(t, e.AddRule(Rule{
		SourceID: "s1",
		Mappings: []FieldMapping{{SourceField: "temperature", TargetField: "temp"}},
	}, false))
	require.NoError(t, e.RemoveRule("does-not-exist"))

	reloaded, err := NewEngine(path, clock.NewMock())
	require.NoError(t, err)
	assert.True(t, reloaded.HasRule("s1"))

	require.NoError(t, reloaded.RemoveRule("s1"))
	again, err := NewEngine(path, clock.NewMock())
	require.NoError(t, err)
	assert.False(t, again.HasRule("s1"))
}

func TestLoadCatalogDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	payload := `[
		{"sourceId":"good","mappings":[{"sourceField":"a","targetField":"a"}]},
		{"sourceId":"bad","mappings":[{"sourceField":"a","targetField":"a","transform":"bogus"}]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	e, err := NewEngine(path, clock.NewMock())
	require.NoError(t, err)
	assert.True(t, e.HasRule("good"))
	assert.False(t, e.HasRule("bad"))
}

func TestIncludeMetadataCarriesRawSample(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddRule(Rule{
		SourceID:        "s1",
		IncludeMetadata: true,
		Mappings:        []FieldMapping{{SourceField: "temperature", TargetField: "temp"}},
	}, false))

	rec, ok := e.Apply("s1", "http", sampleTree())
	require.True(t, ok)
	raw, found := rec.Metadata.Extra["raw"]
	require.True(t, found)
	assert.True(t, value.Equal(sampleTree(), raw))
}
