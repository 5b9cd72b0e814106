// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/agent/pkg/value"
)

func testRecord() Record {
	return Record{
		ID:   "Sensor:s1",
		Type: "Sensor",
		Measurements: []Measurement{
			{ID: "temp", Type: "float", Value: value.Float(23.5), Unit: "cel", Quality: QualityGood},
			{ID: "running", Type: "bool", Value: value.Bool(true)},
		},
		Metadata: Metadata{
			Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			SourceID:   "s1",
			SourceType: "mqtt",
			Quality:    QualityGood,
			Extra:      map[string]value.Value{"site": value.String("plant-7")},
		},
	}
}

func TestCompactRoundTrip(t *testing.T) {
	rec := testRecord()

	data, err := Encode(rec, FormatCompact)
	require.NoError(t, err)

	// short keys on the wire
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "i")
	assert.Contains(t, wire, "ts")
	assert.Contains(t, wire, "m")
	assert.NotContains(t, wire, "measurements")

	back, err := DecodeCompact(data)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.Type, back.Type)
	assert.True(t, rec.Metadata.Timestamp.Equal(back.Metadata.Timestamp))
	assert.Equal(t, rec.Metadata.SourceID, back.Metadata.SourceID)
	assert.Equal(t, rec.Metadata.SourceType, back.Metadata.SourceType)
	require.Len(t, back.Measurements, 2)
	assert.Equal(t, rec.Measurements[0], back.Measurements[0])
	site, ok := back.Metadata.Extra["site"]
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("plant-7"), site))
}

func TestVerboseMetadataFlattensExtra(t *testing.T) {
	rec := testRecord()
	data, err := Encode(rec, FormatJSON)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	meta := wire["metadata"].(map[string]interface{})
	assert.Equal(t, "s1", meta["sourceId"])
	assert.Equal(t, "plant-7", meta["site"], "extra fields sit beside the reserved ones")

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "s1", back.Metadata.SourceID)
	site, ok := back.Metadata.Extra["site"]
	require.True(t, ok)
	assert.True(t, value.Equal(value.String("plant-7"), site))
}
