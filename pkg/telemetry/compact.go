// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package telemetry

import (
	"encoding/json"
	"time"

	"github.com/fieldgate/agent/pkg/value"
)

// Format selects the wire encoding of a record.
type Format string

// Wire formats.
const (
	FormatJSON    Format = "json"
	FormatCompact Format = "compact"
)

type compactMeasurement struct {
	I string      `json:"i"`
	T string      `json:"t"`
	V value.Value `json:"v"`
	U string      `json:"u,omitempty"`
	Q string      `json:"q,omitempty"`
}

type compactRecord struct {
	I    string                 `json:"i"`
	T    string                 `json:"t"`
	TS   string                 `json:"ts"`
	M    []compactMeasurement   `json:"m"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Encode serializes a record in the requested format.
func Encode(rec Record, format Format) ([]byte, error) {
	if format == FormatCompact {
		return EncodeCompact(rec)
	}
	return json.Marshal(rec)
}

// EncodeCompact serializes a record with short keys. The encoding is
// reversible via DecodeCompact.
func EncodeCompact(rec Record) ([]byte, error) {
	out := compactRecord{
		I:  rec.ID,
		T:  rec.Type,
		TS: rec.Metadata.Timestamp.UTC().Format(time.RFC3339Nano),
		M:  make([]compactMeasurement, 0, len(rec.Measurements)),
	}
	for _, m := range rec.Measurements {
		out.M = append(out.M, compactMeasurement{I: m.ID, T: m.Type, V: m.Value, U: m.Unit, Q: m.Quality})
	}
	meta := map[string]interface{}{}
	if rec.Metadata.SourceID != "" {
		meta["sourceId"] = rec.Metadata.SourceID
	}
	if rec.Metadata.SourceType != "" {
		meta["sourceType"] = rec.Metadata.SourceType
	}
	if rec.Metadata.Quality != "" {
		meta["quality"] = rec.Metadata.Quality
	}
	for k, v := range rec.Metadata.Extra {
		meta[k] = v.ToInterface()
	}
	if len(meta) > 0 {
		out.Meta = meta
	}
	return json.Marshal(out)
}

// DecodeCompact restores the verbose record from its compact form.
func DecodeCompact(data []byte) (Record, error) {
	var in compactRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:           in.I,
		Type:         in.T,
		Measurements: make([]Measurement, 0, len(in.M)),
	}
	if in.TS != "" {
		ts, err := time.Parse(time.RFC3339Nano, in.TS)
		if err != nil {
			return Record{}, err
		}
		rec.Metadata.Timestamp = ts
	}
	for _, m := range in.M {
		rec.Measurements = append(rec.Measurements, Measurement{ID: m.I, Type: m.T, Value: m.V, Unit: m.U, Quality: m.Q})
	}
	for k, v := range in.Meta {
		switch k {
		case "sourceId":
			rec.Metadata.SourceID, _ = value.FromInterface(v).AsString()
		case "sourceType":
			rec.Metadata.SourceType, _ = value.FromInterface(v).AsString()
		case "quality":
			rec.Metadata.Quality, _ = value.FromInterface(v).AsString()
		default:
			if rec.Metadata.Extra == nil {
				rec.Metadata.Extra = map[string]value.Value{}
			}
			rec.Metadata.Extra[k] = value.FromInterface(v)
		}
	}
	return rec, nil
}
