// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package telemetry defines the canonical device/measurement record every
// raw sample is normalized into, together with its wire encodings.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/fieldgate/agent/pkg/value"
)

// Quality flags attached to records and measurements.
const (
	QualityGood      = "good"
	QualityUncertain = "uncertain"
	QualityBad       = "bad"
)

// Measurement is one named reading inside a record.
type Measurement struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Value   value.Value `json:"value"`
	Unit    string      `json:"unit,omitempty"`
	Quality string      `json:"quality,omitempty"`
}

// Metadata carries the ingestion context of a record. Extra holds any
// rule-added fields and is flattened into the metadata object on the wire.
type Metadata struct {
	Timestamp  time.Time
	SourceID   string
	SourceType string
	Quality    string
	Extra      map[string]value.Value
}

// Record is the uniform output of the mapping engine. The timestamp is
// always set; Measurements may be empty for a degenerate record.
type Record struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Measurements []Measurement `json:"measurements"`
	Metadata     Metadata      `json:"metadata"`
}

// MarshalJSON flattens Extra into the metadata object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"timestamp":  m.Timestamp.UTC().Format(time.RFC3339Nano),
		"sourceId":   m.SourceID,
		"sourceType": m.SourceType,
	}
	if m.Quality != "" {
		out["quality"] = m.Quality
	}
	for k, v := range m.Extra {
		if _, reserved := out[k]; !reserved {
			out[k] = v.ToInterface()
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the flattened metadata object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	take := func(key string, dst interface{}) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		return json.Unmarshal(v, dst)
	}
	var ts string
	if err := take("timestamp", &ts); err != nil {
		return err
	}
	if ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return err
		}
		m.Timestamp = t
	}
	if err := take("sourceId", &m.SourceID); err != nil {
		return err
	}
	if err := take("sourceType", &m.SourceType); err != nil {
		return err
	}
	if err := take("quality", &m.Quality); err != nil {
		return err
	}
	if len(raw) > 0 {
		m.Extra = make(map[string]value.Value, len(raw))
		for k, v := range raw {
			var ev value.Value
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			m.Extra[k] = ev
		}
	}
	return nil
}

// EntryRole distinguishes the two jobs of the data buffer.
type EntryRole string

// Buffer entry roles.
const (
	RoleCache    EntryRole = "cache"
	RoleRecovery EntryRole = "recovery"
)

// BufferedEntry wraps a record in its buffering envelope. SinkName and
// Subject are populated only for recovery entries.
type BufferedEntry struct {
	Record     Record    `json:"record"`
	Role       EntryRole `json:"role"`
	SinkName   string    `json:"sinkName,omitempty"`
	Subject    string    `json:"intendedSubject,omitempty"`
	BufferedAt time.Time `json:"bufferedAt"`
	LastError  string    `json:"lastError,omitempty"`
}
