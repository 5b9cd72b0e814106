// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package mapping turns protocol-typed raw samples into canonical records
// by applying per-source, persistent mapping rules.
package mapping

import (
	"fmt"
	"time"
)

// Target types a rule can produce.
const (
	TargetCanonical = "canonical"
	TargetNGSILD    = "ngsi-ld"
)

// Target describes the record shape a rule produces.
type Target struct {
	Type       string `json:"type"`
	EntityType string `json:"entityType"`
	// IDField optionally names a dotted path in the raw sample whose value
	// becomes the record id. When empty the id is entityType:sourceId.
	IDField string `json:"idField,omitempty"`
}

// FieldMapping maps one dotted source path onto one dotted target path,
// optionally through a transform.
type FieldMapping struct {
	SourceField string                 `json:"sourceField"`
	TargetField string                 `json:"targetField"`
	Transform   string                 `json:"transform,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Unit        string                 `json:"unit,omitempty"`
}

// Rule is the persistent, per-source transformation recipe. At most one
// rule exists per source id.
type Rule struct {
	SourceID        string         `json:"sourceId"`
	Target          Target         `json:"target"`
	Mappings        []FieldMapping `json:"mappings"`
	IncludeMetadata bool           `json:"includeMetadata"`
	AutoGenerated   bool           `json:"autoGenerated"`
	GeneratedAt     time.Time      `json:"generatedAt,omitempty"`
}

// Validate checks the rule and compiles every transform, rejecting unknown
// transform names and malformed formulas at load time.
func (r Rule) Validate() error {
	if r.SourceID == "" {
		return fmt.Errorf("mapping rule is missing a sourceId")
	}
	switch r.Target.Type {
	case TargetCanonical, TargetNGSILD, "":
	default:
		return fmt.Errorf("rule for %q: unknown target type %q", r.SourceID, r.Target.Type)
	}
	for i, m := range r.Mappings {
		if m.SourceField == "" {
			return fmt.Errorf("rule for %q: mapping %d is missing a sourceField", r.SourceID, i)
		}
		if m.TargetField == "" {
			return fmt.Errorf("rule for %q: mapping %d is missing a targetField", r.SourceID, i)
		}
		if _, err := compileTransform(m); err != nil {
			return fmt.Errorf("rule for %q: mapping %d: %w", r.SourceID, i, err)
		}
	}
	return nil
}

type compiledMapping struct {
	FieldMapping
	apply transformFunc
}

type compiledRule struct {
	Rule
	mappings []compiledMapping
}

func compileRule(r Rule) (*compiledRule, error) {
	cr := &compiledRule{Rule: r, mappings: make([]compiledMapping, 0, len(r.Mappings))}
	for i, m := range r.Mappings {
		fn, err := compileTransform(m)
		if err != nil {
			return nil, fmt.Errorf("rule for %q: mapping %d: %w", r.SourceID, i, err)
		}
		cr.mappings = append(cr.mappings, compiledMapping{FieldMapping: m, apply: fn})
	}
	return cr, nil
}
