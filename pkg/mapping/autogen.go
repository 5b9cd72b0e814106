// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"strings"
	"time"
	"unicode"

	"github.com/fieldgate/agent/pkg/value"
)

// DefaultEntityType is used for synthesized rules.
const DefaultEntityType = "Device"

// Autogenerate synthesizes a rule from an observed sample: one mapping per
// scalar leaf, with a snake_case target name derived from the dotted path
// and a transform inferred from the value type.
func Autogenerate(sourceID string, sample value.Value, now time.Time) Rule {
	rule := Rule{
		SourceID:        sourceID,
		Target:          Target{Type: TargetCanonical, EntityType: DefaultEntityType},
		IncludeMetadata: true,
		AutoGenerated:   true,
		GeneratedAt:     now.UTC(),
	}

	// Targets are named after the leaf segment so envelope keys like
	// "registers" do not leak into measurement ids; ambiguous leaves fall
	// back to the full path.
	leafCount := map[string]int{}
	value.WalkLeaves(sample, func(path []string, leaf value.Value) {
		leafCount[path[len(path)-1]]++
	})

	value.WalkLeaves(sample, func(path []string, leaf value.Value) {
		target := toSnakeCase(path[len(path)-1])
		if leafCount[path[len(path)-1]] > 1 {
			target = snakeCasePath(path)
		}
		rule.Mappings = append(rule.Mappings, FieldMapping{
			SourceField: strings.Join(path, "."),
			TargetField: target,
			Transform:   inferTransform(leaf),
		})
	})
	return rule
}

func inferTransform(v value.Value) string {
	switch v.Kind() {
	case value.KindInt, value.KindFloat:
		return TransformNumber
	case value.KindBool:
		return TransformBoolean
	default:
		return TransformString
	}
}

// snakeCasePath flattens a dotted path into one snake_case name:
// ["sensors","ambientTemp"] becomes "sensors_ambient_temp".
func snakeCasePath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, seg := range path {
		parts = append(parts, toSnakeCase(seg))
	}
	return strings.Join(parts, "_")
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
