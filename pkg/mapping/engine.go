// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/fieldgate/agent/pkg/telemetry"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/value"
)

// ErrRuleExists is returned when addRule would overwrite a hand-edited rule
// without force.
var ErrRuleExists = fmt.Errorf("a hand-edited rule already exists for this source")

// Engine holds the rule catalog and applies it to raw samples. Rule
// mutations are rare and write through to the catalog file; applications
// are hot and only take the read lock.
type Engine struct {
	catalogPath string
	clk         clock.Clock

	mu    sync.RWMutex
	rules map[string]*compiledRule
}

// NewEngine loads the catalog from disk and returns the engine.
func NewEngine(catalogPath string, clk clock.Clock) (*Engine, error) {
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		catalogPath: catalogPath,
		clk:         clk,
		rules:       map[string]*compiledRule{},
	}
	loaded, err := LoadCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load mapping catalog %s: %w", catalogPath, err)
	}
	for _, r := range loaded {
		cr, err := compileRule(r)
		if err != nil {
			// LoadCatalog already validated; this is belt and braces
			log.Warnf("Dropping mapping rule for %q: %v", r.SourceID, err)
			continue
		}
		e.rules[r.SourceID] = cr
	}
	return e, nil
}

// Rules returns every rule, sorted by source id.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.Rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Rule returns the rule for a source if one exists.
func (e *Engine) Rule(sourceID string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[sourceID]
	if !ok {
		return Rule{}, false
	}
	return cr.Rule, true
}

// HasRule reports whether a rule exists for the source.
func (e *Engine) HasRule(sourceID string) bool {
	_, ok := e.Rule(sourceID)
	return ok
}

// AddRule validates and installs a rule, writing the catalog through to
// disk. Auto-generated rules never overwrite hand-edited ones: replacing a
// rule whose AutoGenerated flag is false requires force.
func (e *Engine) AddRule(r Rule, force bool) error {
	if err := r.Validate(); err != nil {
		return err
	}
	cr, err := compileRule(r)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[r.SourceID]; ok && !existing.AutoGenerated && !force {
		return ErrRuleExists
	}
	e.rules[r.SourceID] = cr
	return e.persistLocked()
}

// RemoveRule deletes the rule for a source and persists the catalog.
func (e *Engine) RemoveRule(sourceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[sourceID]; !ok {
		return nil
	}
	delete(e.rules, sourceID)
	return e.persistLocked()
}

func (e *Engine) persistLocked() error {
	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, cr.Rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].SourceID < rules[j].SourceID })
	return SaveCatalog(e.catalogPath, rules)
}

// Apply converts a raw sample into a canonical record using the rule for
// the source. It returns false when no rule exists.
func (e *Engine) Apply(sourceID, sourceType string, sample value.Value) (telemetry.Record, bool) {
	e.mu.RLock()
	cr, ok := e.rules[sourceID]
	e.mu.RUnlock()
	if !ok {
		return telemetry.Record{}, false
	}
	return e.applyRule(cr, sourceID, sourceType, sample), true
}

// ApplyAuto behaves like Apply but synthesizes, installs and persists a
// rule from the sample when none exists yet.
func (e *Engine) ApplyAuto(sourceID, sourceType string, sample value.Value) (telemetry.Record, error) {
	if rec, ok := e.Apply(sourceID, sourceType, sample); ok {
		return rec, nil
	}
	rule := Autogenerate(sourceID, sample, e.clk.Now())
	if err := e.AddRule(rule, false); err != nil {
		return telemetry.Record{}, err
	}
	log.Infof("Auto-generated mapping rule for source %s with %d mappings", sourceID, len(rule.Mappings))
	rec, _ := e.Apply(sourceID, sourceType, sample)
	return rec, nil
}

func (e *Engine) applyRule(cr *compiledRule, sourceID, sourceType string, sample value.Value) telemetry.Record {
	builder := value.NewBuilder()
	units := map[string]string{}

	for _, m := range cr.mappings {
		src, ok := value.ExtractPath(sample, m.SourceField)
		if !ok || src.IsNull() {
			// missing source fields are skipped, never written as null
			continue
		}
		out, ok := m.apply(src)
		if !ok {
			log.Debugf("Mapping %s -> %s for source %s: cannot coerce %s, skipping field",
				m.SourceField, m.TargetField, sourceID, src.Kind())
			continue
		}
		builder.Set(m.TargetField, out)
		if m.Unit != "" {
			units[m.TargetField] = m.Unit
		}
	}

	rec := telemetry.Record{
		ID:           e.recordID(cr, sourceID, sample),
		Type:         cr.Target.EntityType,
		Measurements: []telemetry.Measurement{},
		Metadata: telemetry.Metadata{
			Timestamp:  e.clk.Now().UTC(),
			SourceID:   sourceID,
			SourceType: sourceType,
			Quality:    telemetry.QualityGood,
		},
	}

	value.WalkLeaves(builder.Value(), func(path []string, leaf value.Value) {
		id := strings.Join(path, ".")
		rec.Measurements = append(rec.Measurements, telemetry.Measurement{
			ID:    id,
			Type:  measurementType(leaf),
			Value: leaf,
			Unit:  units[id],
		})
	})

	if cr.IncludeMetadata {
		rec.Metadata.Extra = map[string]value.Value{"raw": sample}
	}
	return rec
}

func (e *Engine) recordID(cr *compiledRule, sourceID string, sample value.Value) string {
	if cr.Target.IDField != "" {
		if v, ok := value.ExtractPath(sample, cr.Target.IDField); ok {
			if s, ok := v.AsString(); ok && s != "" {
				return s
			}
		}
	}
	entity := cr.Target.EntityType
	if entity == "" {
		entity = DefaultEntityType
	}
	return entity + ":" + sourceID
}

func measurementType(v value.Value) string {
	switch v.Kind() {
	case value.KindInt:
		return "int"
	case value.KindFloat:
		return "float"
	case value.KindBool:
		return "bool"
	default:
		return "string"
	}
}
