// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package mapping

import (
	"encoding/json"
	"os"

	"github.com/fieldgate/agent/pkg/util/filesystem"
	"github.com/fieldgate/agent/pkg/util/log"
)

// LoadCatalog reads the rule catalog from disk. A missing file is an empty
// catalog; entries that fail validation are dropped with a warning.
func LoadCatalog(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(raw))
	seen := map[string]struct{}{}
	for i, entry := range raw {
		var r Rule
		if err := json.Unmarshal(entry, &r); err != nil {
			log.Warnf("Dropping mapping catalog entry %d: %v", i, err)
			continue
		}
		if err := r.Validate(); err != nil {
			log.Warnf("Dropping mapping catalog entry %d: %v", i, err)
			continue
		}
		if _, dup := seen[r.SourceID]; dup {
			log.Warnf("Dropping mapping catalog entry %d: duplicate rule for source %q", i, r.SourceID)
			continue
		}
		seen[r.SourceID] = struct{}{}
		rules = append(rules, r)
	}
	return rules, nil
}

// SaveCatalog persists the catalog as one document, replaced atomically.
func SaveCatalog(path string, rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	return filesystem.WriteAtomically(path, data, 0o644)
}
