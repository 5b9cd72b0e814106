// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package driver

import (
	"encoding/json"
	"fmt"

	"github.com/fieldgate/agent/pkg/config"
)

// DecodeConfig unmarshals the protocol-specific config tree of a source
// spec into a driver's typed config struct.
func DecodeConfig(spec config.SourceSpec, dst interface{}) error {
	data, err := json.Marshal(spec.Config)
	if err != nil {
		return &config.ValidationError{Msg: fmt.Sprintf("source %q: invalid config: %v", spec.ID, err)}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &config.ValidationError{Msg: fmt.Sprintf("source %q: invalid config: %v", spec.ID, err)}
	}
	return nil
}
