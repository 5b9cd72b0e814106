// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

// Package catalog pulls in every driver shipped with the agent. Importing
// it for side effects populates the driver registry.
package catalog

import (
	// registered by their init functions
	_ "github.com/fieldgate/agent/pkg/driver/httpdriver"
	_ "github.com/fieldgate/agent/pkg/driver/modbusdriver"
	_ "github.com/fieldgate/agent/pkg/driver/mqttdriver"
	_ "github.com/fieldgate/agent/pkg/driver/opcuadriver"
)
