// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package version

// AgentVersion contains the version of the agent. It is populated at
// build time via -ldflags.
var AgentVersion = "0.0.0-dev"

// Commit is the commit the agent was built from, populated at build time.
var Commit = ""
