// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package connector

// State is the lifecycle position of a supervisor.
type State int

// Lifecycle states. Stopped and Failed are terminal.
const (
	Unconfigured State = iota
	Initialized
	Connecting
	Connected
	Disconnected
	Reconnecting
	Stopped
	Failed
)

var stateNames = map[State]string{
	Unconfigured: "unconfigured",
	Initialized:  "initialized",
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Reconnecting: "reconnecting",
	Stopped:      "stopped",
	Failed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the supervisor can never leave this state.
func (s State) Terminal() bool { return s == Stopped || s == Failed }
